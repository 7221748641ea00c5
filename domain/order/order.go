package order

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string
type Kind string
type TimeInForce string
type Status string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit  Kind = "LIMIT"
	Market Kind = "MARKET"
)

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

const (
	StatusActive          Status = "ACTIVE"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
)

// Opposite returns the other side of the book.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) Valid() bool        { return s == Buy || s == Sell }
func (k Kind) Valid() bool        { return k == Limit || k == Market }
func (t TimeInForce) Valid() bool { return t == GTC || t == IOC || t == FOK }

// Terminal reports whether no further transition may leave this status.
func (s Status) Terminal() bool {
	return s == StatusFilled || s == StatusCanceled
}

// RestingOrder is a unit of standing interest in one instrument.
// Price is nil exactly when Kind is Market; a Market order must never
// be inserted into a book.
type RestingOrder struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	Instrument  string
	Side        Side
	Kind        Kind
	TimeInForce TimeInForce

	Price        *decimal.Decimal
	OriginalQty  decimal.Decimal
	RemainingQty decimal.Decimal

	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Fill reduces the remaining quantity and moves the status forward.
// qty must not exceed the remaining quantity.
func (r *RestingOrder) Fill(qty decimal.Decimal) {
	r.RemainingQty = r.RemainingQty.Sub(qty)
	if r.RemainingQty.Sign() == 0 {
		r.Status = StatusFilled
	} else {
		r.Status = StatusPartiallyFilled
	}
}

// Restable reports whether the order may be a book member.
func (r *RestingOrder) Restable() bool {
	return r.Kind == Limit &&
		r.Price != nil &&
		r.RemainingQty.Sign() > 0 &&
		(r.Status == StatusActive || r.Status == StatusPartiallyFilled)
}

func (r *RestingOrder) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("order: missing id")
	}
	if r.Instrument == "" {
		return fmt.Errorf("order %s: missing instrument", r.ID)
	}
	if !r.Side.Valid() {
		return fmt.Errorf("order %s: bad side %q", r.ID, r.Side)
	}
	if !r.Kind.Valid() {
		return fmt.Errorf("order %s: bad kind %q", r.ID, r.Kind)
	}
	if !r.TimeInForce.Valid() {
		return fmt.Errorf("order %s: bad time-in-force %q", r.ID, r.TimeInForce)
	}
	if r.Kind == Limit && r.Price == nil {
		return fmt.Errorf("order %s: limit order without price", r.ID)
	}
	if r.Kind == Market && r.Price != nil {
		return fmt.Errorf("order %s: market order carries price", r.ID)
	}
	if r.OriginalQty.Sign() <= 0 {
		return fmt.Errorf("order %s: non-positive quantity", r.ID)
	}
	return nil
}
