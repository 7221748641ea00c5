package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Wire payloads exchanged with the collaborating services. Field names
// follow the upstream JSON schema; the engine owns none of these topics.

// PlacedEvent is consumed from the order-placed topic.
type PlacedEvent struct {
	OrderID     uuid.UUID        `json:"orderId"`
	UserID      uuid.UUID        `json:"userId"`
	Instrument  string           `json:"ticker"`
	Side        Side             `json:"side"`
	Kind        Kind             `json:"orderType"`
	TimeInForce TimeInForce      `json:"timeInForce"`
	Price       *decimal.Decimal `json:"price,omitempty"` // absent for MARKET
	Quantity    decimal.Decimal  `json:"quantity"`
	Timestamp   time.Time        `json:"timestamp"`
}

// CancelledEvent is consumed from the order-cancelled topic.
type CancelledEvent struct {
	OrderID    uuid.UUID        `json:"orderId"`
	UserID     uuid.UUID        `json:"userId"`
	Instrument string           `json:"ticker"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

// TradeExecution is the immutable record of one match step. It is
// created exactly once per match and published keyed by instrument.
type TradeExecution struct {
	TradeID     uuid.UUID       `json:"tradeId"`
	BuyOrderID  uuid.UUID       `json:"buyOrderId"`
	SellOrderID uuid.UUID       `json:"sellOrderId"`
	Instrument  string          `json:"ticker"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Resting materializes an in-memory order from a placed event:
// remaining = original quantity, status ACTIVE.
func (e *PlacedEvent) Resting(now time.Time) *RestingOrder {
	return &RestingOrder{
		ID:           e.OrderID,
		UserID:       e.UserID,
		Instrument:   e.Instrument,
		Side:         e.Side,
		Kind:         e.Kind,
		TimeInForce:  e.TimeInForce,
		Price:        e.Price,
		OriginalQty:  e.Quantity,
		RemainingQty: e.Quantity,
		Status:       StatusActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
