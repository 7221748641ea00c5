package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"

	"tradestream/domain/order"
)

// Order rows are stored as hand-rolled protobuf wire frames. Field
// numbers are part of the on-disk format; never renumber.
const (
	fieldID          = 1
	fieldUserID      = 2
	fieldInstrument  = 3
	fieldSide        = 4
	fieldKind        = 5
	fieldTIF         = 6
	fieldPrice       = 7 // absent when the order has no price
	fieldOriginalQty = 8
	fieldRemaining   = 9
	fieldStatus      = 10
	fieldCreatedAt   = 11
	fieldUpdatedAt   = 12
)

var (
	sideCodes   = map[order.Side]uint64{order.Buy: 1, order.Sell: 2}
	kindCodes   = map[order.Kind]uint64{order.Limit: 1, order.Market: 2}
	tifCodes    = map[order.TimeInForce]uint64{order.GTC: 1, order.IOC: 2, order.FOK: 3}
	statusCodes = map[order.Status]uint64{
		order.StatusActive:          1,
		order.StatusPartiallyFilled: 2,
		order.StatusFilled:          3,
		order.StatusCanceled:        4,
	}

	codeSides    = invert(sideCodes)
	codeKinds    = invert(kindCodes)
	codeTIFs     = invert(tifCodes)
	codeStatuses = invert(statusCodes)
)

func invert[K comparable](m map[K]uint64) map[uint64]K {
	out := make(map[uint64]K, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

func encodeOrder(o *order.RestingOrder) []byte {
	buf := make([]byte, 0, 128)

	buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, o.ID[:])
	buf = protowire.AppendTag(buf, fieldUserID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, o.UserID[:])
	buf = protowire.AppendTag(buf, fieldInstrument, protowire.BytesType)
	buf = protowire.AppendString(buf, o.Instrument)
	buf = protowire.AppendTag(buf, fieldSide, protowire.VarintType)
	buf = protowire.AppendVarint(buf, sideCodes[o.Side])
	buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
	buf = protowire.AppendVarint(buf, kindCodes[o.Kind])
	buf = protowire.AppendTag(buf, fieldTIF, protowire.VarintType)
	buf = protowire.AppendVarint(buf, tifCodes[o.TimeInForce])
	if o.Price != nil {
		buf = protowire.AppendTag(buf, fieldPrice, protowire.BytesType)
		buf = protowire.AppendString(buf, o.Price.String())
	}
	buf = protowire.AppendTag(buf, fieldOriginalQty, protowire.BytesType)
	buf = protowire.AppendString(buf, o.OriginalQty.String())
	buf = protowire.AppendTag(buf, fieldRemaining, protowire.BytesType)
	buf = protowire.AppendString(buf, o.RemainingQty.String())
	buf = protowire.AppendTag(buf, fieldStatus, protowire.VarintType)
	buf = protowire.AppendVarint(buf, statusCodes[o.Status])
	buf = protowire.AppendTag(buf, fieldCreatedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(o.CreatedAt.UnixNano()))
	buf = protowire.AppendTag(buf, fieldUpdatedAt, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(o.UpdatedAt.UnixNano()))

	return buf
}

func decodeOrder(data []byte) (*order.RestingOrder, error) {
	o := &order.RestingOrder{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("order row: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch typ {
		case protowire.BytesType:
			val, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("order row: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := decodeBytesField(o, num, val); err != nil {
				return nil, err
			}
		case protowire.VarintType:
			val, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("order row: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			if err := decodeVarintField(o, num, val); err != nil {
				return nil, err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("order row: field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return o, nil
}

func decodeBytesField(o *order.RestingOrder, num protowire.Number, val []byte) error {
	switch num {
	case fieldID:
		id, err := uuid.FromBytes(val)
		if err != nil {
			return fmt.Errorf("order row: id: %w", err)
		}
		o.ID = id
	case fieldUserID:
		id, err := uuid.FromBytes(val)
		if err != nil {
			return fmt.Errorf("order row: user id: %w", err)
		}
		o.UserID = id
	case fieldInstrument:
		o.Instrument = string(val)
	case fieldPrice:
		p, err := decimal.NewFromString(string(val))
		if err != nil {
			return fmt.Errorf("order row: price: %w", err)
		}
		o.Price = &p
	case fieldOriginalQty:
		q, err := decimal.NewFromString(string(val))
		if err != nil {
			return fmt.Errorf("order row: original qty: %w", err)
		}
		o.OriginalQty = q
	case fieldRemaining:
		q, err := decimal.NewFromString(string(val))
		if err != nil {
			return fmt.Errorf("order row: remaining qty: %w", err)
		}
		o.RemainingQty = q
	}
	return nil
}

func decodeVarintField(o *order.RestingOrder, num protowire.Number, val uint64) error {
	switch num {
	case fieldSide:
		s, ok := codeSides[val]
		if !ok {
			return fmt.Errorf("order row: unknown side code %d", val)
		}
		o.Side = s
	case fieldKind:
		k, ok := codeKinds[val]
		if !ok {
			return fmt.Errorf("order row: unknown kind code %d", val)
		}
		o.Kind = k
	case fieldTIF:
		t, ok := codeTIFs[val]
		if !ok {
			return fmt.Errorf("order row: unknown time-in-force code %d", val)
		}
		o.TimeInForce = t
	case fieldStatus:
		st, ok := codeStatuses[val]
		if !ok {
			return fmt.Errorf("order row: unknown status code %d", val)
		}
		o.Status = st
	case fieldCreatedAt:
		o.CreatedAt = time.Unix(0, int64(val)).UTC()
	case fieldUpdatedAt:
		o.UpdatedAt = time.Unix(0, int64(val)).UTC()
	}
	return nil
}
