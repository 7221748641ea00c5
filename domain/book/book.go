// Package book holds the per-instrument resting order book.
//
// A book is two priority-ordered queues: bids by price descending,
// asks by price ascending, FIFO by creation time within one price.
// Only LIMIT orders with remaining quantity may be members; MARKET
// orders never rest. The book is not safe for concurrent mutation;
// the engine serializes access per instrument.
package book

import (
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"tradestream/domain/order"
)

// sideQueue keeps orders sorted best-first for one side.
type sideQueue struct {
	side   order.Side
	orders []*order.RestingOrder
}

// before reports whether a outranks b on this side. Strict price
// priority first, earliest creation time as the tie-break.
func (q *sideQueue) before(a, b *order.RestingOrder) bool {
	switch q.side {
	case order.Buy:
		if !a.Price.Equal(*b.Price) {
			return a.Price.GreaterThan(*b.Price)
		}
	default:
		if !a.Price.Equal(*b.Price) {
			return a.Price.LessThan(*b.Price)
		}
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

func (q *sideQueue) add(o *order.RestingOrder) {
	// Insertion point after every entry that outranks or ties o,
	// so equal-priority arrivals stay FIFO.
	i := sort.Search(len(q.orders), func(i int) bool {
		return q.before(o, q.orders[i])
	})
	q.orders = append(q.orders, nil)
	copy(q.orders[i+1:], q.orders[i:])
	q.orders[i] = o
}

func (q *sideQueue) remove(id uuid.UUID) bool {
	for i, o := range q.orders {
		if o.ID == id {
			q.orders = append(q.orders[:i], q.orders[i+1:]...)
			return true
		}
	}
	return false
}

func (q *sideQueue) peek() *order.RestingOrder {
	if len(q.orders) == 0 {
		return nil
	}
	return q.orders[0]
}

func (q *sideQueue) pop() *order.RestingOrder {
	if len(q.orders) == 0 {
		return nil
	}
	o := q.orders[0]
	q.orders = q.orders[1:]
	return o
}

// Book is one instrument's order book.
type Book struct {
	instrument string
	bids       sideQueue
	asks       sideQueue
}

func New(instrument string) *Book {
	return &Book{
		instrument: instrument,
		bids:       sideQueue{side: order.Buy},
		asks:       sideQueue{side: order.Sell},
	}
}

func (b *Book) Instrument() string { return b.instrument }

func (b *Book) side(s order.Side) *sideQueue {
	if s == order.Buy {
		return &b.bids
	}
	return &b.asks
}

func (b *Book) opposite(s order.Side) *sideQueue {
	return b.side(s.Opposite())
}

// Add inserts a resting LIMIT order into the side matching its own
// side. The order must carry a price.
func (b *Book) Add(o *order.RestingOrder) {
	if o.Price == nil {
		panic("book: resting order without price")
	}
	b.side(o.Side).add(o)
}

// Remove drops an order by identity from its side. No-op when absent.
func (b *Book) Remove(o *order.RestingOrder) bool {
	return b.side(o.Side).remove(o.ID)
}

// BestOpposite peeks the opposite side's highest-priority order.
func (b *Book) BestOpposite(aggressing order.Side) *order.RestingOrder {
	return b.opposite(aggressing).peek()
}

// PopOpposite removes and returns the opposite side's best order.
func (b *Book) PopOpposite(aggressing order.Side) *order.RestingOrder {
	return b.opposite(aggressing).pop()
}

// RequeueOpposite reinserts a partially filled counterparty into the
// side it belongs to. Priority follows its original creation time;
// it is not re-stamped.
func (b *Book) RequeueOpposite(o *order.RestingOrder) {
	b.side(o.Side).add(o)
}

// IsCrossed reports whether the aggressor can trade against the best
// opposite order. A nil price (MARKET) crosses whenever the opposite
// side is non-empty.
func (b *Book) IsCrossed(price *decimal.Decimal, aggressing order.Side) bool {
	top := b.BestOpposite(aggressing)
	if top == nil {
		return false
	}
	return Crosses(price, aggressing, *top.Price)
}

// Crosses is the single crossing rule: BUY crosses at or above the
// resting price, SELL at or below, MARKET always.
func Crosses(price *decimal.Decimal, aggressing order.Side, resting decimal.Decimal) bool {
	if price == nil {
		return true
	}
	if aggressing == order.Buy {
		return price.GreaterThanOrEqual(resting)
	}
	return price.LessThanOrEqual(resting)
}

// WalkOpposite visits the opposite side best-first without mutating
// the book. Return false from fn to stop early.
func (b *Book) WalkOpposite(aggressing order.Side, fn func(*order.RestingOrder) bool) {
	for _, o := range b.opposite(aggressing).orders {
		if !fn(o) {
			return
		}
	}
}

// SelfCrossed reports whether the book's own two sides cross, which a
// consistent durable snapshot never produces.
func (b *Book) SelfCrossed() bool {
	bid, ask := b.bids.peek(), b.asks.peek()
	return bid != nil && ask != nil && bid.Price.GreaterThanOrEqual(*ask.Price)
}

func (b *Book) BidCount() int { return len(b.bids.orders) }
func (b *Book) AskCount() int { return len(b.asks.orders) }

// Level is one aggregated price level of a depth snapshot.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Depth aggregates both sides best-first for the query API.
func (b *Book) Depth() (bids, asks []Level) {
	return levels(b.bids.orders), levels(b.asks.orders)
}

func levels(orders []*order.RestingOrder) []Level {
	var out []Level
	for _, o := range orders {
		if n := len(out); n > 0 && out[n-1].Price.Equal(*o.Price) {
			out[n-1].Quantity = out[n-1].Quantity.Add(o.RemainingQty)
			out[n-1].Orders++
			continue
		}
		out = append(out, Level{Price: *o.Price, Quantity: o.RemainingQty, Orders: 1})
	}
	return out
}
