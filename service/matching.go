// Package service coordinates the matching core: the instrument→book
// registry, price-time-priority matching, time-in-force resolution,
// cancellation and warm start. It is the only writer of book state.
package service

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradestream/domain/book"
	"tradestream/domain/order"
	"tradestream/infra/store"
)

// OrderStore is the durable order state the engine reads and writes.
type OrderStore interface {
	Save(*order.RestingOrder) error
	Find(uuid.UUID) (*order.RestingOrder, error)
	FindByIDForUpdate(uuid.UUID) (*order.RestingOrder, func(), error)
	LockRow(uuid.UUID) func()
	FindAllActive() ([]*order.RestingOrder, error)
}

// Emitter receives every completed trade execution. An error aborts
// the event being matched; the intake boundary redelivers it.
type Emitter interface {
	Emit(*order.TradeExecution) error
}

// instrumentBook pairs one book with the lock that serializes every
// event for its instrument. Matching and cancellation for the same
// instrument never run concurrently; different instruments do.
type instrumentBook struct {
	mu   sync.Mutex
	book *book.Book
}

// MatchingService owns the registry of order books. Construct one per
// process, after recovery, and hand it to every event handler.
type MatchingService struct {
	mu    sync.RWMutex
	books map[string]*instrumentBook

	store   OrderStore
	emitter Emitter
	log     *zap.Logger

	now   func() time.Time
	newID func() uuid.UUID
}

func NewMatchingService(st OrderStore, em Emitter, log *zap.Logger) *MatchingService {
	return &MatchingService{
		books:   make(map[string]*instrumentBook),
		store:   st,
		emitter: em,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.New,
	}
}

// bookFor returns the instrument's book, created lazily.
func (s *MatchingService) bookFor(instrument string) *instrumentBook {
	s.mu.RLock()
	ib, ok := s.books[instrument]
	s.mu.RUnlock()
	if ok {
		return ib
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ib, ok = s.books[instrument]; !ok {
		ib = &instrumentBook{book: book.New(instrument)}
		s.books[instrument] = ib
	}
	return ib
}

// -------------------- Warm start --------------------

// LoadActiveOrders repopulates the books from a durable snapshot of
// ACTIVE and PARTIALLY_FILLED orders. It never re-runs matching: the
// snapshot is trusted to be non-crossed per instrument, but a crossed
// book is logged so a bad snapshot is visible.
func (s *MatchingService) LoadActiveOrders(orders []*order.RestingOrder) {
	s.log.Info("loading active orders into books", zap.Int("count", len(orders)))

	for _, o := range orders {
		if !o.Restable() {
			s.log.Warn("skipping non-restable order in snapshot",
				zap.String("order_id", o.ID.String()),
				zap.String("status", string(o.Status)))
			continue
		}
		ib := s.bookFor(o.Instrument)
		ib.mu.Lock()
		ib.book.Add(o)
		ib.mu.Unlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for instrument, ib := range s.books {
		ib.mu.Lock()
		crossed := ib.book.SelfCrossed()
		bids, asks := ib.book.BidCount(), ib.book.AskCount()
		ib.mu.Unlock()
		if crossed {
			s.log.Warn("recovered book is crossed; upstream snapshot inconsistent",
				zap.String("instrument", instrument),
				zap.Int("bids", bids),
				zap.Int("asks", asks))
		}
	}
}

// -------------------- Cancel --------------------

// Cancel marks an order CANCELED, persists it, and drops it from its
// book. Unknown ids and already-terminal orders are no-ops, so
// re-delivered cancels are safe.
func (s *MatchingService) Cancel(orderID uuid.UUID) error {
	// Resolve the instrument first; the instrument lock must be taken
	// before the row lock, same as the matching path.
	peek, err := s.store.Find(orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.log.Warn("cancel for unknown order", zap.String("order_id", orderID.String()))
			return nil
		}
		return err
	}

	ib := s.bookFor(peek.Instrument)
	ib.mu.Lock()
	defer ib.mu.Unlock()

	o, release, err := s.store.FindByIDForUpdate(orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	defer release()

	if o.Status.Terminal() {
		s.log.Info("cancel ignored, order already terminal",
			zap.String("order_id", orderID.String()),
			zap.String("status", string(o.Status)))
		return nil
	}

	o.Status = order.StatusCanceled
	if err := s.store.Save(o); err != nil {
		return err
	}
	removed := ib.book.Remove(o)

	s.log.Info("cancel applied",
		zap.String("order_id", orderID.String()),
		zap.String("instrument", o.Instrument),
		zap.Bool("removed_from_book", removed))
	return nil
}

// -------------------- Matching --------------------

// HandleIncoming runs one order-placed event through the book. It
// returns true only when the incoming order filled completely. A
// false return is not an error: it covers rejected FOK, discarded
// IOC/MARKET remainders, and orders left resting.
func (s *MatchingService) HandleIncoming(evt *order.PlacedEvent) (bool, error) {
	incoming := evt.Resting(s.now())
	if err := incoming.Validate(); err != nil {
		return false, NonRetryable(err)
	}

	ib := s.bookFor(incoming.Instrument)
	ib.mu.Lock()
	defer ib.mu.Unlock()
	b := ib.book

	// FOK: simulate without mutation; reject unless the whole quantity
	// is available at acceptable prices right now.
	if incoming.TimeInForce == order.FOK && !canFullyFill(b, incoming) {
		s.log.Info("rejecting FOK order, cannot fully fill",
			zap.String("order_id", incoming.ID.String()),
			zap.String("instrument", incoming.Instrument))
		return false, nil
	}

	for incoming.RemainingQty.Sign() > 0 && b.IsCrossed(incoming.Price, incoming.Side) {
		top := b.PopOpposite(incoming.Side)
		if top == nil {
			break
		}
		if err := s.matchStep(b, incoming, top); err != nil {
			return false, err
		}
	}

	return s.settleRemainder(b, incoming)
}

// matchStep is one atomic iteration: emit the trade, apply the fill
// to both sides, persist the resting side. Any failure rolls the
// counterparty back into the book and aborts the whole event.
func (s *MatchingService) matchStep(b *book.Book, incoming, top *order.RestingOrder) error {
	qty := decimal.Min(incoming.RemainingQty, top.RemainingQty)
	price := *top.Price // price improvement always favors the aggressor

	trade := s.buildTrade(incoming, top, qty, price)
	if err := s.emitter.Emit(trade); err != nil {
		b.RequeueOpposite(top)
		return fmt.Errorf("emit trade %s: %w", trade.TradeID, err)
	}

	prevRemaining, prevStatus := top.RemainingQty, top.Status
	top.Fill(qty)

	release := s.store.LockRow(top.ID)
	err := s.store.Save(top)
	release()
	if err != nil {
		top.RemainingQty, top.Status = prevRemaining, prevStatus
		b.RequeueOpposite(top)
		return fmt.Errorf("persist resting fill %s: %w", top.ID, err)
	}

	incoming.Fill(qty)
	if top.RemainingQty.Sign() > 0 {
		// Partial fill keeps its original time priority.
		b.RequeueOpposite(top)
	}

	s.log.Info("trade executed",
		zap.String("trade_id", trade.TradeID.String()),
		zap.String("instrument", trade.Instrument),
		zap.String("price", trade.Price.String()),
		zap.String("quantity", trade.Quantity.String()))
	return nil
}

func (s *MatchingService) buildTrade(a, b *order.RestingOrder, qty, price decimal.Decimal) *order.TradeExecution {
	buyID, sellID := a.ID, b.ID
	if a.Side == order.Sell {
		buyID, sellID = b.ID, a.ID
	}
	return &order.TradeExecution{
		TradeID:     s.newID(),
		BuyOrderID:  buyID,
		SellOrderID: sellID,
		Instrument:  a.Instrument,
		Price:       price,
		Quantity:    qty,
		Timestamp:   s.now(),
	}
}

// settleRemainder resolves whatever is left of the incoming order
// after the matching loop.
func (s *MatchingService) settleRemainder(b *book.Book, incoming *order.RestingOrder) (bool, error) {
	if incoming.RemainingQty.Sign() == 0 {
		// Fully filled on entry; it never rested, nothing to persist.
		return true, nil
	}

	switch {
	case incoming.TimeInForce == order.IOC:
		s.log.Info("IOC remainder discarded",
			zap.String("order_id", incoming.ID.String()),
			zap.String("remaining", incoming.RemainingQty.String()))
		return false, nil
	case incoming.Kind == order.Market:
		s.log.Info("market remainder discarded",
			zap.String("order_id", incoming.ID.String()),
			zap.String("remaining", incoming.RemainingQty.String()))
		return false, nil
	}

	if incoming.Price == nil {
		return false, NonRetryable(fmt.Errorf("order %s: %w", incoming.ID, ErrPriceRequired))
	}

	if incoming.RemainingQty.LessThan(incoming.OriginalQty) {
		incoming.Status = order.StatusPartiallyFilled
	} else {
		incoming.Status = order.StatusActive
	}

	release := s.store.LockRow(incoming.ID)
	err := s.store.Save(incoming)
	release()
	if err != nil {
		return false, fmt.Errorf("persist resting order %s: %w", incoming.ID, err)
	}
	b.Add(incoming)

	s.log.Info("order rested",
		zap.String("order_id", incoming.ID.String()),
		zap.String("instrument", incoming.Instrument),
		zap.String("status", string(incoming.Status)),
		zap.String("remaining", incoming.RemainingQty.String()))
	return false, nil
}

// canFullyFill walks the opposite side best-first, summing remaining
// quantity while prices still cross, and answers whether the whole
// incoming quantity is coverable. Read-only.
func canFullyFill(b *book.Book, incoming *order.RestingOrder) bool {
	need := incoming.RemainingQty
	have := decimal.Zero
	filled := false

	b.WalkOpposite(incoming.Side, func(ro *order.RestingOrder) bool {
		if !book.Crosses(incoming.Price, incoming.Side, *ro.Price) {
			return false
		}
		have = have.Add(ro.RemainingQty)
		if have.GreaterThanOrEqual(need) {
			filled = true
			return false
		}
		return true
	})
	return filled
}

// -------------------- Queries --------------------

// Depth returns the aggregated book for one instrument, or ok=false
// when the instrument has no book yet.
func (s *MatchingService) Depth(instrument string) (bids, asks []book.Level, ok bool) {
	s.mu.RLock()
	ib, ok := s.books[instrument]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, false
	}
	ib.mu.Lock()
	defer ib.mu.Unlock()
	bids, asks = ib.book.Depth()
	return bids, asks, true
}

// Instruments lists every instrument with a live book.
func (s *MatchingService) Instruments() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.books))
	for instrument := range s.books {
		out = append(out, instrument)
	}
	return out
}
