package service

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tradestream/domain/order"
	"tradestream/infra/store"
)

// -------------------- Fakes --------------------

type memStore struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]order.RestingOrder
	saves int

	failSave bool
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[uuid.UUID]order.RestingOrder)}
}

func (m *memStore) Save(o *order.RestingOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSave {
		return errors.New("storage down")
	}
	m.saves++
	m.rows[o.ID] = *o
	return nil
}

func (m *memStore) Find(id uuid.UUID) (*order.RestingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := row
	return &cp, nil
}

func (m *memStore) FindByIDForUpdate(id uuid.UUID) (*order.RestingOrder, func(), error) {
	o, err := m.Find(id)
	if err != nil {
		return nil, nil, err
	}
	return o, func() {}, nil
}

func (m *memStore) LockRow(uuid.UUID) func() { return func() {} }

func (m *memStore) FindAllActive() ([]*order.RestingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.RestingOrder
	for _, row := range m.rows {
		if row.Status == order.StatusActive || row.Status == order.StatusPartiallyFilled {
			cp := row
			out = append(out, &cp)
		}
	}
	return out, nil
}

type captureEmitter struct {
	trades []*order.TradeExecution
	fail   bool
}

func (c *captureEmitter) Emit(t *order.TradeExecution) error {
	if c.fail {
		return errors.New("broker down")
	}
	c.trades = append(c.trades, t)
	return nil
}

// -------------------- Harness --------------------

func newTestService(t *testing.T) (*MatchingService, *memStore, *captureEmitter) {
	t.Helper()
	st := newMemStore()
	em := &captureEmitter{}
	svc := NewMatchingService(st, em, zap.NewNop())

	clock := time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return svc, st, em
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pd(s string) *decimal.Decimal {
	p := decimal.RequireFromString(s)
	return &p
}

func placed(side order.Side, kind order.Kind, tif order.TimeInForce, price *decimal.Decimal, qty string) *order.PlacedEvent {
	return &order.PlacedEvent{
		OrderID:     uuid.New(),
		UserID:      uuid.New(),
		Instrument:  "AAPL",
		Side:        side,
		Kind:        kind,
		TimeInForce: tif,
		Price:       price,
		Quantity:    d(qty),
		Timestamp:   time.Now(),
	}
}

func mustHandle(t *testing.T, svc *MatchingService, evt *order.PlacedEvent) bool {
	t.Helper()
	filled, err := svc.HandleIncoming(evt)
	require.NoError(t, err)
	return filled
}

// -------------------- Scenarios --------------------

func TestLimitRestsOnEmptyBook(t *testing.T) {
	svc, st, em := newTestService(t)

	evt := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10")
	filled := mustHandle(t, svc, evt)

	assert.False(t, filled)
	assert.Empty(t, em.trades)

	bids, asks, ok := svc.Depth("AAPL")
	require.True(t, ok)
	require.Len(t, bids, 1)
	assert.Empty(t, asks)
	assert.True(t, bids[0].Price.Equal(d("100")))
	assert.True(t, bids[0].Quantity.Equal(d("10")))

	row, err := st.Find(evt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusActive, row.Status)
}

func TestPartialFillAggressorRests(t *testing.T) {
	svc, st, em := newTestService(t)

	ask := placed(order.Sell, order.Limit, order.GTC, pd("99"), "5")
	mustHandle(t, svc, ask)

	buy := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10")
	filled := mustHandle(t, svc, buy)

	assert.False(t, filled)
	require.Len(t, em.trades, 1)
	trade := em.trades[0]
	assert.True(t, trade.Quantity.Equal(d("5")))
	assert.True(t, trade.Price.Equal(d("99")), "trade executes at the resting price")
	assert.Equal(t, buy.OrderID, trade.BuyOrderID)
	assert.Equal(t, ask.OrderID, trade.SellOrderID)

	bids, asks, _ := svc.Depth("AAPL")
	assert.Empty(t, asks)
	require.Len(t, bids, 1)
	assert.True(t, bids[0].Quantity.Equal(d("5")))

	askRow, err := st.Find(ask.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusFilled, askRow.Status)
	assert.True(t, askRow.RemainingQty.IsZero())

	buyRow, err := st.Find(buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPartiallyFilled, buyRow.Status)
	assert.True(t, buyRow.RemainingQty.Equal(d("5")))
}

func TestTimePriorityAcrossFills(t *testing.T) {
	svc, st, em := newTestService(t)

	a := placed(order.Sell, order.Limit, order.GTC, pd("99"), "3") // earlier
	b := placed(order.Sell, order.Limit, order.GTC, pd("99"), "4") // later
	mustHandle(t, svc, a)
	mustHandle(t, svc, b)

	buy := placed(order.Buy, order.Limit, order.GTC, pd("100"), "5")
	filled := mustHandle(t, svc, buy)

	assert.True(t, filled)
	require.Len(t, em.trades, 2)

	assert.Equal(t, a.OrderID, em.trades[0].SellOrderID, "earlier order matches first")
	assert.True(t, em.trades[0].Quantity.Equal(d("3")))
	assert.True(t, em.trades[0].Price.Equal(d("99")))

	assert.Equal(t, b.OrderID, em.trades[1].SellOrderID)
	assert.True(t, em.trades[1].Quantity.Equal(d("2")))

	aRow, _ := st.Find(a.OrderID)
	assert.Equal(t, order.StatusFilled, aRow.Status)

	bRow, _ := st.Find(b.OrderID)
	assert.Equal(t, order.StatusPartiallyFilled, bRow.Status)
	assert.True(t, bRow.RemainingQty.Equal(d("2")))

	// B's remainder is requeued, still resting.
	_, asks, _ := svc.Depth("AAPL")
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d("2")))
}

func TestFOKRejectedAtomically(t *testing.T) {
	svc, st, em := newTestService(t)

	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("99"), "5"))
	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("100"), "3"))
	savesBefore := st.saves
	bidsBefore, asksBefore, _ := svc.Depth("AAPL")

	fok := placed(order.Buy, order.Limit, order.FOK, pd("100"), "10")
	filled := mustHandle(t, svc, fok)

	assert.False(t, filled)
	assert.Empty(t, em.trades, "rejected FOK emits nothing")
	assert.Equal(t, savesBefore, st.saves, "rejected FOK persists nothing")

	bidsAfter, asksAfter, _ := svc.Depth("AAPL")
	assert.Equal(t, bidsBefore, bidsAfter)
	assert.Equal(t, asksBefore, asksAfter)

	_, err := st.Find(fok.OrderID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFOKFillsWhenLiquiditySuffices(t *testing.T) {
	svc, _, em := newTestService(t)

	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("99"), "6"))
	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("100"), "4"))

	fok := placed(order.Buy, order.Limit, order.FOK, pd("100"), "10")
	filled := mustHandle(t, svc, fok)

	assert.True(t, filled)
	require.Len(t, em.trades, 2)
	total := em.trades[0].Quantity.Add(em.trades[1].Quantity)
	assert.True(t, total.Equal(d("10")))
}

func TestFOKIgnoresLiquidityBeyondLimit(t *testing.T) {
	svc, _, em := newTestService(t)

	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("99"), "5"))
	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("105"), "20"))

	// Plenty of asks exist, but only 5 at acceptable prices.
	fok := placed(order.Buy, order.Limit, order.FOK, pd("100"), "10")
	filled := mustHandle(t, svc, fok)

	assert.False(t, filled)
	assert.Empty(t, em.trades)
}

func TestMarketConsumesAndDiscardsRemainder(t *testing.T) {
	svc, st, em := newTestService(t)

	b1 := placed(order.Buy, order.Limit, order.GTC, pd("100"), "4")
	b2 := placed(order.Buy, order.Limit, order.GTC, pd("99"), "2")
	mustHandle(t, svc, b1)
	mustHandle(t, svc, b2)

	mkt := placed(order.Sell, order.Market, order.GTC, nil, "10")
	filled := mustHandle(t, svc, mkt)

	assert.False(t, filled)
	require.Len(t, em.trades, 2)
	total := em.trades[0].Quantity.Add(em.trades[1].Quantity)
	assert.True(t, total.Equal(d("6")), "all acceptable liquidity consumed")
	assert.True(t, em.trades[0].Price.Equal(d("100")))
	assert.True(t, em.trades[1].Price.Equal(d("99")))

	bids, asks, _ := svc.Depth("AAPL")
	assert.Empty(t, bids)
	assert.Empty(t, asks, "market remainder never rests")

	_, err := st.Find(mkt.OrderID)
	assert.ErrorIs(t, err, store.ErrNotFound, "discarded market order is not persisted by the engine")
}

func TestIOCDiscardsRemainder(t *testing.T) {
	svc, st, em := newTestService(t)

	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("99"), "3"))

	ioc := placed(order.Buy, order.Limit, order.IOC, pd("100"), "10")
	filled := mustHandle(t, svc, ioc)

	assert.False(t, filled)
	require.Len(t, em.trades, 1)
	assert.True(t, em.trades[0].Quantity.Equal(d("3")))

	bids, _, _ := svc.Depth("AAPL")
	assert.Empty(t, bids, "IOC remainder never rests")

	_, err := st.Find(ioc.OrderID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// -------------------- Cancel --------------------

func TestCancelRemovesRestingOrder(t *testing.T) {
	svc, st, _ := newTestService(t)

	evt := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10")
	mustHandle(t, svc, evt)

	require.NoError(t, svc.Cancel(evt.OrderID))

	row, err := st.Find(evt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCanceled, row.Status)

	bids, _, _ := svc.Depth("AAPL")
	assert.Empty(t, bids)
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, st, _ := newTestService(t)

	evt := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10")
	mustHandle(t, svc, evt)

	require.NoError(t, svc.Cancel(evt.OrderID))
	savesAfterFirst := st.saves

	require.NoError(t, svc.Cancel(evt.OrderID))
	assert.Equal(t, savesAfterFirst, st.saves, "second cancel writes nothing")

	row, _ := st.Find(evt.OrderID)
	assert.Equal(t, order.StatusCanceled, row.Status)
}

func TestCancelUnknownOrderIsNoOp(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.NoError(t, svc.Cancel(uuid.New()))
}

func TestCancelFilledOrderDoesNotRegress(t *testing.T) {
	svc, st, _ := newTestService(t)

	ask := placed(order.Sell, order.Limit, order.GTC, pd("99"), "5")
	mustHandle(t, svc, ask)
	mustHandle(t, svc, placed(order.Buy, order.Limit, order.GTC, pd("100"), "5"))

	require.NoError(t, svc.Cancel(ask.OrderID))

	row, _ := st.Find(ask.OrderID)
	assert.Equal(t, order.StatusFilled, row.Status, "no transition leaves FILLED")
}

// -------------------- Invariants & failures --------------------

func TestLimitWithoutPriceIsNonRetryable(t *testing.T) {
	svc, _, _ := newTestService(t)

	evt := placed(order.Buy, order.Limit, order.GTC, nil, "10")
	_, err := svc.HandleIncoming(evt)
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
}

func TestMarketWithPriceIsNonRetryable(t *testing.T) {
	svc, _, _ := newTestService(t)

	evt := placed(order.Sell, order.Market, order.GTC, pd("100"), "10")
	_, err := svc.HandleIncoming(evt)
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
}

func TestEmitFailureAbortsEventAndRestoresBook(t *testing.T) {
	svc, _, em := newTestService(t)

	mustHandle(t, svc, placed(order.Sell, order.Limit, order.GTC, pd("99"), "5"))
	asksBefore, _, _ := depthAsks(svc)

	em.fail = true
	buy := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10")
	_, err := svc.HandleIncoming(buy)

	require.Error(t, err)
	assert.False(t, IsNonRetryable(err), "broker failure is retryable")

	asksAfter, _, _ := depthAsks(svc)
	assert.Equal(t, asksBefore, asksAfter, "counterparty back in the book")
}

func TestSaveFailureAbortsEventAndRestoresCounterparty(t *testing.T) {
	svc, st, _ := newTestService(t)

	ask := placed(order.Sell, order.Limit, order.GTC, pd("99"), "5")
	mustHandle(t, svc, ask)

	st.failSave = true
	buy := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10")
	_, err := svc.HandleIncoming(buy)
	require.Error(t, err)

	st.failSave = false
	_, asks, _ := svc.Depth("AAPL")
	require.Len(t, asks, 1)
	assert.True(t, asks[0].Quantity.Equal(d("5")), "fill rolled back on persistence failure")

	row, _ := st.Find(ask.OrderID)
	assert.Equal(t, order.StatusActive, row.Status)
}

func depthAsks(svc *MatchingService) ([]string, []string, bool) {
	bids, asks, ok := svc.Depth("AAPL")
	var bs, as []string
	for _, l := range bids {
		bs = append(bs, l.Price.String()+"x"+l.Quantity.String())
	}
	for _, l := range asks {
		as = append(as, l.Price.String()+"x"+l.Quantity.String())
	}
	return as, bs, ok
}

// -------------------- Warm start --------------------

func TestRecoverRepopulatesBooks(t *testing.T) {
	st := newMemStore()

	active := placed(order.Buy, order.Limit, order.GTC, pd("100"), "10").Resting(time.Now().UTC())
	partial := placed(order.Sell, order.Limit, order.GTC, pd("105"), "10").Resting(time.Now().UTC())
	partial.RemainingQty = d("4")
	partial.Status = order.StatusPartiallyFilled
	filled := placed(order.Sell, order.Limit, order.GTC, pd("101"), "1").Resting(time.Now().UTC())
	filled.RemainingQty = decimal.Zero
	filled.Status = order.StatusFilled

	require.NoError(t, st.Save(active))
	require.NoError(t, st.Save(partial))
	require.NoError(t, st.Save(filled))

	svc := NewMatchingService(st, &captureEmitter{}, zap.NewNop())
	require.NoError(t, svc.Recover())

	bids, asks, ok := svc.Depth("AAPL")
	require.True(t, ok)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Quantity.Equal(d("10")))
	assert.True(t, asks[0].Quantity.Equal(d("4")), "partial fill keeps its remaining quantity")
}

func TestQuantityConservation(t *testing.T) {
	svc, st, em := newTestService(t)

	resting := placed(order.Sell, order.Limit, order.GTC, pd("99"), "7")
	mustHandle(t, svc, resting)

	buy := placed(order.Buy, order.Limit, order.GTC, pd("100"), "4")
	mustHandle(t, svc, buy)

	require.Len(t, em.trades, 1)
	trade := em.trades[0]

	restingRow, _ := st.Find(resting.OrderID)
	_, err := st.Find(buy.OrderID)
	assert.ErrorIs(t, err, store.ErrNotFound, "fully filled aggressor is never persisted")

	// Each side decreased by exactly the trade quantity.
	assert.True(t, trade.Quantity.Equal(d("4")))
	assert.True(t, restingRow.RemainingQty.Equal(d("7").Sub(trade.Quantity)))

	// Cumulative filled quantity equals the sum of emitted trades.
	filled := restingRow.OriginalQty.Sub(restingRow.RemainingQty)
	assert.True(t, filled.Equal(trade.Quantity))
}
