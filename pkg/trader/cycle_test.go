package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofb/creek/internal/metrics"
	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/clock"
	"github.com/ofb/creek/pkg/engine"
	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/portfolio"
	"github.com/ofb/creek/pkg/trade"
)

// fakeBroker scripts one venue for full-cycle runs: every order fills
// immediately, market orders at the per-symbol price, limit orders at
// their limit.
type fakeBroker struct {
	mu        sync.Mutex
	seq       int
	prices    map[string]float64
	account   models.Account
	positions []models.Position
	clockInfo models.ClockInfo
	orders    map[string]*models.Order
	requests  []models.OrderRequest
}

func newCycleBroker() *fakeBroker {
	return &fakeBroker{
		prices:  make(map[string]float64),
		orders:  make(map[string]*models.Order),
		account: models.Account{Equity: 100000, Cash: 6000, ShortingEnabled: true},
		clockInfo: models.ClockInfo{
			IsOpen:    true,
			NextOpen:  time.Now().Add(20 * time.Hour),
			NextClose: time.Now().Add(4 * time.Hour),
		},
	}
}

func (f *fakeBroker) GetClock(ctx context.Context) (models.ClockInfo, error) {
	info := f.clockInfo
	info.Timestamp = time.Now()
	return info, nil
}

func (f *fakeBroker) GetAccount(ctx context.Context) (models.Account, error) {
	return f.account, nil
}

func (f *fakeBroker) GetAsset(ctx context.Context, symbol string) (models.Asset, error) {
	return models.Asset{Symbol: symbol, Tradable: true, Shortable: true, Fractionable: true}, nil
}

func (f *fakeBroker) GetAllPositions(ctx context.Context) ([]models.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Position(nil), f.positions...), nil
}

func (f *fakeBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.requests = append(f.requests, req)
	order := &models.Order{
		OrderID:       fmt.Sprintf("o-%d", f.seq),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Notional:      req.Notional,
		LimitPrice:    req.LimitPrice,
		Status:        models.OrderStatusFilled,
	}
	if req.Type == models.OrderTypeMarket {
		price := f.prices[req.Symbol]
		order.FilledAvgPrice = price
		if req.Notional > 0 {
			order.FilledQuantity = req.Notional / price
		} else {
			order.FilledQuantity = req.Quantity
		}
	} else {
		order.FilledQuantity = req.Quantity
		order.FilledAvgPrice = req.LimitPrice
	}
	f.orders[order.OrderID] = order
	return order, nil
}

func (f *fakeBroker) ReplaceOrder(ctx context.Context, orderID string, quantity, newLimitPrice float64, clientOrderID string) (*models.Order, error) {
	return nil, &broker.Error{Class: broker.ClassRejected, Message: "replace not expected"}
}

func (f *fakeBroker) CancelOrder(ctx context.Context, orderID string) error {
	return nil
}

func (f *fakeBroker) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, &broker.Error{Class: broker.ClassRejected, Message: "unknown order"}
	}
	c := *order
	return &c, nil
}

func (f *fakeBroker) GetLatestQuotes(ctx context.Context, symbols []string) (map[string]models.Quote, error) {
	out := make(map[string]models.Quote, len(symbols))
	for _, s := range symbols {
		p := f.prices[s]
		out[s] = models.Quote{Symbol: s, BidPrice: p, AskPrice: p}
	}
	return out, nil
}

func (f *fakeBroker) GetLatestTrades(ctx context.Context, symbols []string) (map[string]models.TradeTick, error) {
	out := make(map[string]models.TradeTick, len(symbols))
	for _, s := range symbols {
		out[s] = models.TradeTick{Symbol: s, Price: f.prices[s]}
	}
	return out, nil
}

func (f *fakeBroker) countByType(typ models.OrderType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req.Type == typ {
			n++
		}
	}
	return n
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func cyclePair(a, b string, pearson float64) models.Pair {
	return models.NewPair(
		models.Asset{Symbol: a, Tradable: true, Shortable: true},
		models.Asset{Symbol: b, Tradable: true, Shortable: true},
		pearson, pearson,
	)
}

func openCycleTrade(t *testing.T, tr *trade.Trade, hedgeQty float64, openedAt time.Time) {
	t.Helper()
	syms := tr.Pair().Symbols()
	require.NoError(t, tr.MarkOpening())
	require.NoError(t, tr.MarkOpen(
		trade.Leg{Symbol: syms[0], Side: models.OrderSideBuy, Quantity: 5, EntryPrice: 100},
		trade.Leg{Symbol: syms[1], Side: models.OrderSideSell, Quantity: 5, EntryPrice: 110},
		openedAt,
	))
	if hedgeQty > 0 {
		tr.SetHedgeEntry("SPY", hedgeQty*100, hedgeQty, 100)
	}
}

func newCycleTrader(t *testing.T, fb *fakeBroker, trades map[string]*trade.Trade) *PairTrader {
	t.Helper()
	logger := quietLogger()
	ck, err := clock.New(context.Background(), fb, logger)
	require.NoError(t, err)
	exec := engine.New(fb, 0.025, 0.2, 1, logger)
	exec.SetSettleWait(time.Millisecond)
	pt := New(Deps{
		Broker: fb,
		Clock:  ck,
		Engine: exec,
		Hedge:  engine.NewHedgeManager(exec, "SPY", logger),
		Recon:  engine.NewReconciler(fb, exec, 0.5, logger),
		Alloc:  portfolio.NewAllocator(0.05, 0.05, logger),
		Retgt:  portfolio.NewRetargeter(3.0, 0.05, logger),
	}, trades, 0, 0.05, logger)
	pt.settle = time.Millisecond
	return pt
}

// One full cycle with every unit type in flight: one open candidate
// accepted, one dropped for lack of a capital slot, one mean-reverted
// close and one runaway bail-out.
func TestRunCycleEndToEnd(t *testing.T) {
	fb := newCycleBroker()
	for sym, price := range map[string]float64{
		"AAA": 100, "BBB": 107,
		"CCC": 100, "DDD": 100,
		"EEE": 100, "FFF": 100,
		"GGG": 100, "HHH": 108,
		"SPY": 100,
	} {
		fb.prices[sym] = price
	}
	// Post-open expectation for the reconciler: 16 long AAA against 15
	// short BBB (sized from a 5000 trade budget at 100 and 107).
	fb.positions = []models.Position{
		{Symbol: "AAA", Side: models.PositionSideLong, Quantity: 16, CostBasis: 1600},
		{Symbol: "BBB", Side: models.PositionSideShort, Quantity: 15, CostBasis: 1605},
	}

	logger := quietLogger()
	now := time.Now()
	pred := stubCyclePredictor{mean: 100, stddev: 2}

	opener := trade.New(cyclePair("AAA", "BBB", 0.98), pred, logger)
	missedOpen := trade.New(cyclePair("GGG", "HHH", 0.95), pred, logger)
	closer := trade.New(cyclePair("CCC", "DDD", 0.97), pred, logger)
	openCycleTrade(t, closer, 2, now.Add(-time.Hour))
	runaway := trade.New(cyclePair("EEE", "FFF", 0.96), pred, logger)
	openCycleTrade(t, runaway, 2, now.Add(-2*time.Hour))
	for i := 4; i >= 0; i-- {
		ts := now.Add(-time.Duration(i) * time.Minute)
		runaway.AppendBar(
			models.Bar{Symbol: "EEE", VWAP: 100, Timestamp: ts},
			models.Bar{Symbol: "FFF", VWAP: 114, Timestamp: ts},
		)
	}

	trades := map[string]*trade.Trade{
		opener.Title():     opener,
		missedOpen.Title(): missedOpen,
		closer.Title():     closer,
		runaway.Title():    runaway,
	}
	pt := newCycleTrader(t, fb, trades)

	for _, bar := range []models.Bar{
		{Symbol: "AAA", VWAP: 100, Timestamp: now}, // sigma 5.0, outlier
		{Symbol: "BBB", VWAP: 110, Timestamp: now},
		{Symbol: "GGG", VWAP: 100, Timestamp: now}, // sigma 4.0, lower priority
		{Symbol: "HHH", VWAP: 108, Timestamp: now},
		{Symbol: "CCC", VWAP: 100, Timestamp: now}, // sigma 0.1, reverted
		{Symbol: "DDD", VWAP: 100.2, Timestamp: now},
		{Symbol: "EEE", VWAP: 100, Timestamp: now},
		{Symbol: "FFF", VWAP: 114, Timestamp: now},
	} {
		pt.bars.Update(bar)
	}

	missedBefore := testutil.ToFloat64(metrics.MissedOpens)
	require.NoError(t, pt.runCycle(context.Background()))

	// With one 5000 slot against 6000 free cash, only the deeper
	// deviation opens; the other is recorded as missed.
	assert.Equal(t, trade.StateOpen, opener.State())
	assert.Equal(t, trade.StateClosed, missedOpen.State())
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.MissedOpens)-missedBefore, 1e-9)

	legs := opener.Legs()
	assert.InDelta(t, 16.0, legs[0].Quantity, 1e-9)
	assert.Equal(t, models.OrderSideBuy, legs[0].Side)
	assert.InDelta(t, 15.0, legs[1].Quantity, 1e-9)
	assert.Equal(t, models.OrderSideSell, legs[1].Side)

	// Hedge entry backfilled from the consolidated buy: the 5.00
	// notional surplus of the short leg at 100.
	hedge := opener.Hedge()
	assert.Equal(t, "SPY", hedge.Symbol)
	assert.InDelta(t, 0.05, hedge.Quantity, 1e-9)
	assert.InDelta(t, 100.0, hedge.EntryPrice, 1e-9)

	assert.Equal(t, trade.StateClosed, closer.State())
	assert.Equal(t, trade.StateClosed, runaway.State())
	assert.True(t, pt.burned[runaway.Title()])
	assert.False(t, pt.burned[closer.Title()])

	closed := pt.ClosedTrades()
	require.Len(t, closed, 2)
	for _, ct := range closed {
		assert.True(t, ct.Final, "hedge exit backfilled after the consolidated sell")
	}

	// Two negotiated opens, two negotiated exits; at market: two
	// bail-out legs, the consolidated hedge buy and the netted hedge
	// sell of both reductions. No reconciler corrections on top.
	assert.Equal(t, 4, fb.countByType(models.OrderTypeLimit))
	assert.Equal(t, 4, fb.countByType(models.OrderTypeMarket))

	var hedgeSell float64
	for _, req := range fb.requests {
		if req.Symbol == "SPY" && req.Side == models.OrderSideSell {
			hedgeSell = req.Quantity
		}
	}
	assert.InDelta(t, 4.0, hedgeSell, 1e-9)

	status := pt.Status()
	assert.Len(t, status.OpenTrades, 1)
	assert.Equal(t, 2, status.ClosedCount)
	assert.Contains(t, status.Burned, runaway.Title())
}

func TestNearCloseUsesSessionClock(t *testing.T) {
	fb := newCycleBroker()
	fb.clockInfo.NextClose = time.Now().Add(30 * time.Second)
	pt := newCycleTrader(t, fb, nil)

	assert.True(t, pt.nearClose(time.Now()))
	// A session time well before the boundary clears the margin even
	// when the wall clock sits inside it.
	assert.False(t, pt.nearClose(fb.clockInfo.NextClose.Add(-5*time.Minute)))
}

type stubCyclePredictor struct {
	mean   float64
	stddev float64
}

func (s stubCyclePredictor) PredictMean(x float64) float64   { return s.mean }
func (s stubCyclePredictor) PredictStddev(x float64) float64 { return s.stddev }
