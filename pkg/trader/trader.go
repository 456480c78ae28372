// Package trader runs the trade lifecycle: a minute-aligned cycle
// that evaluates every pair's deviation signal, allocates capital to
// candidate opens, fans execution out across trades, nets the hedge,
// and reconciles broker positions against expected state.
package trader

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ofb/creek/internal/metrics"
	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/clock"
	"github.com/ofb/creek/pkg/engine"
	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/portfolio"
	"github.com/ofb/creek/pkg/store"
	"github.com/ofb/creek/pkg/trade"
)

// ErrHalt signals an account-level fatal condition; the process stops
// before placing any further orders.
var ErrHalt = errors.New("account halted")

const (
	// Cycles start a few seconds past the minute so the venue has
	// published the previous bar.
	cycleOffset = 5 * time.Second
	// No new cycle starts within the last minute before close.
	closeMargin = 59 * time.Second
	settleWait  = 2 * time.Second
)

type PairTrader struct {
	broker broker.Broker
	stream broker.BarStream
	clock  *clock.Clock
	engine *engine.Engine
	hedge  *engine.HedgeManager
	recon  *engine.Reconciler
	alloc  *portfolio.Allocator
	retgt  *portfolio.Retargeter
	store  *store.Store

	excessCapital float64
	maxTradeSize  float64
	settle        time.Duration

	trades map[string]*trade.Trade
	burned map[string]bool
	closed []*trade.ClosedTrade
	bars   *BarCache

	equity       float64
	cash         float64
	tradeSize    float64
	tradeSizeDay time.Time
	skipAlign    bool

	mu     sync.RWMutex
	status Status
	logger *logrus.Entry
	stopCh chan struct{}
}

// Status is the snapshot published to the API server at the end of
// each cycle.
type Status struct {
	UpdatedAt   time.Time
	Threshold   float64
	Equity      float64
	Cash        float64
	TradeSize   float64
	OpenTrades  []trade.Snapshot
	ClosedCount int
	Burned      []string
}

type Deps struct {
	Broker broker.Broker
	Stream broker.BarStream
	Clock  *clock.Clock
	Engine *engine.Engine
	Hedge  *engine.HedgeManager
	Recon  *engine.Reconciler
	Alloc  *portfolio.Allocator
	Retgt  *portfolio.Retargeter
	Store  *store.Store
}

func New(deps Deps, trades map[string]*trade.Trade, excessCapital, maxTradeSize float64, logger *logrus.Logger) *PairTrader {
	return &PairTrader{
		broker:        deps.Broker,
		stream:        deps.Stream,
		clock:         deps.Clock,
		engine:        deps.Engine,
		hedge:         deps.Hedge,
		recon:         deps.Recon,
		alloc:         deps.Alloc,
		retgt:         deps.Retgt,
		store:         deps.Store,
		excessCapital: excessCapital,
		maxTradeSize:  maxTradeSize,
		settle:        settleWait,
		trades:        trades,
		burned:        make(map[string]bool),
		bars:          NewBarCache(),
		logger:        logger.WithField("component", "trader"),
		stopCh:        make(chan struct{}),
	}
}

func (pt *PairTrader) Stop() {
	pt.logger.Info("Stopping pair trader")
	close(pt.stopCh)
}

// Run drives the minute cadence until the context is canceled, Stop is
// called, or an account-fatal condition halts the system.
func (pt *PairTrader) Run(ctx context.Context) error {
	pt.logger.Info("Starting pair trader")
	go pt.consumeBars(ctx)

	for {
		select {
		case <-ctx.Done():
			pt.checkpoint()
			return ctx.Err()
		case <-pt.stopCh:
			pt.checkpoint()
			return nil
		default:
		}

		if !pt.clock.IsOpen() {
			pt.checkpoint()
			if err := pt.clock.Rest(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					continue
				}
				pt.logger.WithError(err).Warn("Rest failed, retrying")
				if err := pt.sleep(ctx, time.Minute); err != nil {
					continue
				}
			}
			continue
		}

		now, err := pt.clock.Now(ctx)
		if err != nil {
			pt.logger.WithError(err).Warn("Venue clock unavailable")
			_ = pt.sleep(ctx, time.Minute)
			continue
		}
		if pt.nearClose(now) {
			if err := pt.sleep(ctx, time.Minute); err != nil {
				continue
			}
			if err := pt.clock.Refresh(ctx); err != nil {
				pt.logger.WithError(err).Warn("Clock refresh failed")
			}
			continue
		}

		if err := pt.align(ctx); err != nil {
			continue
		}

		if err := pt.runCycle(ctx); err != nil {
			if errors.Is(err, ErrHalt) {
				pt.checkpoint()
				return err
			}
			metrics.CyclesSkipped.Inc()
			pt.logger.WithError(err).Warn("Cycle failed, retrying next tick")
		}
	}
}

func (pt *PairTrader) consumeBars(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-pt.stopCh:
			return
		case bar, ok := <-pt.stream.Bars():
			if !ok {
				return
			}
			pt.bars.Update(bar)
		}
	}
}

// nearClose reports whether the session ends too soon to start a new
// cycle. Measured against the session clock, not the local wall clock.
func (pt *PairTrader) nearClose(now time.Time) bool {
	return pt.clock.NextClose().Sub(now) < closeMargin
}

// align sleeps to the next cycle start (a fixed offset past the
// minute). Skipped entirely when the previous cycle overran its
// budget.
func (pt *PairTrader) align(ctx context.Context) error {
	if pt.skipAlign {
		pt.skipAlign = false
		return nil
	}
	now := time.Now()
	next := now.Truncate(time.Minute).Add(time.Minute + cycleOffset)
	return pt.sleep(ctx, next.Sub(now))
}

func (pt *PairTrader) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-pt.stopCh:
		return errors.New("stopped")
	case <-timer.C:
		return nil
	}
}

// cycleResult is one execution unit's outcome, written back only after
// the unit's own await completes.
type cycleResult struct {
	contrib engine.HedgeContribution
	closed  *trade.ClosedTrade
	burn    string
}

func (pt *PairTrader) runCycle(ctx context.Context) error {
	start := time.Now()
	now, err := pt.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("venue clock unavailable: %w", err)
	}

	account, err := pt.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("fetching account: %w", err)
	}
	if err := accountGate(account); err != nil {
		pt.logger.WithError(err).Error("Account gate failed, halting")
		return err
	}
	pt.equity = usableEquity(account, pt.excessCapital)
	pt.cash = usableCash(account, pt.excessCapital)
	pt.refreshTradeSize(now)

	positions, err := pt.broker.GetAllPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetching positions: %w", err)
	}

	threshold := pt.retgt.Threshold
	var toClose, bailOuts []*trade.Trade
	var cands []portfolio.Candidate
	for title, tr := range pt.trades {
		state := tr.State()
		if state == trade.StateDisabled || state == trade.StateUninitialized {
			continue
		}
		syms := tr.Pair().Symbols()
		b1, ok1 := pt.bars.Latest(syms[0])
		b2, ok2 := pt.bars.Latest(syms[1])
		if ok1 && ok2 {
			tr.AppendBar(b1, b2)
		}
		switch state {
		case trade.StateOpen:
			if tr.BailOutSignal(now) {
				bailOuts = append(bailOuts, tr)
			} else if tr.CloseSignal(now) {
				toClose = append(toClose, tr)
			}
		case trade.StateClosed:
			if pt.burned[title] {
				continue
			}
			if ok, dev, long, short := tr.OpenSignal(threshold); ok {
				cands = append(cands, portfolio.Candidate{
					Title:     title,
					Pearson:   tr.Pearson(),
					Deviation: dev,
					Long:      long,
					Short:     short,
				})
			}
		}
	}

	cands = pt.alloc.Sort(cands, threshold)
	cands = pt.alloc.RemoveConcentration(cands, positions, pt.equity)
	slots := pt.alloc.AvailableSlots(pt.cash, pt.tradeSize)
	accepted := cands
	if len(accepted) > slots {
		accepted = accepted[:slots]
	}
	missed := len(cands) - len(accepted)
	if missed > 0 {
		metrics.MissedOpens.Add(float64(missed))
	}

	quotes, ticks, err := pt.fetchMarket(ctx, accepted, toClose, bailOuts)
	if err != nil {
		return err
	}

	results := make([]cycleResult, len(toClose)+len(bailOuts)+len(accepted))
	g, gctx := errgroup.WithContext(ctx)
	i := 0
	for _, tr := range toClose {
		tr, slot := tr, &results[i]
		i++
		g.Go(func() error {
			res, err := pt.closeTrade(gctx, tr, quotes, ticks, now)
			if err != nil {
				pt.logger.WithError(err).WithField("trade", tr.Title()).Warn("Close attempt failed")
				return nil
			}
			*slot = res
			return nil
		})
	}
	for _, tr := range bailOuts {
		tr, slot := tr, &results[i]
		i++
		g.Go(func() error {
			res, err := pt.bailOut(gctx, tr, now)
			if err != nil {
				pt.logger.WithError(err).WithField("trade", tr.Title()).Warn("Bail-out attempt failed")
				return nil
			}
			*slot = res
			return nil
		})
	}
	for _, cand := range accepted {
		cand, slot := cand, &results[i]
		i++
		tr := pt.trades[cand.Title]
		g.Go(func() error {
			res, err := pt.openTrade(gctx, tr, cand, quotes, ticks, now)
			if err != nil {
				pt.logger.WithError(err).WithField("trade", cand.Title).Warn("Open attempt failed")
				return nil
			}
			*slot = res
			return nil
		})
	}
	// Unit errors are absorbed above; the group only fails on context
	// cancellation.
	_ = g.Wait()

	contribs := make([]engine.HedgeContribution, 0, len(results))
	for _, res := range results {
		if res.burn != "" {
			pt.burned[res.burn] = true
		}
		if res.contrib.Notional > 0 || res.contrib.Reduction != nil {
			contribs = append(contribs, res.contrib)
		}
	}
	if err := pt.hedge.Apply(ctx, contribs); err != nil {
		pt.logger.WithError(err).Warn("Hedge execution failed")
	}
	for _, res := range results {
		if res.closed == nil {
			continue
		}
		pl, final := res.closed.PL()
		pt.logger.WithFields(logrus.Fields{
			"trade": res.closed.Title,
			"pl":    pl,
			"final": final,
		}).Info("Trade closed")
		pt.mu.Lock()
		pt.closed = append(pt.closed, res.closed)
		pt.mu.Unlock()
		if pt.store != nil {
			if err := pt.store.Archive(res.closed); err != nil {
				pt.logger.WithError(err).Warn("Archiving closed trade failed")
			}
		}
	}

	// Give positions a moment to update from the recent trades.
	if time.Since(start) < 55*time.Second {
		if err := pt.sleep(ctx, pt.settle); err != nil {
			return err
		}
	}

	account, err = pt.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("refreshing account: %w", err)
	}
	pt.equity = usableEquity(account, pt.excessCapital)
	pt.cash = usableCash(account, pt.excessCapital)
	pt.retgt.Record(missed, 1-pt.cash/pt.equity)
	pt.retgt.Evaluate(now)
	metrics.OpenThreshold.Set(pt.retgt.Threshold)

	if err := pt.recon.Reconcile(ctx, pt.trades); err != nil {
		pt.logger.WithError(err).Warn("Reconciliation failed")
	}

	pt.checkpoint()
	pt.publishStatus(now)
	metrics.CyclesTotal.Inc()
	if time.Since(start) > time.Minute {
		pt.skipAlign = true
	}
	return nil
}

func accountGate(account models.Account) error {
	switch {
	case account.TradingBlocked:
		return fmt.Errorf("%w: trading blocked", ErrHalt)
	case account.AccountBlocked:
		return fmt.Errorf("%w: account blocked", ErrHalt)
	case !account.ShortingEnabled:
		return fmt.Errorf("%w: shorting disabled", ErrHalt)
	}
	return nil
}

func usableEquity(account models.Account, excess float64) float64 {
	return math.Max(account.Equity-excess, 1)
}

func usableCash(account models.Account, excess float64) float64 {
	return math.Max(account.Cash-excess, 0)
}

// refreshTradeSize sets the per-trade notional from equity once per
// session day.
func (pt *PairTrader) refreshTradeSize(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if pt.tradeSize > 0 && day.Equal(pt.tradeSizeDay) {
		return
	}
	pt.tradeSize = pt.equity * pt.maxTradeSize
	pt.tradeSizeDay = day
	pt.logger.WithField("trade_size", pt.tradeSize).Info("Trade size set")
}

func (pt *PairTrader) fetchMarket(ctx context.Context, accepted []portfolio.Candidate,
	toClose, bailOuts []*trade.Trade) (map[string]models.Quote, map[string]models.TradeTick, error) {

	set := make(map[string]struct{})
	for _, c := range accepted {
		set[c.Long] = struct{}{}
		set[c.Short] = struct{}{}
	}
	for _, group := range [][]*trade.Trade{toClose, bailOuts} {
		for _, tr := range group {
			for _, s := range tr.Pair().Symbols() {
				set[s] = struct{}{}
			}
		}
	}
	if len(set) == 0 {
		return nil, nil, nil
	}
	symbols := make([]string, 0, len(set))
	for s := range set {
		symbols = append(symbols, s)
	}
	quotes, err := pt.broker.GetLatestQuotes(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching quotes: %w", err)
	}
	ticks, err := pt.broker.GetLatestTrades(ctx, symbols)
	if err != nil {
		return nil, nil, fmt.Errorf("fetching trades: %w", err)
	}
	return quotes, ticks, nil
}

func (pt *PairTrader) checkpoint() {
	if pt.store == nil {
		return
	}
	snaps := make([]trade.Snapshot, 0, len(pt.trades))
	for _, tr := range pt.trades {
		if tr.State() == trade.StateOpen {
			snaps = append(snaps, tr.Snapshot())
		}
	}
	if err := pt.store.SaveOpenTrades(snaps); err != nil {
		pt.logger.WithError(err).Error("Checkpoint failed")
	}
}

func (pt *PairTrader) publishStatus(now time.Time) {
	open := make([]trade.Snapshot, 0)
	openCount := 0
	for _, tr := range pt.trades {
		if tr.State() == trade.StateOpen {
			open = append(open, tr.Snapshot())
			openCount++
		}
	}
	metrics.OpenTrades.Set(float64(openCount))
	burned := make([]string, 0, len(pt.burned))
	for title := range pt.burned {
		burned = append(burned, title)
	}

	pt.mu.Lock()
	pt.status = Status{
		UpdatedAt:   now,
		Threshold:   pt.retgt.Threshold,
		Equity:      pt.equity,
		Cash:        pt.cash,
		TradeSize:   pt.tradeSize,
		OpenTrades:  open,
		ClosedCount: len(pt.closed),
		Burned:      burned,
	}
	pt.mu.Unlock()
}

// Status returns the snapshot published at the end of the last cycle.
func (pt *PairTrader) Status() Status {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	return pt.status
}

// ClosedSummary is the API view of one archived trade.
type ClosedSummary struct {
	Title    string
	PL       float64
	Final    bool
	OpenedAt time.Time
	ClosedAt time.Time
}

func (pt *PairTrader) ClosedTrades() []ClosedSummary {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]ClosedSummary, 0, len(pt.closed))
	for _, ct := range pt.closed {
		pl, final := ct.PL()
		out = append(out, ClosedSummary{
			Title:    ct.Title,
			PL:       pl,
			Final:    final,
			OpenedAt: ct.OpenedAt,
			ClosedAt: ct.ClosedAt,
		})
	}
	return out
}
