// Package trade implements the per-pair trade lifecycle: deviation
// signal evaluation, position and hedge bookkeeping, and the state
// machine that gates every transition.
package trade

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/predictor"
)

type State string

const (
	StateUninitialized State = "uninitialized"
	StateDisabled      State = "disabled"
	StateClosed        State = "closed"
	StateOpening       State = "opening"
	StateOpen          State = "open"
	StateClosing       State = "closing"
)

// Close thresholds loosen the longer a position is held.
const (
	closeSigmaImmediate = 0.25
	closeSigmaWeek1     = 0.5
	closeSigmaWeek2     = 1.0
	closeSigmaWeek3     = 2.0

	bailFiveSampleMean = 6.0
	bailWeekMean       = 4.0
	bailMinSamples     = 5

	// Bars arriving within the same bar period are duplicates.
	dedupWindow = 50 * time.Second
)

// Sample is one deviation observation in predicted-stddev units.
type Sample struct {
	Time  time.Time `json:"t"`
	Sigma float64   `json:"sigma"`
}

// Leg is one side of the pair position.
type Leg struct {
	Symbol     string
	Side       models.OrderSide
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
}

// HedgeLeg is the broad-market position neutralizing the pair's net
// dollar imbalance.
type HedgeLeg struct {
	Symbol     string
	Notional   float64
	Quantity   float64
	EntryPrice float64
	ExitPrice  float64
}

// Trade is the mutable per-pair entity, keyed by pair title. Owned
// exclusively by the orchestration loop; the execution engine writes
// leg results back only after its own unit of work completes.
type Trade struct {
	pair     models.Pair
	pred     predictor.Predictor
	state    State
	sigma    []Sample
	openedAt time.Time
	legs     [2]Leg
	hedge    HedgeLeg
	lastX    float64
	lastY    float64
	logger   *logrus.Entry
}

func New(pair models.Pair, pred predictor.Predictor, logger *logrus.Logger) *Trade {
	t := &Trade{
		pair:   pair,
		pred:   pred,
		state:  StateUninitialized,
		logger: logger.WithField("trade", pair.Title),
	}
	if pred == nil {
		t.logger.Warn("No predictor weights, disabling")
		t.state = StateDisabled
		return t
	}
	if !pair.Tradable() {
		t.logger.Info("Pair not tradable or not shortable, disabling")
		t.state = StateDisabled
		return t
	}
	t.state = StateClosed
	return t
}

func (t *Trade) State() State        { return t.state }
func (t *Trade) Title() string       { return t.pair.Title }
func (t *Trade) Pair() models.Pair   { return t.pair }
func (t *Trade) Pearson() float64    { return t.pair.Pearson }
func (t *Trade) OpenedAt() time.Time { return t.openedAt }
func (t *Trade) Legs() [2]Leg        { return t.legs }
func (t *Trade) Hedge() HedgeLeg     { return t.hedge }

// Sigma returns the latest deviation sample, if any.
func (t *Trade) Sigma() (Sample, bool) {
	if len(t.sigma) == 0 {
		return Sample{}, false
	}
	return t.sigma[len(t.sigma)-1], true
}

// LastPrices returns the most recently ingested leg prices (x, y).
func (t *Trade) LastPrices() (float64, float64) { return t.lastX, t.lastY }

// StddevAtLast evaluates the predictor stddev at the latest x price;
// the execution engine derives its price cushion from it.
func (t *Trade) StddevAtLast() float64 {
	return t.pred.PredictStddev(t.lastX)
}

var transitions = map[State][]State{
	StateClosed:  {StateOpening},
	StateOpening: {StateOpen, StateClosed},
	StateOpen:    {StateClosing},
	StateClosing: {StateClosed, StateOpen},
}

func (t *Trade) transition(to State) error {
	for _, ok := range transitions[t.state] {
		if ok == to {
			t.logger.WithFields(logrus.Fields{"from": t.state, "to": to}).Info("State transition")
			t.state = to
			return nil
		}
	}
	return fmt.Errorf("trade %s: invalid transition %s -> %s", t.pair.Title, t.state, to)
}

// AppendBar ingests the latest bar for each leg and appends one
// deviation sample. Bars already incorporated (timestamps within the
// same bar period) are suppressed.
func (t *Trade) AppendBar(b1, b2 models.Bar) {
	ts := b1.Timestamp
	if b2.Timestamp.After(ts) {
		ts = b2.Timestamp
	}
	if len(t.sigma) > 0 && ts.Sub(t.sigma[len(t.sigma)-1].Time) < dedupWindow {
		return
	}
	t.lastX = b1.VWAP
	t.lastY = b2.VWAP
	sigma := t.deviation(t.lastX, t.lastY)
	t.sigma = append(t.sigma, Sample{Time: ts, Sigma: sigma})
}

func (t *Trade) deviation(x, y float64) float64 {
	d := y - t.pred.PredictMean(x)
	if d < 0 {
		d = -d
	}
	return d / t.pred.PredictStddev(x)
}

// OpenSignal fires when the latest deviation exceeds the portfolio
// open threshold. The leg priced above the predicted relationship is
// shorted, the other longed.
func (t *Trade) OpenSignal(threshold float64) (bool, float64, string, string) {
	if t.state != StateClosed || len(t.sigma) == 0 {
		return false, 0, "", ""
	}
	sigma := t.sigma[len(t.sigma)-1].Sigma
	if sigma <= threshold {
		return false, 0, "", ""
	}
	syms := t.pair.Symbols()
	var long, short string
	if t.lastY > t.pred.PredictMean(t.lastX) {
		long, short = syms[0], syms[1]
	} else {
		long, short = syms[1], syms[0]
	}
	t.logger.WithFields(logrus.Fields{
		"sigma": sigma,
		"long":  long,
		"short": short,
	}).Info("Open signal")
	return true, sigma, long, short
}

// CloseSignal fires when the deviation has reverted, with escalating
// leniency the longer the position has been held.
func (t *Trade) CloseSignal(now time.Time) bool {
	if t.state != StateOpen {
		return false
	}
	if len(t.sigma) == 0 {
		t.logger.Error("Trade is open but has no deviation series")
		return false
	}
	sigma := t.sigma[len(t.sigma)-1].Sigma
	held := now.Sub(t.openedAt)
	switch {
	case sigma < closeSigmaImmediate:
		return true
	case sigma < closeSigmaWeek1 && held > 7*24*time.Hour:
		return true
	case sigma < closeSigmaWeek2 && held > 14*24*time.Hour:
		return true
	case sigma < closeSigmaWeek3 && held > 21*24*time.Hour:
		return true
	}
	return false
}

// BailOutSignal fires when the deviation has moved adversely far
// beyond normal close conditions: trailing 5-sample mean above 6, or
// trailing 7-day mean above 4. Checked before CloseSignal; resolved
// with an immediate market order and a permanent burn of the pair.
func (t *Trade) BailOutSignal(now time.Time) bool {
	if t.state != StateOpen || len(t.sigma) < bailMinSamples {
		return false
	}
	var sum float64
	for _, s := range t.sigma[len(t.sigma)-bailMinSamples:] {
		sum += s.Sigma
	}
	if sum/bailMinSamples > bailFiveSampleMean {
		return true
	}
	cutoff := now.Add(-7 * 24 * time.Hour)
	var weekSum float64
	var weekN int
	for i := len(t.sigma) - 1; i >= 0; i-- {
		if t.sigma[i].Time.Before(cutoff) {
			break
		}
		weekSum += t.sigma[i].Sigma
		weekN++
	}
	return weekN >= bailMinSamples && weekSum/float64(weekN) > bailWeekMean
}

// MarkOpening reserves the trade for an open attempt.
func (t *Trade) MarkOpening() error {
	return t.transition(StateOpening)
}

// AbortOpen reverts a failed open attempt; any stray fills are left to
// the reconciler.
func (t *Trade) AbortOpen() {
	if t.state != StateOpening {
		return
	}
	t.legs = [2]Leg{}
	t.hedge = HedgeLeg{}
	if err := t.transition(StateClosed); err != nil {
		t.logger.WithError(err).Warn("Abort open transition failed")
	}
}

// MarkOpen records confirmed fills for both legs.
func (t *Trade) MarkOpen(long, short Leg, openedAt time.Time) error {
	if err := t.transition(StateOpen); err != nil {
		return err
	}
	t.legs = [2]Leg{long, short}
	t.openedAt = openedAt
	return nil
}

// SetHedgeEntry backfills the hedge leg once the consolidated hedge
// order fills.
func (t *Trade) SetHedgeEntry(symbol string, notional, quantity, price float64) {
	t.hedge = HedgeLeg{
		Symbol:     symbol,
		Notional:   notional,
		Quantity:   quantity,
		EntryPrice: price,
	}
}

// MarkClosing reserves the trade for a close or bail-out attempt.
func (t *Trade) MarkClosing() error {
	return t.transition(StateClosing)
}

// RevertClose restores the open state after a failed close attempt.
func (t *Trade) RevertClose() {
	if t.state != StateClosing {
		return
	}
	if err := t.transition(StateOpen); err != nil {
		t.logger.WithError(err).Warn("Revert close transition failed")
	}
}

// CompleteClose records exit fills and returns the immutable
// ClosedTrade snapshot. The hedge exit price is backfilled later by
// the hedge manager.
func (t *Trade) CompleteClose(longExit, shortExit float64, closedAt time.Time) (*ClosedTrade, error) {
	if t.state != StateClosing {
		return nil, fmt.Errorf("trade %s: complete close in state %s", t.pair.Title, t.state)
	}
	t.legs[0].ExitPrice = longExit
	t.legs[1].ExitPrice = shortExit
	ct := newClosedTrade(t, closedAt)
	if err := t.transition(StateClosed); err != nil {
		return nil, err
	}
	t.legs = [2]Leg{}
	t.hedge = HedgeLeg{}
	t.openedAt = time.Time{}
	return ct, nil
}

// Snapshot captures the persistent portion of the trade.
type Snapshot struct {
	Title             string
	Symbol1           string
	Symbol2           string
	Pearson           float64
	PearsonHistorical float64
	State             State
	OpenedAt          time.Time
	Legs              [2]Leg
	Hedge             HedgeLeg
	Sigma             []Sample
}

func (t *Trade) Snapshot() Snapshot {
	syms := t.pair.Symbols()
	sigma := make([]Sample, len(t.sigma))
	copy(sigma, t.sigma)
	return Snapshot{
		Title:             t.pair.Title,
		Symbol1:           syms[0],
		Symbol2:           syms[1],
		Pearson:           t.pair.Pearson,
		PearsonHistorical: t.pair.PearsonHistorical,
		State:             t.state,
		OpenedAt:          t.openedAt,
		Legs:              t.legs,
		Hedge:             t.hedge,
		Sigma:             sigma,
	}
}

// RestoreOpen rehydrates a previously open trade from persistence.
func (t *Trade) RestoreOpen(snap Snapshot) error {
	if t.state == StateDisabled {
		return fmt.Errorf("trade %s: cannot restore a disabled pair", t.pair.Title)
	}
	if snap.State != StateOpen {
		return fmt.Errorf("trade %s: restore expects open state, got %s", t.pair.Title, snap.State)
	}
	t.state = StateOpen
	t.openedAt = snap.OpenedAt
	t.legs = snap.Legs
	t.hedge = snap.Hedge
	t.sigma = append(t.sigma[:0], snap.Sigma...)
	return nil
}
