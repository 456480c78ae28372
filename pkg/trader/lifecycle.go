package trader

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/engine"
	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/portfolio"
	"github.com/ofb/creek/pkg/trade"
)

// openTrade sizes and executes both legs of a new position: the short
// leg first so its proceeds fund the long leg, then the long. A failed
// long leg unwinds the short at market before aborting.
func (pt *PairTrader) openTrade(ctx context.Context, tr *trade.Trade, cand portfolio.Candidate,
	quotes map[string]models.Quote, ticks map[string]models.TradeTick, now time.Time) (cycleResult, error) {

	shortPrice := ticks[cand.Short].Price
	longPrice := ticks[cand.Long].Price
	if shortPrice <= 0 || longPrice <= 0 {
		return cycleResult{}, fmt.Errorf("open %s: missing trade prices", cand.Title)
	}
	shortQty, longQty := trade.LegSizes(shortPrice, longPrice, pt.tradeSize)
	if shortQty == 0 || longQty == 0 {
		return cycleResult{}, fmt.Errorf("open %s: no viable leg sizing at trade size %.2f", cand.Title, pt.tradeSize)
	}

	if err := tr.MarkOpening(); err != nil {
		return cycleResult{}, err
	}
	stddev := tr.StddevAtLast()

	shortFill, err := pt.engine.ExecuteLeg(ctx, engine.Leg{
		Symbol:         cand.Short,
		Side:           models.OrderSideSell,
		Quantity:       float64(shortQty),
		ReferencePrice: shortPrice,
		Stddev:         stddev,
		Spread:         quotes[cand.Short].Spread(),
	})
	if err != nil {
		tr.AbortOpen()
		return cycleResult{}, fmt.Errorf("open %s short leg: %w", cand.Title, err)
	}

	longFill, err := pt.engine.ExecuteLeg(ctx, engine.Leg{
		Symbol:         cand.Long,
		Side:           models.OrderSideBuy,
		Quantity:       float64(longQty),
		ReferencePrice: longPrice,
		Stddev:         stddev,
		Spread:         quotes[cand.Long].Spread(),
	})
	if err != nil {
		if shortFill.Quantity > 0 {
			if _, uerr := pt.engine.ExecuteMarket(ctx, cand.Short, models.OrderSideBuy, shortFill.Quantity); uerr != nil {
				pt.logger.WithError(uerr).WithField("trade", cand.Title).Error("Unwinding short leg failed")
			}
		}
		tr.AbortOpen()
		return cycleResult{}, fmt.Errorf("open %s long leg: %w", cand.Title, err)
	}

	long := trade.Leg{
		Symbol:     cand.Long,
		Side:       models.OrderSideBuy,
		Quantity:   longFill.Quantity,
		EntryPrice: longFill.AvgPrice,
	}
	short := trade.Leg{
		Symbol:     cand.Short,
		Side:       models.OrderSideSell,
		Quantity:   shortFill.Quantity,
		EntryPrice: shortFill.AvgPrice,
	}
	if err := tr.MarkOpen(long, short, now); err != nil {
		return cycleResult{}, err
	}
	pt.logger.WithFields(logrus.Fields{
		"trade": cand.Title,
		"long":  cand.Long,
		"short": cand.Short,
		"sigma": cand.Deviation,
	}).Info("Opened trade")

	// The short notional exceeds the long notional by construction; the
	// surplus is the market exposure the hedge neutralizes.
	notional := shortFill.Quantity*shortFill.AvgPrice - longFill.Quantity*longFill.AvgPrice
	if notional < 0 {
		notional = 0
	}
	return cycleResult{contrib: engine.HedgeContribution{Notional: notional, Opened: tr}}, nil
}

// closeTrade unwinds both legs with negotiated limits. A failed exit
// reverts to open; any one-sided fills are left to the reconciler.
func (pt *PairTrader) closeTrade(ctx context.Context, tr *trade.Trade,
	quotes map[string]models.Quote, ticks map[string]models.TradeTick, now time.Time) (cycleResult, error) {

	if err := tr.MarkClosing(); err != nil {
		return cycleResult{}, err
	}
	legs := tr.Legs()
	stddev := tr.StddevAtLast()

	exit := func(leg trade.Leg) (engine.Fill, error) {
		ref := ticks[leg.Symbol].Price
		if ref <= 0 {
			ref = leg.EntryPrice
		}
		return pt.engine.ExecuteLeg(ctx, engine.Leg{
			Symbol:         leg.Symbol,
			Side:           leg.Side.Opposite(),
			Quantity:       leg.Quantity,
			ReferencePrice: ref,
			Stddev:         stddev,
			Spread:         quotes[leg.Symbol].Spread(),
		})
	}

	longFill, err := exit(legs[0])
	if err != nil {
		tr.RevertClose()
		return cycleResult{}, fmt.Errorf("close %s long leg: %w", tr.Title(), err)
	}
	shortFill, err := exit(legs[1])
	if err != nil {
		tr.RevertClose()
		return cycleResult{}, fmt.Errorf("close %s short leg: %w", tr.Title(), err)
	}

	ct, err := tr.CompleteClose(longFill.AvgPrice, shortFill.AvgPrice, now)
	if err != nil {
		return cycleResult{}, err
	}
	res := cycleResult{closed: ct}
	if ct.Hedge.Quantity > 0 {
		res.contrib = engine.HedgeContribution{Reduction: &engine.HedgeReduction{
			Symbol:   ct.Hedge.Symbol,
			Quantity: ct.Hedge.Quantity,
			Closed:   ct,
		}}
	}
	return res, nil
}

// bailOut unwinds a runaway position at market, no negotiation, and
// permanently burns the pair.
func (pt *PairTrader) bailOut(ctx context.Context, tr *trade.Trade, now time.Time) (cycleResult, error) {
	pt.logger.WithField("trade", tr.Title()).Warn("Bailing out of runaway trade")
	if err := tr.MarkClosing(); err != nil {
		return cycleResult{}, err
	}
	legs := tr.Legs()

	longFill, err := pt.engine.ExecuteMarket(ctx, legs[0].Symbol, legs[0].Side.Opposite(), legs[0].Quantity)
	if err != nil {
		tr.RevertClose()
		return cycleResult{}, fmt.Errorf("bail-out %s long leg: %w", tr.Title(), err)
	}
	shortFill, err := pt.engine.ExecuteMarket(ctx, legs[1].Symbol, legs[1].Side.Opposite(), legs[1].Quantity)
	if err != nil {
		tr.RevertClose()
		return cycleResult{}, fmt.Errorf("bail-out %s short leg: %w", tr.Title(), err)
	}

	ct, err := tr.CompleteClose(longFill.AvgPrice, shortFill.AvgPrice, now)
	if err != nil {
		return cycleResult{}, err
	}
	res := cycleResult{closed: ct, burn: ct.Title}
	if ct.Hedge.Quantity > 0 {
		res.contrib = engine.HedgeContribution{Reduction: &engine.HedgeReduction{
			Symbol:   ct.Hedge.Symbol,
			Quantity: ct.Hedge.Quantity,
			Closed:   ct,
		}}
	}
	return res, nil
}
