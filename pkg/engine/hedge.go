package engine

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/trade"
)

// HedgeContribution is the tagged result of one execution unit: an
// open contributes a non-negative notional to the consolidated hedge
// buy, a close contributes a reduction of an existing hedge position.
type HedgeContribution struct {
	Notional  float64
	Opened    *trade.Trade
	Reduction *HedgeReduction
}

// HedgeReduction asks the manager to sell part of the hedge and
// backfill the exit price into the closed trade.
type HedgeReduction struct {
	Symbol   string
	Quantity float64
	Closed   *trade.ClosedTrade
}

// HedgeManager nets the cycle's hedge signals into one consolidated
// buy (by notional) and one sell per distinct hedge symbol (by
// quantity), both as market orders. The hedge instrument is assumed
// fractionable.
type HedgeManager struct {
	engine *Engine
	symbol string
	logger *logrus.Entry
}

func NewHedgeManager(e *Engine, symbol string, logger *logrus.Logger) *HedgeManager {
	return &HedgeManager{
		engine: e,
		symbol: symbol,
		logger: logger.WithField("component", "hedge"),
	}
}

// Symbol returns the active hedge instrument.
func (h *HedgeManager) Symbol() string { return h.symbol }

// Apply executes the netted hedge orders for one cycle and writes the
// results back: entry legs on newly opened trades, exit prices on
// closed trades awaiting backfill.
func (h *HedgeManager) Apply(ctx context.Context, contribs []HedgeContribution) error {
	var buyNotional float64
	opened := make([]HedgeContribution, 0, len(contribs))
	sells := make(map[string][]*HedgeReduction)
	sellQty := make(map[string]float64)

	for _, c := range contribs {
		if c.Reduction != nil {
			sells[c.Reduction.Symbol] = append(sells[c.Reduction.Symbol], c.Reduction)
			sellQty[c.Reduction.Symbol] += c.Reduction.Quantity
			continue
		}
		if c.Notional > 0 {
			buyNotional += c.Notional
			opened = append(opened, c)
		}
	}

	if buyNotional > 0 {
		fill, err := h.engine.ExecuteMarketNotional(ctx, h.symbol, models.OrderSideBuy, buyNotional)
		if err != nil {
			return err
		}
		h.logger.WithFields(logrus.Fields{
			"notional": buyNotional,
			"price":    fill.AvgPrice,
		}).Info("Consolidated hedge buy filled")
		for _, c := range opened {
			if c.Opened == nil {
				continue
			}
			qty := c.Notional / fill.AvgPrice
			c.Opened.SetHedgeEntry(h.symbol, c.Notional, qty, fill.AvgPrice)
		}
	}

	for symbol, reductions := range sells {
		qty := sellQty[symbol]
		if qty <= 0 {
			continue
		}
		fill, err := h.engine.ExecuteMarket(ctx, symbol, models.OrderSideSell, qty)
		if err != nil {
			return err
		}
		h.logger.WithFields(logrus.Fields{
			"symbol": symbol,
			"qty":    qty,
			"price":  fill.AvgPrice,
		}).Info("Consolidated hedge sell filled")
		for _, r := range reductions {
			if r.Closed != nil {
				r.Closed.SetHedgeExitPrice(fill.AvgPrice)
			}
		}
	}
	return nil
}
