package engine

import (
	"context"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/internal/metrics"
	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/models"
	"github.com/ofb/creek/pkg/trade"
)

// Reconciler compares expected aggregate positions against the
// broker's and corrects drift with market orders. It is the sole
// defense against partial fills, manual intervention and broker-side
// anomalies.
type Reconciler struct {
	broker    broker.Broker
	engine    *Engine
	tolerance float64
	logger    *logrus.Entry
}

func NewReconciler(b broker.Broker, e *Engine, tolerance float64, logger *logrus.Logger) *Reconciler {
	return &Reconciler{
		broker:    b,
		engine:    e,
		tolerance: tolerance,
		logger:    logger.WithField("component", "reconciler"),
	}
}

// Expected builds the signed per-symbol quantity implied by the open
// trades' legs plus outstanding hedge legs.
func Expected(trades map[string]*trade.Trade) map[string]float64 {
	expected := make(map[string]float64)
	for _, t := range trades {
		if t.State() != trade.StateOpen {
			continue
		}
		for _, leg := range t.Legs() {
			if leg.Side == models.OrderSideSell {
				expected[leg.Symbol] -= leg.Quantity
			} else {
				expected[leg.Symbol] += leg.Quantity
			}
		}
		if h := t.Hedge(); h.Quantity > 0 {
			expected[h.Symbol] += h.Quantity
		}
	}
	return expected
}

// Reconcile issues one corrective market order per drifted symbol.
// Runs once per cycle, after order settlement.
func (r *Reconciler) Reconcile(ctx context.Context, trades map[string]*trade.Trade) error {
	positions, err := r.broker.GetAllPositions(ctx)
	if err != nil {
		return err
	}
	expected := Expected(trades)

	actual := make(map[string]float64, len(positions))
	for _, p := range positions {
		actual[p.Symbol] = p.SignedQuantity()
	}

	symbols := make(map[string]struct{}, len(actual)+len(expected))
	for s := range actual {
		symbols[s] = struct{}{}
	}
	for s := range expected {
		symbols[s] = struct{}{}
	}

	for symbol := range symbols {
		diff := actual[symbol] - expected[symbol]
		if math.Abs(diff) <= r.tolerance {
			continue
		}
		if _, known := expected[symbol]; !known {
			r.logger.WithField("symbol", symbol).Warn("Unknown position")
		}
		side := models.OrderSideSell
		if diff < 0 {
			side = models.OrderSideBuy
		}
		qty := math.Abs(diff)
		r.logger.WithFields(logrus.Fields{
			"symbol":   symbol,
			"expected": expected[symbol],
			"actual":   actual[symbol],
			"side":     side,
			"qty":      qty,
		}).Warn("Reconciling position drift")
		metrics.ReconcileCorrections.Inc()
		if _, err := r.engine.ExecuteMarket(ctx, symbol, side, qty); err != nil {
			r.logger.WithError(err).WithField("symbol", symbol).Warn("Corrective order failed")
		}
	}
	return nil
}
