// Package engine executes order legs against the broker: negotiated
// limit orders with escalating price concessions and a mandatory
// market-order fallback, plus the consolidated hedge and the
// position reconciler built on top of it.
package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/internal/metrics"
	"github.com/ofb/creek/pkg/broker"
	"github.com/ofb/creek/pkg/models"
)

// Engine negotiates individual order legs. It is stateless across
// legs; all shared limits come from configuration.
type Engine struct {
	broker       broker.Broker
	sigmaCushion float64
	sigmaBox     float64
	attempts     int
	settleWait   time.Duration
	logger       *logrus.Entry
}

func New(b broker.Broker, sigmaCushion, sigmaBox float64, attempts int, logger *logrus.Logger) *Engine {
	return &Engine{
		broker:       b,
		sigmaCushion: sigmaCushion,
		sigmaBox:     sigmaBox,
		attempts:     attempts,
		settleWait:   2 * time.Second,
		logger:       logger.WithField("component", "engine"),
	}
}

// SetSettleWait overrides the wait between negotiation rounds (tests).
func (e *Engine) SetSettleWait(d time.Duration) { e.settleWait = d }

// Leg is one order leg to execute.
type Leg struct {
	Symbol         string
	Side           models.OrderSide
	Quantity       float64
	ReferencePrice float64
	Stddev         float64 // predictor stddev, prices the concession
	Spread         float64 // current bid-ask spread
}

// Fill is the aggregate result of one leg's execution, volume-weighted
// across partial fills and the fallback.
type Fill struct {
	Quantity float64
	AvgPrice float64
}

type fillAccumulator struct {
	qty      float64
	notional float64
}

func (f *fillAccumulator) add(qty, price float64) {
	f.qty += qty
	f.notional += qty * price
}

func (f *fillAccumulator) fill() Fill {
	if f.qty == 0 {
		return Fill{}
	}
	return Fill{Quantity: f.qty, AvgPrice: f.notional / f.qty}
}

// concede moves the limit price toward the counterparty.
func concede(side models.OrderSide, price, concession float64) float64 {
	if side == models.OrderSideBuy {
		return price + concession
	}
	return math.Max(price-concession, 0.01)
}

// ExecuteLeg runs the full negotiation for one leg: an initial limit
// order cushioned off the reference price, up to the configured number
// of replace rounds with linearly growing concessions capped by the
// sigma box, then exactly one market order for any unfilled remainder.
func (e *Engine) ExecuteLeg(ctx context.Context, leg Leg) (Fill, error) {
	log := e.logger.WithFields(logrus.Fields{
		"symbol": leg.Symbol,
		"side":   leg.Side,
		"qty":    leg.Quantity,
	})

	cushion := math.Min(leg.Spread, leg.Stddev*e.sigmaCushion)
	box := leg.Stddev * e.sigmaBox

	var acc fillAccumulator
	order, err := e.submitLimit(ctx, leg, concede(leg.Side, leg.ReferencePrice, cushion))
	if err != nil {
		if avail, ok := broker.AvailableQuantity(err); ok && avail > 0 && avail < leg.Quantity {
			log.WithField("available", avail).Warn("Insufficient shares, reducing quantity")
			leg.Quantity = avail
			order, err = e.submitLimit(ctx, leg, concede(leg.Side, leg.ReferencePrice, cushion))
		}
		if err != nil {
			return Fill{}, fmt.Errorf("submitting %s %s: %w", leg.Side, leg.Symbol, err)
		}
	}

	for attempt := 0; attempt < e.attempts; attempt++ {
		if err := e.settle(ctx); err != nil {
			break
		}
		current, err := e.broker.GetOrder(ctx, order.OrderID)
		if err != nil {
			if broker.IsTransient(err) {
				continue
			}
			return Fill{}, fmt.Errorf("polling order %s: %w", order.OrderID, err)
		}
		order = current
		if order.Filled() {
			acc.add(order.FilledQuantity, order.FilledAvgPrice)
			return acc.fill(), nil
		}
		if order.Status == models.OrderStatusRejected {
			return Fill{}, &broker.Error{Class: broker.ClassRejected,
				Message: fmt.Sprintf("order %s rejected mid-negotiation", order.OrderID)}
		}
		if order.Status == models.OrderStatusCanceled {
			acc.add(order.FilledQuantity, order.FilledAvgPrice)
			break
		}

		ticks, err := e.broker.GetLatestTrades(ctx, []string{leg.Symbol})
		if err != nil {
			continue
		}
		latest := ticks[leg.Symbol].Price
		if latest <= 0 {
			continue
		}
		// Replacement creates a fresh order and the resting order keeps
		// its partial fills, so fold those fills in and replace only the
		// unfilled remainder.
		remaining := leg.Quantity - acc.qty - order.FilledQuantity
		if remaining <= 0 {
			acc.add(order.FilledQuantity, order.FilledAvgPrice)
			return acc.fill(), nil
		}
		concession := math.Min(float64(attempt+1)*leg.Spread, float64(attempt+1)*cushion)
		concession = math.Min(concession, box)
		replaced, err := e.broker.ReplaceOrder(ctx, order.OrderID, remaining,
			concede(leg.Side, latest, concession), uuid.NewString())
		if err != nil {
			if broker.IsTransient(err) {
				continue
			}
			return Fill{}, fmt.Errorf("replacing order %s: %w", order.OrderID, err)
		}
		if order.FilledQuantity > 0 {
			acc.add(order.FilledQuantity, order.FilledAvgPrice)
		}
		log.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"qty":     remaining,
			"limit":   replaced.LimitPrice,
		}).Info("Replaced resting order")
		order = replaced
	}

	// Negotiation exhausted: cancel the resting order and resolve the
	// remainder at market. Exactly one fallback per leg.
	if order != nil && !order.Terminal() {
		if err := e.broker.CancelOrder(ctx, order.OrderID); err != nil {
			log.WithError(err).Warn("Cancel before fallback failed")
		}
		if final, err := e.broker.GetOrder(ctx, order.OrderID); err == nil {
			order = final
		}
		acc.add(order.FilledQuantity, order.FilledAvgPrice)
		if order.Filled() {
			return acc.fill(), nil
		}
	}

	remainder := leg.Quantity - acc.qty
	if remainder <= 0 {
		return acc.fill(), nil
	}
	log.WithField("remainder", remainder).Info("Negotiation exhausted, falling back to market order")
	metrics.MarketFallbacks.Inc()
	fallback, err := e.ExecuteMarket(ctx, leg.Symbol, leg.Side, remainder)
	if err != nil {
		return acc.fill(), fmt.Errorf("market fallback for %s: %w", leg.Symbol, err)
	}
	acc.add(fallback.Quantity, fallback.AvgPrice)
	return acc.fill(), nil
}

func (e *Engine) submitLimit(ctx context.Context, leg Leg, limit float64) (*models.Order, error) {
	metrics.OrdersSubmitted.WithLabelValues("limit").Inc()
	return e.broker.SubmitOrder(ctx, models.OrderRequest{
		Symbol:        leg.Symbol,
		Side:          leg.Side,
		Type:          models.OrderTypeLimit,
		Quantity:      leg.Quantity,
		LimitPrice:    limit,
		ClientOrderID: uuid.NewString(),
	})
}

// ExecuteMarket submits a market order and polls it to completion.
// Used by the negotiation fallback, bail-outs, the hedge manager and
// the reconciler.
func (e *Engine) ExecuteMarket(ctx context.Context, symbol string, side models.OrderSide, quantity float64) (Fill, error) {
	metrics.OrdersSubmitted.WithLabelValues("market").Inc()
	order, err := e.broker.SubmitOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Quantity:      quantity,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return Fill{}, err
	}
	return e.awaitFill(ctx, order)
}

// ExecuteMarketNotional submits a notional market order; only valid
// for fractionable instruments (the hedge).
func (e *Engine) ExecuteMarketNotional(ctx context.Context, symbol string, side models.OrderSide, notional float64) (Fill, error) {
	metrics.OrdersSubmitted.WithLabelValues("market").Inc()
	order, err := e.broker.SubmitOrder(ctx, models.OrderRequest{
		Symbol:        symbol,
		Side:          side,
		Type:          models.OrderTypeMarket,
		Notional:      notional,
		ClientOrderID: uuid.NewString(),
	})
	if err != nil {
		return Fill{}, err
	}
	return e.awaitFill(ctx, order)
}

func (e *Engine) awaitFill(ctx context.Context, order *models.Order) (Fill, error) {
	for i := 0; i < e.attempts; i++ {
		if order.Terminal() {
			break
		}
		if err := e.settle(ctx); err != nil {
			break
		}
		current, err := e.broker.GetOrder(ctx, order.OrderID)
		if err != nil {
			if broker.IsTransient(err) {
				continue
			}
			return Fill{}, err
		}
		order = current
	}
	if order.FilledQuantity == 0 {
		return Fill{}, fmt.Errorf("market order %s unfilled (status %s)", order.OrderID, order.Status)
	}
	return Fill{Quantity: order.FilledQuantity, AvgPrice: order.FilledAvgPrice}, nil
}

func (e *Engine) settle(ctx context.Context) error {
	timer := time.NewTimer(e.settleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
