// Package metrics exposes the Prometheus collectors shared by the
// execution engine and the orchestration loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creek_cycles_total",
		Help: "Completed trading cycles.",
	})

	CyclesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creek_cycles_skipped_total",
		Help: "Cycles skipped due to transient broker or clock failures.",
	})

	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "creek_orders_submitted_total",
		Help: "Orders submitted to the broker by order type.",
	}, []string{"type"})

	MarketFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creek_market_fallbacks_total",
		Help: "Limit negotiations resolved by the market-order fallback.",
	})

	ReconcileCorrections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creek_reconcile_corrections_total",
		Help: "Corrective orders issued by the reconciler.",
	})

	MissedOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "creek_missed_opens_total",
		Help: "Open signals dropped for lack of capital slots.",
	})

	OpenTrades = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creek_open_trades",
		Help: "Trades currently in the open state.",
	})

	OpenThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "creek_open_threshold_sigma",
		Help: "Current adaptive open-signal threshold.",
	})
)
