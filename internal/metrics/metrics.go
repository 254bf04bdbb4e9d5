// Package metrics exposes the Prometheus instrumentation for the exchange
// core. All collectors are registered on the default registry and served
// from the /metrics endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange_core",
		Name:      "requests_total",
		Help:      "Gateway requests by action and exchange.",
	}, []string{"action", "exchange"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange_core",
		Name:      "errors_total",
		Help:      "Gateway request failures by action and error kind.",
	}, []string{"action", "kind"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "exchange_core",
		Name:      "request_duration_seconds",
		Help:      "Gateway request processing time by action.",
		Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"action"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "exchange_core",
		Name:      "queue_depth",
		Help:      "Requests waiting in the gateway queue.",
	})

	PooledClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "exchange_core",
		Name:      "pooled_clients",
		Help:      "Exchange clients currently held by the pool.",
	})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "exchange_core",
		Name:      "reconcile_runs_total",
		Help:      "Reconciliation passes by outcome.",
	}, []string{"outcome"})

	FillsApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exchange_core",
		Name:      "fills_applied_total",
		Help:      "Fills applied to the position ledger.",
	})

	FillsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "exchange_core",
		Name:      "fills_duplicate_total",
		Help:      "Fills skipped because they were already recorded.",
	})
)

// ObserveRequest records one completed gateway request.
func ObserveRequest(action, exchange string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(action, exchange).Inc()
	RequestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// ObserveError records one failed gateway request.
func ObserveError(action, kind string) {
	ErrorsTotal.WithLabelValues(action, kind).Inc()
}
