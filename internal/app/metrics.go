package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects engine counters on a private registry.
type Metrics struct {
	registry          *prometheus.Registry
	transactions      *prometheus.CounterVec
	rejections        *prometheus.CounterVec
	replays           prometheus.Counter
	scheduleOutcomes  *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		transactions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_transactions_total",
			Help: "Transactions persisted, by type and resulting state",
		}, []string{"type", "state"}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_rejections_total",
			Help: "Requests rejected by the pre-check, by reason",
		}, []string{"code"}),
		replays: factory.NewCounter(prometheus.CounterOpts{
			Name: "engine_idempotent_replays_total",
			Help: "Requests answered from the idempotency ledger",
		}),
		scheduleOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "engine_schedule_runs_total",
			Help: "Scheduled executions, by outcome",
		}, []string{"outcome"}),
		executionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "engine_operation_duration_seconds",
			Help:    "Time taken by engine operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// The recorders are nil-safe so the engine runs without metrics in tests.

func (m *Metrics) transactionPersisted(txType, state string) {
	if m != nil {
		m.transactions.WithLabelValues(txType, state).Inc()
	}
}

func (m *Metrics) rejected(err *RejectionError) {
	if m == nil {
		return
	}
	for _, r := range err.Reasons {
		m.rejections.WithLabelValues(string(r.Code)).Inc()
	}
}

func (m *Metrics) replayed() {
	if m != nil {
		m.replays.Inc()
	}
}

func (m *Metrics) scheduleRun(outcome string) {
	if m != nil {
		m.scheduleOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) observe(operation string, started time.Time) {
	if m != nil {
		m.executionDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
