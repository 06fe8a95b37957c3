package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for cart operations on both the backend and
// the storefront runtime. A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Cart operations by operation, owner kind and outcome
	Operations *prometheus.CounterVec

	OperationLatency *prometheus.HistogramVec

	// Optimistic-lock retries by operation
	StoreConflicts *prometheus.CounterVec

	// Merge outcomes: merged, noop, failed
	MergeOutcomes *prometheus.CounterVec

	MergeDuration prometheus.Histogram

	// Results dropped because the cache owner changed mid-call
	StaleResults *prometheus.CounterVec

	// 1 while session identity runs on an ephemeral token
	IdentityDegraded prometheus.Gauge

	// 1 while the remote cart breaker is open
	RemoteBreakerOpen prometheus.Gauge
}

// New registers cart metrics with reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartkeep_cart_operations_total",
			Help: "Total cart operations by operation, owner kind and outcome",
		}, []string{"operation", "owner_kind", "outcome"}),

		OperationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cartkeep_cart_operation_duration_seconds",
			Help:    "Duration of cart operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"operation"}),

		StoreConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartkeep_cart_store_conflicts_total",
			Help: "Version conflicts hit while writing cart records",
		}, []string{"operation"}),

		MergeOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartkeep_cart_merge_outcomes_total",
			Help: "Guest-into-account merge outcomes",
		}, []string{"outcome"}),

		MergeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cartkeep_cart_merge_duration_seconds",
			Help:    "Duration of guest-into-account merges",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		StaleResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartkeep_cart_stale_results_dropped_total",
			Help: "Cart results discarded because the owner changed while in flight",
		}, []string{"operation"}),

		IdentityDegraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartkeep_session_identity_degraded",
			Help: "1 when the session token is ephemeral because durable storage failed",
		}),

		RemoteBreakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartkeep_cart_remote_breaker_open",
			Help: "1 while the cart backend circuit breaker is open",
		}),
	}
}

func (m *Metrics) IncOperation(operation, ownerKind, outcome string) {
	if m != nil {
		m.Operations.WithLabelValues(operation, ownerKind, outcome).Inc()
	}
}

func (m *Metrics) ObserveOperation(operation string, d time.Duration) {
	if m != nil {
		m.OperationLatency.WithLabelValues(operation).Observe(d.Seconds())
	}
}

func (m *Metrics) IncStoreConflict(operation string) {
	if m != nil {
		m.StoreConflicts.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) IncMergeOutcome(outcome string) {
	if m != nil {
		m.MergeOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveMerge(d time.Duration) {
	if m != nil {
		m.MergeDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) IncStaleResult(operation string) {
	if m != nil {
		m.StaleResults.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) SetIdentityDegraded(degraded bool) {
	if m != nil {
		m.IdentityDegraded.Set(boolGauge(degraded))
	}
}

func (m *Metrics) SetRemoteBreakerOpen(open bool) {
	if m != nil {
		m.RemoteBreakerOpen.Set(boolGauge(open))
	}
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
