package publisher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for audit emission.
type Metrics struct {
	Emitted         prometheus.Counter
	Dropped         *prometheus.CounterVec
	PersistFailures prometheus.Counter
	BreakerState    prometheus.Gauge
}

// NewMetrics registers audit metrics with reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Emitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cartkeep_audit_events_emitted_total",
			Help: "Total number of audit events successfully persisted",
		}),
		Dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartkeep_audit_events_dropped_total",
			Help: "Total number of audit events dropped before persistence",
		}, []string{"reason"}),
		PersistFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "cartkeep_audit_persist_failures_total",
			Help: "Total number of audit event persistence failures",
		}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartkeep_audit_breaker_state",
			Help: "Audit sink circuit breaker state (0=closed, 1=open)",
		}),
	}
}

func (m *Metrics) incEmitted() {
	if m != nil {
		m.Emitted.Inc()
	}
}

func (m *Metrics) incDropped(reason string) {
	if m != nil {
		m.Dropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) incPersistFailures() {
	if m != nil {
		m.PersistFailures.Inc()
	}
}

func (m *Metrics) setBreakerOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.BreakerState.Set(1)
	} else {
		m.BreakerState.Set(0)
	}
}
