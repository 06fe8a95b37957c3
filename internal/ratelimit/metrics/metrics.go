package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts rate limit decisions. A nil *Metrics records nothing.
type Metrics struct {
	// Decisions by outcome: allowed, denied, error
	Decisions *prometheus.CounterVec

	// 1 while checks run against the in-process fallback
	Degraded prometheus.Gauge
}

func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cartkeep_ratelimit_decisions_total",
			Help: "Rate limit decisions on cart mutations by outcome",
		}, []string{"outcome"}),
		Degraded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cartkeep_ratelimit_degraded",
			Help: "1 while rate limiting uses the in-process fallback store",
		}),
	}
}

func (m *Metrics) IncDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.Degraded.Set(1)
		return
	}
	m.Degraded.Set(0)
}
