package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.IncOperation("read", "guest", "ok")
		m.ObserveOperation("read", time.Millisecond)
		m.IncStoreConflict("add_line")
		m.IncMergeOutcome("merged")
		m.ObserveMerge(time.Millisecond)
		m.IncStaleResult("add_line")
		m.SetIdentityDegraded(true)
		m.SetRemoteBreakerOpen(true)
	})
}

func TestMetrics_Records(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.IncOperation("add_line", "guest", "ok")
	m.IncOperation("add_line", "guest", "ok")
	m.IncMergeOutcome("noop")
	m.SetIdentityDegraded(true)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.Operations.WithLabelValues("add_line", "guest", "ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MergeOutcomes.WithLabelValues("noop")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IdentityDegraded))

	m.SetIdentityDegraded(false)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.IdentityDegraded))
}
