package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.JobFinished("post-comment", "completed", time.Second)
		m.RunStarted()
		m.RunFinished("completed")
		m.LeadCaptured()
		m.RateLimitWaited(time.Second)
	})
}

func TestRunGauge(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RunStarted()
	m.RunStarted()
	m.RunFinished("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RunsTotal.WithLabelValues("completed")))
}

func TestJobFinished(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.JobFinished("start-workflow", "retried", 2*time.Second)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobsTotal.WithLabelValues("start-workflow", "retried")))
}
