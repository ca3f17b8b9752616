// Package metrics holds the Prometheus instruments. Every recording method is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var jobDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800}

type Metrics struct {
	// Queue
	JobsTotal   *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Runs
	RunsTotal     *prometheus.CounterVec
	NodesTotal    *prometheus.CounterVec
	ActiveRuns    prometheus.Gauge
	LeadsCaptured prometheus.Counter

	// Discovery
	RateLimitWaits       prometheus.Counter
	RateLimitWaitSeconds prometheus.Counter

	// Actions and sessions
	RepliesTotal *prometheus.CounterVec
	LoginsTotal  *prometheus.CounterVec
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupwatch_jobs_total",
			Help: "Processed jobs by kind and outcome.",
		}, []string{"kind", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "groupwatch_job_duration_seconds",
			Help:    "Job handler duration in seconds.",
			Buckets: jobDurationBuckets,
		}, []string{"kind"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupwatch_runs_total",
			Help: "Finished workflow runs by final status.",
		}, []string{"status"}),
		NodesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupwatch_nodes_total",
			Help: "Processed workflow nodes by outcome.",
		}, []string{"outcome"}),
		ActiveRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "groupwatch_active_runs",
			Help: "Workflow runs currently tracked by this process.",
		}),
		LeadsCaptured: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupwatch_leads_captured_total",
			Help: "Leads persisted by discovery.",
		}),
		RateLimitWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupwatch_rate_limit_waits_total",
			Help: "Times a discovery stream waited for tokens.",
		}),
		RateLimitWaitSeconds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "groupwatch_rate_limit_wait_seconds_total",
			Help: "Total time spent waiting for tokens.",
		}),
		RepliesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupwatch_replies_total",
			Help: "Reply attempts by outcome.",
		}, []string{"outcome"}),
		LoginsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "groupwatch_logins_total",
			Help: "Interactive logins by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.JobDuration,
		m.RunsTotal,
		m.NodesTotal,
		m.ActiveRuns,
		m.LeadsCaptured,
		m.RateLimitWaits,
		m.RateLimitWaitSeconds,
		m.RepliesTotal,
		m.LoginsTotal,
	)
	return m
}

func (m *Metrics) JobFinished(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(kind, outcome).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(d.Seconds())
}

func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.ActiveRuns.Inc()
}

func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.ActiveRuns.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) NodeFinished(outcome string) {
	if m == nil {
		return
	}
	m.NodesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LeadCaptured() {
	if m == nil {
		return
	}
	m.LeadsCaptured.Inc()
}

func (m *Metrics) RateLimitWaited(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWaits.Inc()
	m.RateLimitWaitSeconds.Add(d.Seconds())
}

func (m *Metrics) ReplyAttempted(outcome string) {
	if m == nil {
		return
	}
	m.RepliesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) LoginFinished(outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}
