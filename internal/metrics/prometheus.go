package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder records refresh-core metrics on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	sessions        *prometheus.CounterVec
	sessionDuration *prometheus.HistogramVec
	triggers        *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	attempts        *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		sessions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_sessions_total",
				Help: "Refresh sessions delivered, by target and completion",
			},
			[]string{"target", "completion"},
		),
		sessionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_session_duration_seconds",
				Help:    "Time from session start to snapshot delivery",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"target"},
		),
		triggers: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_triggers_total",
				Help: "Refresh triggers, by target and whether they were coalesced",
			},
			[]string{"target", "result"},
		),
		outcomes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "terminal_fetch_outcomes_total",
				Help: "Fetch outcomes by capability and failure kind",
			},
			[]string{"capability", "kind"},
		),
		attempts: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "terminal_fetch_attempts",
				Help:    "Upstream invocations per request",
				Buckets: []float64{1, 2, 3, 5, 8},
			},
			[]string{"capability"},
		),
		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "terminal_dispatch_queue_depth",
				Help: "Tasks waiting for a worker after the last submission",
			},
		),
	}
}

// RecordSession records a delivered session.
func (r *Recorder) RecordSession(target string, seconds float64, timedOut bool) {
	completion := "complete"
	if timedOut {
		completion = "timeout"
	}
	r.sessions.WithLabelValues(target, completion).Inc()
	r.sessionDuration.WithLabelValues(target).Observe(seconds)
}

// RecordTrigger records a trigger and whether it was coalesced.
func (r *Recorder) RecordTrigger(target string, coalesced bool) {
	result := "started"
	if coalesced {
		result = "coalesced"
	}
	r.triggers.WithLabelValues(target, result).Inc()
}

// RecordOutcome records one member outcome. kind is empty on success.
func (r *Recorder) RecordOutcome(capability, kind string, attempts int) {
	if kind == "" {
		kind = "ok"
	}
	r.outcomes.WithLabelValues(capability, kind).Inc()
	r.attempts.WithLabelValues(capability).Observe(float64(attempts))
}

// RecordQueueDepth records the dispatcher backlog.
func (r *Recorder) RecordQueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}

// Registry exposes the underlying registry for tests and extra collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
