package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the signal sandbox.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	ACLDenials        *prometheus.CounterVec
	DenyListHits      *prometheus.CounterVec
	RequestsInFlight  prometheus.Gauge
	SourceSizeBytes   prometheus.Histogram
	QueueWaitSeconds  prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signal_sandbox",
				Name:      "executions_total",
				Help:      "Total user function executions by function and status.",
			},
			[]string{"function", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "signal_sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of user function executions in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"function"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signal_sandbox",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "signal_sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running user functions.",
			},
		),

		ACLDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signal_sandbox",
				Name:      "acl_denials_total",
				Help:      "Total authorization denials by reason class.",
			},
			[]string{"reason"},
		),

		DenyListHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "signal_sandbox",
				Name:      "denylist_hits_total",
				Help:      "Total prohibited code patterns detected in submissions.",
			},
			[]string{"pattern"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "signal_sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		SourceSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "signal_sandbox",
				Name:      "source_size_bytes",
				Help:      "Size of uploaded function source in bytes.",
				Buckets:   prometheus.ExponentialBuckets(64, 4, 8),
			},
		),

		QueueWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "signal_sandbox",
				Name:      "queue_wait_seconds",
				Help:      "Time spent waiting for an execution slot.",
				Buckets:   []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.ACLDenials,
		m.DenyListHits,
		m.RequestsInFlight,
		m.SourceSizeBytes,
		m.QueueWaitSeconds,
	)

	return m
}

// RecordExecution records metrics for one completed execution.
func (m *Metrics) RecordExecution(function, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(function, status).Inc()
	m.ExecutionDuration.WithLabelValues(function).Observe(durationSec)
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordDenial records an ACL denial by reason class.
func (m *Metrics) RecordDenial(reason string) {
	m.ACLDenials.WithLabelValues(reason).Inc()
}

// RecordDenyListHit records one prohibited-pattern detection.
func (m *Metrics) RecordDenyListHit(pattern string) {
	m.DenyListHits.WithLabelValues(pattern).Inc()
}
