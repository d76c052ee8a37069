package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for tierup.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Operation metrics
	operationAttempts *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec

	// Failure handling metrics
	failuresClassified *prometheus.CounterVec
	remediations       *prometheus.CounterVec

	// Health gate metrics
	gateWaitDuration *prometheus.HistogramVec
	gateOutcomes     *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of bring-up runs started",
			},
			[]string{"mode"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of bring-up runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of bring-up runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		operationAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operation_attempts_total",
				Help:      "Total number of operation attempts",
			},
			[]string{"operation", "status"},
		),
		operationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),

		failuresClassified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "failures_classified_total",
				Help:      "Failures observed, labeled by classified kind",
			},
			[]string{"kind"},
		),
		remediations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "remediations_total",
				Help:      "Remediation actions executed, labeled by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),

		gateWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "health_gate_wait_seconds",
				Help:      "Time spent waiting on health gates in seconds",
				Buckets:   buckets,
			},
			[]string{"gate"},
		),
		gateOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_gate_outcomes_total",
				Help:      "Health gate resolutions, labeled by outcome",
			},
			[]string{"gate", "outcome"},
		),
	}

	collectors := []prometheus.Collector{
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.operationAttempts,
		m.operationDuration,
		m.failuresClassified,
		m.remediations,
		m.gateWaitDuration,
		m.gateOutcomes,
	}
	for _, c := range collectors {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// RecordRunStarted increments the run start counter.
func (m *Metrics) RecordRunStarted(mode string) {
	if m.runsStarted == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
}

// RecordRunCompleted records a run completion with its terminal status.
func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordOperationAttempt records one attempt of a named operation.
func (m *Metrics) RecordOperationAttempt(operation, status string, duration time.Duration) {
	if m.operationAttempts == nil {
		return
	}
	m.operationAttempts.WithLabelValues(operation, status).Inc()
	m.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordFailureClassified counts a classified failure by kind.
func (m *Metrics) RecordFailureClassified(kind string) {
	if m.failuresClassified == nil {
		return
	}
	m.failuresClassified.WithLabelValues(kind).Inc()
}

// RecordRemediation counts one remediation action and its outcome.
func (m *Metrics) RecordRemediation(kind, outcome string) {
	if m.remediations == nil {
		return
	}
	m.remediations.WithLabelValues(kind, outcome).Inc()
}

// RecordGateResolved records a health gate resolution.
func (m *Metrics) RecordGateResolved(gate, outcome string, waited time.Duration) {
	if m.gateOutcomes == nil {
		return
	}
	m.gateOutcomes.WithLabelValues(gate, outcome).Inc()
	m.gateWaitDuration.WithLabelValues(gate).Observe(waited.Seconds())
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler exposing the registry, or nil when
// metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartMetricsServer starts the metrics HTTP server if configured.
// It returns immediately; the server runs until the process exits.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    m.config.ListenAddress,
		Handler: mux,
	}

	go func() {
		// Server errors are not fatal to the run.
		_ = server.ListenAndServe()
	}()

	return nil
}

// Timer measures elapsed time for metric observations.
type Timer struct {
	start time.Time
}

// NewTimer starts a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
