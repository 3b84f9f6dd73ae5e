package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for lift runs.
// All recording methods are safe to call on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   *prometheus.CounterVec
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Phase metrics
	phasesLifted  *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	targetResults *prometheus.CounterVec
	faults        *prometheus.CounterVec

	// Action metrics
	actionsExecuted *prometheus.CounterVec

	// Compute metrics
	nodesCreated *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge

	registry *prometheus.Registry
	server   *http.Server
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
				Help:      "Total number of runs started",
			},
			[]string{"kind"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs completed",
			},
			[]string{"kind", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "status"},
		),

		phasesLifted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_lifted_total",
				Help:      "Total number of phases lifted, by outcome",
			},
			[]string{"phase", "outcome"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of a phase across all its targets in seconds",
				Buckets:   buckets,
			},
			[]string{"phase"},
		),
		targetResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "target_results_total",
				Help:      "Total number of per-target phase results, by outcome",
			},
			[]string{"phase", "outcome"},
		),
		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Total number of faulted targets",
			},
			[]string{"phase"},
		),

		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of actions executed",
			},
			[]string{"kind", "status"},
		),

		nodesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nodes_created_total",
				Help:      "Total number of nodes created",
			},
			[]string{"provider"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.phasesLifted,
		m.phaseDuration,
		m.targetResults,
		m.faults,
		m.actionsExecuted,
		m.nodesCreated,
		m.activeRuns,
	)

	return m, nil
}

// enabled reports whether metrics are being collected.
func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// Run Metrics

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(kind string) {
	if !m.enabled() {
		return
	}
	m.runsStarted.WithLabelValues(kind).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(kind, status string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.runsCompleted.WithLabelValues(kind, status).Inc()
	m.runDuration.WithLabelValues(kind, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// Phase Metrics

// RecordPhaseLifted records a finished Lift-Phase call.
func (m *Metrics) RecordPhaseLifted(phase, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.phasesLifted.WithLabelValues(phase, outcome).Inc()
	m.phaseDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordTargetResult records the outcome of one target in a phase.
func (m *Metrics) RecordTargetResult(phase, outcome string) {
	if !m.enabled() {
		return
	}
	m.targetResults.WithLabelValues(phase, outcome).Inc()
}

// RecordFaults records faulted targets of a phase.
func (m *Metrics) RecordFaults(phase string, count int) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.faults.WithLabelValues(phase).Add(float64(count))
}

// Action Metrics

// RecordAction records an executed action.
func (m *Metrics) RecordAction(kind, status string) {
	if !m.enabled() {
		return
	}
	m.actionsExecuted.WithLabelValues(kind, status).Inc()
}

// Compute Metrics

// RecordNodesCreated records nodes created by a compute provider.
func (m *Metrics) RecordNodesCreated(provider string, count int) {
	if !m.enabled() || count <= 0 {
		return
	}
	m.nodesCreated.WithLabelValues(provider).Add(float64(count))
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.enabled() {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("metrics server error")
		}
	}()

	log.Info().Str("address", m.config.ListenAddress).Str("path", m.config.Path).Msg("metrics server started")
	return nil
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
