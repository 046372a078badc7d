package telemetry

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

var _ engine.MetricsRecorder = (*Metrics)(nil)

// Metrics records recovery run measurements in a private Prometheus registry.
// A disabled Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	runsStarted      *prometheus.CounterVec
	runsCompleted    *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	stepAttempts     *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepsFinished    *prometheus.CounterVec
	validationChecks *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	activeRuns       prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
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
				Help:      "Total number of recovery runs started",
			},
			[]string{"plan"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of recovery runs completed by overall status",
			},
			[]string{"plan", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of recovery runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		stepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_attempts_total",
				Help:      "Total number of step attempts by outcome",
			},
			[]string{"plan", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_attempt_duration_seconds",
				Help:      "Duration of single step attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"outcome"},
		),
		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_finished_total",
				Help:      "Total number of steps reaching a terminal state",
			},
			[]string{"plan", "state", "rollback"},
		),
		validationChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "validation_checks_total",
				Help:      "Total number of post-execution validation checks",
			},
			[]string{"plan", "critical", "passed"},
		),
		approvals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "approvals_total",
				Help:      "Total number of approval outcomes",
			},
			[]string{"state"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active recovery runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepAttempts,
		m.stepDuration,
		m.stepsFinished,
		m.validationChecks,
		m.approvals,
		m.activeRuns,
	)

	return m, nil
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(planID string) {
	if m.registry == nil {
		return
	}
	m.runsStarted.WithLabelValues(planID).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a completed run with its status and duration.
func (m *Metrics) RecordRunCompleted(planID, status string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.runsCompleted.WithLabelValues(planID, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStepAttempt records one attempt of a step.
func (m *Metrics) RecordStepAttempt(planID, outcome string, duration time.Duration) {
	if m.registry == nil {
		return
	}
	m.stepAttempts.WithLabelValues(planID, outcome).Inc()
	m.stepDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordStepFinished records the terminal state of a forward or rollback step.
func (m *Metrics) RecordStepFinished(planID, state string, rollback bool) {
	if m.registry == nil {
		return
	}
	m.stepsFinished.WithLabelValues(planID, state, strconv.FormatBool(rollback)).Inc()
}

// RecordValidationCheck records a validation check result.
func (m *Metrics) RecordValidationCheck(planID string, critical, passed bool) {
	if m.registry == nil {
		return
	}
	m.validationChecks.WithLabelValues(planID, strconv.FormatBool(critical), strconv.FormatBool(passed)).Inc()
}

// RecordApproval records an approval outcome.
func (m *Metrics) RecordApproval(state string) {
	if m.registry == nil {
		return
	}
	m.approvals.WithLabelValues(state).Inc()
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer serves the metrics endpoint until ctx is done. It returns
// immediately; serve errors are logged.
func (m *Metrics) StartServer(ctx context.Context, logger zerolog.Logger) {
	if !m.config.Enabled {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("address", server.Addr).Str("path", path).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}
