package telemetry

import (
	"context"
	"errors"
)

// Telemetry bundles logging, tracing, metrics and events for one process.
type Telemetry struct {
	Logger  *Logger
	Tracing *Tracing
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging, cfg.Service())
	if err != nil {
		return nil, err
	}

	tracing, err := StartTracing(context.Background(), cfg.Tracing, cfg.Service())
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	compLog := logger.Component("telemetry")
	compLog.Debug().Str("exporter", tracing.Exporter()).Msg("Tracing configured")

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		_ = tracing.Shutdown(context.Background())
		_ = logger.Close()
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracing: tracing,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events, logger.Zerolog()),
		Config:  cfg,
	}, nil
}

// Shutdown drains events, flushes traces and closes the log file.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracing.Shutdown(ctx),
		t.Logger.Close(),
	)
}
