package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/openfroyo/failsafe/pkg/engine"

// Backoff strategies between step attempts.
const (
	BackoffNone        = "none"
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// BackoffConfig configures the delay between attempts of the same step.
type BackoffConfig struct {
	// Strategy is none, fixed or exponential.
	Strategy string `yaml:"strategy" validate:"omitempty,oneof=none fixed exponential"`

	// Initial is the first delay (and the only delay for fixed).
	Initial time.Duration `yaml:"initial"`

	// Max caps exponential growth.
	Max time.Duration `yaml:"max"`

	// Multiplier is the exponential growth factor.
	Multiplier float64 `yaml:"multiplier"`

	// Jitter is the randomization factor in [0, 1).
	Jitter float64 `yaml:"jitter" validate:"gte=0,lt=1"`
}

// newBackOff builds a fresh policy for one step execution.
func (c BackoffConfig) newBackOff() backoff.BackOff {
	switch c.Strategy {
	case BackoffFixed:
		return backoff.NewConstantBackOff(c.Initial)
	case BackoffExponential:
		b := backoff.NewExponentialBackOff()
		if c.Initial > 0 {
			b.InitialInterval = c.Initial
		}
		if c.Max > 0 {
			b.MaxInterval = c.Max
		}
		if c.Multiplier > 0 {
			b.Multiplier = c.Multiplier
		}
		b.RandomizationFactor = c.Jitter
		// Attempt count is bounded by maxRetries, never by elapsed time.
		b.MaxElapsedTime = 0
		b.Reset()
		return b
	default:
		return &backoff.ZeroBackOff{}
	}
}

// StepExecutorConfig configures a StepExecutor.
type StepExecutorConfig struct {
	Backoff BackoffConfig

	// GracePeriod is how long a timed-out action may take to confirm cancellation.
	GracePeriod time.Duration

	// DefaultTimeout applies to steps that declare no timeout.
	DefaultTimeout time.Duration

	Logger    zerolog.Logger
	Metrics   MetricsRecorder
	Publisher EventPublisher
}

// StepExecutor drives one step through its timeout and retry policy.
type StepExecutor struct {
	backoff        BackoffConfig
	grace          time.Duration
	defaultTimeout time.Duration
	logger         zerolog.Logger
	metrics        MetricsRecorder
	publisher      EventPublisher
}

// NewStepExecutor creates a step executor.
func NewStepExecutor(cfg StepExecutorConfig) *StepExecutor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	return &StepExecutor{
		backoff:        cfg.Backoff,
		grace:          cfg.GracePeriod,
		defaultTimeout: cfg.DefaultTimeout,
		logger:         cfg.Logger.With().Str("component", "step-executor").Logger(),
		metrics:        cfg.Metrics,
		publisher:      cfg.Publisher,
	}
}

// StepRun identifies the run a step executes in.
type StepRun struct {
	PlanID string
	RunID  string

	// Rollback marks rollback steps: exactly one attempt, retries ignored.
	Rollback bool
}

// Execute runs step through runner until it succeeds or its attempts are
// exhausted. A step with MaxRetries N that always fails is invoked N+1 times.
// Attempts are strictly sequential. Execution stops early when the parent
// context is cancelled or an attempt's cancellation is not confirmed.
func (e *StepExecutor) Execute(ctx context.Context, step *Step, runner ActionRunner, run StepRun) StepResult {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "step.execute")
	span.SetAttributes(
		attribute.String("plan.id", run.PlanID),
		attribute.String("run.id", run.RunID),
		attribute.String("step.id", step.ID),
		attribute.Bool("step.rollback", run.Rollback),
	)
	defer span.End()

	logger := e.logger.With().
		Str("run_id", run.RunID).
		Str("step_id", step.ID).
		Bool("rollback", run.Rollback).
		Logger()

	result := StepResult{
		StepID:   step.ID,
		Name:     step.Name,
		Rollback: run.Rollback,
	}

	maxRetries := step.MaxRetries
	if run.Rollback || maxRetries < 0 {
		maxRetries = 0
	}

	e.publish(ctx, run, step.ID, EventStepStarted, fmt.Sprintf("Started %s", step.Name), nil)

	var lastErr error
	operation := func() error {
		if result.Attempts == 0 {
			result.StartedAt = time.Now()
		}
		result.Attempts++

		start := time.Now()
		out, confirmed, err := e.attempt(ctx, step, runner)
		result.EndedAt = time.Now()
		if out != nil {
			result.ExitCode = out.ExitCode
			result.Stdout = out.Stdout
			result.Stderr = out.Stderr
		}

		if err == nil {
			e.metrics.RecordStepAttempt(run.PlanID, "success", time.Since(start))
			result.SucceededOnAttempt = result.Attempts
			return nil
		}

		lastErr = err
		outcome := "failure"
		var timeoutErr *TimeoutError
		if errors.As(err, &timeoutErr) {
			outcome = "timeout"
		}
		e.metrics.RecordStepAttempt(run.PlanID, outcome, time.Since(start))

		if !confirmed {
			result.CancelUnconfirmed = true
			return backoff.Permanent(err)
		}
		if ctx.Err() != nil || IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn().
			Err(err).
			Int("attempt", result.Attempts).
			Int("max_attempts", maxRetries+1).
			Dur("backoff", delay).
			Msg("Step attempt failed, retrying")
		e.publish(ctx, run, step.ID, EventStepRetrying,
			fmt.Sprintf("Retrying after failure (attempt %d/%d)", result.Attempts, maxRetries+1),
			map[string]interface{}{"error": err.Error(), "backoff": delay.String()})
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(e.backoff.newBackOff(), uint64(maxRetries)), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil && lastErr == nil {
		// The parent context ended before the first attempt could run.
		lastErr = err
	}

	if result.SucceededOnAttempt > 0 {
		result.FinalStatus = StepSucceeded
		span.SetStatus(codes.Ok, "")
		logger.Info().Int("attempts", result.Attempts).Msg("Step succeeded")
		e.publish(ctx, run, step.ID, EventStepCompleted, fmt.Sprintf("Completed %s", step.Name),
			map[string]interface{}{"attempts": result.Attempts})
	} else {
		result.FinalStatus = StepFailed
		if lastErr != nil {
			result.Error = lastErr.Error()
			span.RecordError(lastErr)
		}
		span.SetStatus(codes.Error, result.Error)
		logger.Error().
			Int("attempts", result.Attempts).
			Bool("cancel_unconfirmed", result.CancelUnconfirmed).
			Str("error", result.Error).
			Msg("Step failed")
		e.publish(ctx, run, step.ID, EventStepFailed, fmt.Sprintf("Failed %s: %s", step.Name, result.Error),
			map[string]interface{}{"attempts": result.Attempts, "cancel_unconfirmed": result.CancelUnconfirmed})
	}
	e.metrics.RecordStepFinished(run.PlanID, string(result.FinalStatus), run.Rollback)

	return result
}

type attemptOutcome struct {
	out *ActionOutput
	err error
}

// attempt performs one bounded invocation. On timeout or parent cancellation the
// runner is asked to stop through its context and given the grace period to
// return. The bool result is false when the runner never confirmed.
func (e *StepExecutor) attempt(ctx context.Context, step *Step, runner ActionRunner) (*ActionOutput, bool, error) {
	timeout := step.Timeout(e.defaultTimeout)
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan attemptOutcome, 1)
	go func() {
		out, err := runner.Run(attemptCtx, step.Action, timeout)
		done <- attemptOutcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, true, e.classify(attemptCtx, step, timeout, o)
	case <-attemptCtx.Done():
	}

	grace := time.NewTimer(e.grace)
	defer grace.Stop()

	select {
	case o := <-done:
		return o.out, true, e.classify(attemptCtx, step, timeout, o)
	case <-grace.C:
		e.logger.Error().
			Str("step_id", step.ID).
			Dur("grace_period", e.grace).
			Msg("Action did not confirm cancellation within grace period")
		return nil, false, NewTransientError("action did not confirm cancellation", &TimeoutError{
			Action:  step.Action.String(),
			Timeout: timeout.String(),
		}).WithCode(ErrCodeCancelUnconfirmed).WithResource(step.ID)
	}
}

// classify normalizes a runner outcome into nil, *TimeoutError or *ActionError.
func (e *StepExecutor) classify(attemptCtx context.Context, step *Step, timeout time.Duration, o attemptOutcome) error {
	if o.err == nil {
		if o.out != nil && o.out.ExitCode != 0 {
			return &ActionError{Action: step.Action.String(), ExitCode: o.out.ExitCode, Stderr: o.out.Stderr}
		}
		return nil
	}

	var timeoutErr *TimeoutError
	var actionErr *ActionError
	switch {
	case errors.As(o.err, &timeoutErr), errors.As(o.err, &actionErr):
		return o.err
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return &TimeoutError{Action: step.Action.String(), Timeout: timeout.String()}
	case errors.Is(attemptCtx.Err(), context.Canceled):
		return NewTransientError("action cancelled", o.err).WithResource(step.ID)
	default:
		return &ActionError{Action: step.Action.String(), ExitCode: -1, Err: o.err}
	}
}

func (e *StepExecutor) publish(ctx context.Context, run StepRun, stepID string, typ EventType, msg string, data map[string]interface{}) {
	if run.Rollback {
		if data == nil {
			data = make(map[string]interface{})
		}
		data["rollback"] = true
	}
	if err := e.publisher.Publish(ctx, &Event{
		RunID:     run.RunID,
		PlanID:    run.PlanID,
		StepID:    stepID,
		Type:      typ,
		Message:   msg,
		Timestamp: time.Now(),
		Data:      data,
	}); err != nil {
		e.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}
