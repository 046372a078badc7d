package runners

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// Router sends actions with a Host to the remote runner and everything else
// to the local runner.
type Router struct {
	Local  engine.ActionRunner
	Remote engine.ActionRunner
}

// Run dispatches ref.
func (r *Router) Run(ctx context.Context, ref engine.ActionRef, timeout time.Duration) (*engine.ActionOutput, error) {
	if ref.Host == "" {
		return r.Local.Run(ctx, ref, timeout)
	}
	if r.Remote == nil {
		return nil, &engine.ActionError{
			Action:   ref.String(),
			ExitCode: -1,
			Err:      engine.NewPermanentError("no remote runner configured", nil).WithResource(ref.Host),
		}
	}
	return r.Remote.Run(ctx, ref, timeout)
}

// DryRunRunner logs each action instead of executing it.
type DryRunRunner struct {
	logger zerolog.Logger
}

// NewDryRunRunner creates a dry-run runner.
func NewDryRunRunner(logger zerolog.Logger) *DryRunRunner {
	return &DryRunRunner{logger: logger.With().Str("component", "dry-run-runner").Logger()}
}

// Run records the action and reports success without side effects.
func (r *DryRunRunner) Run(ctx context.Context, ref engine.ActionRef, timeout time.Duration) (*engine.ActionOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.logger.Info().
		Str("action", ref.String()).
		Str("host", ref.Host).
		Dur("timeout", timeout).
		Msg("Dry run: action not executed")
	return &engine.ActionOutput{Stdout: "dry run: " + ref.String()}, nil
}

// New builds the runner for a deployment: local actions always, remote
// actions when the inventory has hosts.
func New(cfg Config, inventory *Inventory, logger zerolog.Logger) (*Router, func() error) {
	router := &Router{Local: NewLocalRunner(cfg, logger)}
	closer := func() error { return nil }
	if inventory.Len() > 0 {
		remote := NewSSHRunner(cfg, inventory, logger)
		router.Remote = remote
		closer = remote.Close
	}
	return router, closer
}
