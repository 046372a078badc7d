package runners

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// LocalRunner executes actions as processes on the orchestrator host.
type LocalRunner struct {
	cfg    Config
	logger zerolog.Logger
}

// NewLocalRunner creates a local runner.
func NewLocalRunner(cfg Config, logger zerolog.Logger) *LocalRunner {
	return &LocalRunner{
		cfg:    cfg.withDefaults(),
		logger: logger.With().Str("component", "local-runner").Logger(),
	}
}

// Run executes ref and waits for the process to exit. When ctx is done or the
// timeout elapses the process group receives SIGTERM; Run keeps waiting for
// the process to exit on its own.
func (r *LocalRunner) Run(ctx context.Context, ref engine.ActionRef, timeout time.Duration) (*engine.ActionOutput, error) {
	if ref.IsZero() {
		return nil, &engine.ActionError{Action: ref.String(), ExitCode: -1, Err: engine.NewPermanentError("command is required", nil)}
	}

	runCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()

	argv := r.cfg.argv(ref)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		r.logger.Warn().Str("action", ref.String()).Msg("Sending SIGTERM to action")
		return terminate(cmd)
	}
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = r.cfg.environ(r.cfg.baseEnv(), ref)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Debug().Strs("argv", argv).Dur("timeout", timeout).Msg("Executing action")

	start := time.Now()
	err := cmd.Run()
	out := &engine.ActionOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
		} else {
			out.ExitCode = -1
		}
		r.logger.Debug().
			Err(err).
			Int("exit_code", out.ExitCode).
			Dur("duration", out.Duration).
			Msg("Action failed")
		return out, stopError(runCtx, ref, timeout, out, err)
	}

	r.logger.Debug().Dur("duration", out.Duration).Msg("Action completed")
	return out, nil
}
