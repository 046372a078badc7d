//go:build !windows

package runners

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/failsafe/pkg/engine"
)

func newTestLocalRunner(cfg Config) *LocalRunner {
	return NewLocalRunner(cfg, zerolog.Nop())
}

func TestLocalRunner_Run_Success(t *testing.T) {
	r := newTestLocalRunner(DefaultConfig())

	out, err := r.Run(context.Background(), engine.ActionRef{Command: "echo restored"}, 5*time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "restored" {
		t.Errorf("Expected stdout 'restored', got %q", out.Stdout)
	}
	if out.ExitCode != 0 {
		t.Errorf("Expected exit code 0, got %d", out.ExitCode)
	}
}

func TestLocalRunner_Run_NonZeroExit(t *testing.T) {
	r := newTestLocalRunner(DefaultConfig())

	out, err := r.Run(context.Background(), engine.ActionRef{Command: "echo broken >&2; exit 3"}, 5*time.Second)

	var actionErr *engine.ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("Expected *engine.ActionError, got %v", err)
	}
	if actionErr.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", actionErr.ExitCode)
	}
	if out == nil || strings.TrimSpace(out.Stderr) != "broken" {
		t.Errorf("Expected stderr to be captured, got %+v", out)
	}
}

func TestLocalRunner_Run_Timeout(t *testing.T) {
	r := newTestLocalRunner(DefaultConfig())

	start := time.Now()
	_, err := r.Run(context.Background(), engine.ActionRef{Command: "sleep 5"}, 100*time.Millisecond)

	var timeoutErr *engine.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("Expected *engine.TimeoutError, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Expected SIGTERM to stop the action promptly, took %v", elapsed)
	}
}

func TestLocalRunner_Run_ParentCancelled(t *testing.T) {
	r := newTestLocalRunner(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := r.Run(ctx, engine.ActionRef{Command: "sleep 5"}, time.Minute)
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled in chain, got %v", err)
	}
}

func TestLocalRunner_Run_Environment(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InheritEnv = false
	cfg.Env = map[string]string{"FAILSAFE_ENV": "prod"}
	r := newTestLocalRunner(cfg)

	out, err := r.Run(context.Background(), engine.ActionRef{
		Command: `echo "$FAILSAFE_ENV/$TARGET"`,
		Env:     map[string]string{"TARGET": "db-primary"},
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "prod/db-primary" {
		t.Errorf("Expected prod/db-primary, got %q", out.Stdout)
	}
}

func TestLocalRunner_Run_Script(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "restore.sh")
	if err := os.WriteFile(script, []byte("echo \"restoring $1\"\n"), 0o644); err != nil {
		t.Fatalf("Failed to write script: %v", err)
	}

	cfg := DefaultConfig()
	cfg.Interpreter = "/bin/sh"
	r := newTestLocalRunner(cfg)

	out, err := r.Run(context.Background(), engine.ActionRef{Script: script, Args: []string{"orders"}}, 5*time.Second)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if strings.TrimSpace(out.Stdout) != "restoring orders" {
		t.Errorf("Expected 'restoring orders', got %q", out.Stdout)
	}
}

func TestLocalRunner_Run_EmptyAction(t *testing.T) {
	r := newTestLocalRunner(DefaultConfig())

	_, err := r.Run(context.Background(), engine.ActionRef{}, time.Second)

	var actionErr *engine.ActionError
	if !errors.As(err, &actionErr) {
		t.Fatalf("Expected *engine.ActionError, got %v", err)
	}
}

func TestLocalRunner_WithStepExecutor_Retries(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "attempts")

	// Fails until the third attempt.
	cmd := `n=$(cat ` + marker + ` 2>/dev/null || echo 0); n=$((n+1)); echo $n > ` + marker + `; [ $n -ge 3 ]`

	exec := engine.NewStepExecutor(engine.StepExecutorConfig{
		Backoff: engine.BackoffConfig{Strategy: engine.BackoffFixed, Initial: time.Millisecond},
		Logger:  zerolog.Nop(),
	})
	step := &engine.Step{ID: "restore", Name: "Restore", Action: engine.ActionRef{Command: cmd}, MaxRetries: 2, TimeoutSeconds: 5}

	result := exec.Execute(context.Background(), step, newTestLocalRunner(DefaultConfig()), engine.StepRun{PlanID: "p", RunID: "r"})

	if result.FinalStatus != engine.StepSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", result.FinalStatus, result.Error)
	}
	if result.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", result.Attempts)
	}
}
