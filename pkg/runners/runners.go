// Package runners provides ActionRunner implementations for recovery steps:
// local shell execution, remote execution over SSH, a dry-run runner and a
// router that picks between local and remote targets per action.
//
// Every runner treats context cancellation as a request to stop. Local
// processes and remote sessions receive SIGTERM and are never killed; the
// step executor decides what happens when an action does not stop in time.
package runners

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/openfroyo/failsafe/pkg/engine"
)

// Config holds settings shared by the local and SSH runners.
type Config struct {
	// Shell runs Command actions as "Shell -c Command".
	Shell string `yaml:"shell"`

	// Interpreter runs Script actions. Empty executes the script directly.
	Interpreter string `yaml:"interpreter"`

	// WorkDir is the working directory for local actions.
	WorkDir string `yaml:"work_dir"`

	// RemoteDir receives uploaded scripts on remote hosts.
	RemoteDir string `yaml:"remote_dir"`

	// Env is added to every action's environment.
	Env map[string]string `yaml:"env"`

	// InheritEnv passes the orchestrator's environment to local actions.
	InheritEnv bool `yaml:"inherit_env"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Shell:      "/bin/sh",
		RemoteDir:  "/tmp/failsafe",
		InheritEnv: true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Shell == "" {
		c.Shell = d.Shell
	}
	if c.RemoteDir == "" {
		c.RemoteDir = d.RemoteDir
	}
	return c
}

// argv returns the local command line for ref.
func (c Config) argv(ref engine.ActionRef) []string {
	if ref.Command != "" {
		return []string{c.Shell, "-c", ref.Command}
	}
	args := make([]string, 0, len(ref.Args)+2)
	if c.Interpreter != "" {
		args = append(args, c.Interpreter)
	}
	args = append(args, ref.Script)
	return append(args, ref.Args...)
}

// environ merges the configured and per-action variables over base.
func (c Config) environ(base []string, ref engine.ActionRef) []string {
	env := append([]string(nil), base...)
	env = append(env, sortedEnv(c.Env)...)
	return append(env, sortedEnv(ref.Env)...)
}

func (c Config) baseEnv() []string {
	if c.InheritEnv {
		return os.Environ()
	}
	return nil
}

func sortedEnv(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// shellQuote quotes s for a POSIX shell.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// boundedContext applies the per-action timeout when one is given.
func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// stopError converts the state of a stopped action into the runner error contract.
func stopError(runCtx context.Context, ref engine.ActionRef, timeout time.Duration, out *engine.ActionOutput, err error) error {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return &engine.TimeoutError{Action: ref.String(), Timeout: timeout.String()}
	}
	if runCtx.Err() != nil {
		return fmt.Errorf("action %q stopped: %w", ref.String(), runCtx.Err())
	}
	exitCode := -1
	stderr := ""
	if out != nil {
		exitCode = out.ExitCode
		stderr = out.Stderr
	}
	return &engine.ActionError{Action: ref.String(), ExitCode: exitCode, Stderr: stderr, Err: err}
}
