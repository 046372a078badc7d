package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/failsafe/pkg/engine"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// ExitError carries the process exit code of a failed command.
type ExitError struct {
	Code engine.ExitCode
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// ExitCodeOf maps a command error to a process exit code. Errors that carry
// no code are treated as execution failures.
func ExitCodeOf(err error) int {
	if err == nil {
		return int(engine.ExitSuccess)
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return int(exitErr.Code)
	}
	return int(engine.ExitCodeFor(nil, err))
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "failsafe",
		Short: "Failsafe - Disaster Recovery Orchestration",
		Long: `Failsafe runs declarative disaster-recovery plans: ordered, dependency-aware
steps with timeouts, retries, approval gates, validation checks and automatic
rollback, and records a durable report of every run.

Exit codes:
  0  success
  1  plan invalid or not found
  2  approval rejected, timed out or still pending
  3  execution failed
  4  rollback failed`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newSetupCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newGraphCommand())
	rootCmd.AddCommand(newExecuteCommand())
	rootCmd.AddCommand(newTestCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newAbortCommand())
	rootCmd.AddCommand(newApproveCommand())
	rootCmd.AddCommand(newRejectCommand())
	rootCmd.AddCommand(newRunsCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newHostsCommand())
	rootCmd.AddCommand(newPoliciesCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
