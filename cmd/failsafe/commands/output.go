package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/openfroyo/failsafe/pkg/engine"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var stdout io.Writer = os.Stdout

func printJSON(v interface{}) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
}

// colorStatus renders an overall status in a color matching its outcome.
func colorStatus(status engine.OverallStatus) string {
	switch status {
	case engine.StatusSucceeded:
		return green(string(status))
	case engine.StatusSucceededWithWarnings, engine.StatusRolledBack:
		return yellow(string(status))
	default:
		return red(string(status))
	}
}

func colorStepState(state engine.StepState) string {
	switch state {
	case engine.StepSucceeded, engine.StepRolledBack:
		return green(string(state))
	case engine.StepSkipped, engine.StepPending:
		return yellow(string(state))
	case engine.StepFailed:
		return red(string(state))
	default:
		return cyan(string(state))
	}
}

func formatDowntime(seconds int) string {
	return (time.Duration(seconds) * time.Second).String()
}

func printSummaries(summaries []engine.PlanSummary) error {
	if jsonOutput {
		return printJSON(summaries)
	}
	if len(summaries) == 0 {
		fmt.Fprintln(stdout, "No recovery plans. Run 'failsafe setup' to load a catalog.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "ID\tNAME\tPRIORITY\tEST. DOWNTIME\tSTEPS\tROLLBACK")
	for _, s := range summaries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\n",
			s.ID, s.Name, s.Priority, formatDowntime(s.EstimatedDowntimeSeconds), s.StepCount, s.RollbackStepCount)
	}
	return w.Flush()
}

func printReport(report *engine.RecoveryReport) error {
	if jsonOutput {
		return printJSON(report)
	}

	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(stdout, "%s %s%s\n", bold("Plan:"), report.PlanName, mode)
	fmt.Fprintf(stdout, "%s %s\n", bold("Run:"), report.RunID)
	fmt.Fprintf(stdout, "%s %s\n", bold("Status:"), colorStatus(report.OverallStatus))
	fmt.Fprintf(stdout, "%s %s estimated, %s actual\n", bold("Downtime:"),
		formatDowntime(report.EstimatedDowntimeSeconds),
		time.Duration(report.ActualDowntimeSeconds*float64(time.Second)).Round(time.Second))
	if report.AbortReason != "" {
		fmt.Fprintf(stdout, "%s %s\n", bold("Aborted:"), report.AbortReason)
	}

	if len(report.PrerequisiteResults) > 0 {
		fmt.Fprintf(stdout, "\n%s\n", bold("Prerequisites"))
		w := newTable()
		for _, p := range report.PrerequisiteResults {
			mark := green("✓")
			if !p.Satisfied {
				mark = red("✗")
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", mark, p.Name, p.Detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if err := printStepResults("Steps", report.StepResults); err != nil {
		return err
	}
	if err := printStepResults("Rollback", report.RollbackResults); err != nil {
		return err
	}

	if len(report.ValidationResults) > 0 {
		fmt.Fprintf(stdout, "\n%s\n", bold("Validation"))
		w := newTable()
		for _, v := range report.ValidationResults {
			mark := green("✓")
			switch {
			case v.Skipped:
				mark = yellow("-")
			case !v.Passed && v.Critical:
				mark = red("✗")
			case !v.Passed:
				mark = yellow("⚠")
			}
			detail := v.Error
			if detail == "" && !v.Passed && v.Expected != "" {
				detail = fmt.Sprintf("expected %q", v.Expected)
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\n", mark, v.Name, detail)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	if len(report.ApprovalTrail) > 0 {
		fmt.Fprintf(stdout, "\n%s\n", bold("Approval"))
		for _, e := range report.ApprovalTrail {
			line := fmt.Sprintf("  %s %s", e.Timestamp.Format(time.RFC3339), e.State)
			if e.Approver != "" {
				line += " by " + e.Approver
			}
			if e.Reason != "" {
				line += ": " + e.Reason
			}
			fmt.Fprintln(stdout, line)
		}
	}

	if len(report.Warnings) > 0 {
		fmt.Fprintf(stdout, "\n%s\n", bold("Warnings"))
		for _, warning := range report.Warnings {
			fmt.Fprintf(stdout, "  %s %s\n", yellow("⚠"), warning)
		}
	}
	return nil
}

func printStepResults(title string, results []engine.StepResult) error {
	if len(results) == 0 {
		return nil
	}
	fmt.Fprintf(stdout, "\n%s\n", bold(title))
	w := newTable()
	fmt.Fprintln(w, "  STEP\tSTATE\tATTEMPTS\tDURATION\tDETAIL")
	for _, r := range results {
		var duration time.Duration
		if r.Ran() {
			duration = r.EndedAt.Sub(r.StartedAt).Round(time.Millisecond)
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%s\t%s\n",
			r.StepID, colorStepState(r.FinalStatus), r.Attempts, duration, firstLine(r.Error))
	}
	return w.Flush()
}

func printRuns(runs []*engine.ExecutionContext) error {
	if jsonOutput {
		return printJSON(runs)
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No runs recorded.")
		return nil
	}

	w := newTable()
	fmt.Fprintln(w, "RUN\tPLAN\tPHASE\tENVIRONMENT\tDRY RUN\tUPDATED")
	for _, ec := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%s\n",
			ec.RunID, ec.PlanID, ec.Phase, ec.Environment, ec.DryRun, ec.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func printRunStatus(ec *engine.ExecutionContext) error {
	if jsonOutput {
		return printJSON(ec)
	}
	fmt.Fprintf(stdout, "%s %s\n", bold("Run:"), ec.RunID)
	fmt.Fprintf(stdout, "%s %s\n", bold("Plan:"), ec.PlanID)
	fmt.Fprintf(stdout, "%s %s\n", bold("Phase:"), ec.Phase)
	if ec.Approval.State != "" && ec.Approval.State != engine.ApprovalNotRequired {
		fmt.Fprintf(stdout, "%s %s", bold("Approval:"), ec.Approval.State)
		if !ec.Approval.Deadline.IsZero() && ec.Approval.State == engine.ApprovalPending {
			fmt.Fprintf(stdout, " (deadline %s)", ec.Approval.Deadline.Format(time.RFC3339))
		}
		fmt.Fprintln(stdout)
	}

	counts := ec.CountStates()
	summary := make([]string, 0, len(counts))
	for _, state := range sortedKeys(counts) {
		summary = append(summary, fmt.Sprintf("%d %s", counts[state], state))
	}
	if len(summary) > 0 {
		fmt.Fprintf(stdout, "%s %s\n", bold("Steps:"), strings.Join(summary, ", "))
	}

	w := newTable()
	fmt.Fprintln(w, "\n  STEP\tSTATE")
	for _, id := range sortedKeys(ec.StepStates) {
		fmt.Fprintf(w, "  %s\t%s\n", id, colorStepState(ec.StepStates[id]))
	}
	for _, id := range sortedKeys(ec.RollbackStates) {
		fmt.Fprintf(w, "  %s (rollback)\t%s\n", id, colorStepState(ec.RollbackStates[id]))
	}
	return w.Flush()
}

func printEvents(events []engine.Event) error {
	if jsonOutput {
		return printJSON(events)
	}
	w := newTable()
	fmt.Fprintln(w, "TIME\tTYPE\tSTEP\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("15:04:05.000"), e.Type, e.StepID, e.Message)
	}
	return w.Flush()
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
