package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// ReportEmitter aggregates a finished run into a RecoveryReport and persists it.
type ReportEmitter struct {
	persistence PersistencePort
	logger      zerolog.Logger
}

// NewReportEmitter creates a report emitter.
func NewReportEmitter(persistence PersistencePort, logger zerolog.Logger) *ReportEmitter {
	return &ReportEmitter{
		persistence: persistence,
		logger:      logger.With().Str("component", "report-emitter").Logger(),
	}
}

// Build derives the report of a completed or aborted run. It does not mutate ec.
func (r *ReportEmitter) Build(plan *RecoveryPlan, ec *ExecutionContext, now time.Time) *RecoveryReport {
	report := &RecoveryReport{
		PlanID:                   plan.ID,
		PlanName:                 plan.Name,
		RunID:                    ec.RunID,
		Environment:              ec.Environment,
		DryRun:                   ec.DryRun,
		EstimatedDowntimeSeconds: plan.EstimatedDowntimeSeconds,
		StepResults:              append([]StepResult(nil), ec.Results...),
		RollbackResults:          append([]StepResult(nil), ec.RollbackResults...),
		PrerequisiteResults:      append([]PrerequisiteResult(nil), ec.PrerequisiteResults...),
		ValidationResults:        append([]ValidationResult(nil), ec.ValidationResults...),
		ApprovalTrail:            append([]ApprovalEvent(nil), ec.Approval.Trail...),
		Warnings:                 append([]string(nil), ec.Warnings...),
		AbortReason:              ec.AbortReason,
		StartedAt:                ec.CreatedAt,
		CompletedAt:              now,
		CreatedAt:                now,
	}

	report.OverallStatus = DeriveStatus(ec)
	report.ActualDowntimeSeconds = ActualDowntime(report.StepResults, report.RollbackResults).Seconds()

	for _, v := range report.ValidationResults {
		if !v.Passed && !v.Critical {
			report.Warnings = append(report.Warnings, "non-critical validation check failed: "+v.Name)
		}
	}
	return report
}

// DeriveStatus computes the overall status of a run. The most severe
// applicable status wins: Aborted, RollbackFailed, RolledBack, Failed,
// SucceededWithWarnings, Succeeded.
func DeriveStatus(ec *ExecutionContext) OverallStatus {
	if ec.AbortReason != "" {
		return StatusAborted
	}

	status := StatusSucceeded
	if ec.RollbackOutcome != "" {
		status = status.Worse(ec.RollbackOutcome)
	}
	for _, res := range ec.Results {
		if res.FinalStatus == StepFailed {
			status = status.Worse(StatusFailed)
		}
	}
	for _, v := range ec.ValidationResults {
		if v.Passed {
			continue
		}
		if v.Critical {
			status = status.Worse(StatusFailed)
		} else {
			status = status.Worse(StatusSucceededWithWarnings)
		}
	}
	return status
}

// ActualDowntime spans from the earliest step start to the latest step or
// rollback end. Steps that never ran do not count.
func ActualDowntime(results ...[]StepResult) time.Duration {
	var first, last time.Time
	for _, set := range results {
		for i := range set {
			res := &set[i]
			if !res.Ran() {
				continue
			}
			if first.IsZero() || res.StartedAt.Before(first) {
				first = res.StartedAt
			}
			if res.EndedAt.After(last) {
				last = res.EndedAt
			}
		}
	}
	if first.IsZero() || last.Before(first) {
		return 0
	}
	return last.Sub(first)
}

// Emit persists the report exactly once. A failure is returned as a
// *ReportPersistError and is never retried here.
func (r *ReportEmitter) Emit(ctx context.Context, report *RecoveryReport) error {
	if r.persistence == nil {
		return &ReportPersistError{RunID: report.RunID, Err: errors.New("no persistence port configured")}
	}
	if err := r.persistence.SaveReport(ctx, report); err != nil {
		r.logger.Error().
			Err(err).
			Str("run_id", report.RunID).
			Str("plan_id", report.PlanID).
			Msg("Failed to persist recovery report")
		return &ReportPersistError{RunID: report.RunID, Err: err}
	}

	r.logger.Info().
		Str("run_id", report.RunID).
		Str("plan_id", report.PlanID).
		Str("status", string(report.OverallStatus)).
		Float64("downtime_seconds", report.ActualDowntimeSeconds).
		Msg("Recovery report emitted")
	return nil
}

// ExitCodeFor maps the outcome of Execute to the operator exit taxonomy.
// report may be nil when the run never started.
func ExitCodeFor(report *RecoveryReport, err error) ExitCode {
	var persistErr *ReportPersistError
	if err != nil && !errors.As(err, &persistErr) {
		var invalid *PlanInvalidError
		switch {
		case errors.As(err, &invalid), errors.Is(err, ErrPlanNotFound), HasCode(err, ErrCodeNotFound), HasCode(err, ErrCodeValidation):
			return ExitPlanInvalid
		case errors.Is(err, ErrAwaitingApproval):
			return ExitApprovalRejectedOrTimedOut
		}
		if report == nil {
			return ExitExecutionFailure
		}
	}
	if report == nil {
		return ExitExecutionFailure
	}

	switch report.OverallStatus {
	case StatusSucceeded, StatusSucceededWithWarnings:
		if persistErr != nil {
			return ExitExecutionFailure
		}
		return ExitSuccess
	case StatusAborted:
		if approvalDenied(report.ApprovalTrail) {
			return ExitApprovalRejectedOrTimedOut
		}
		return ExitExecutionFailure
	case StatusRollbackFailed:
		return ExitRollbackFailure
	default:
		return ExitExecutionFailure
	}
}

func approvalDenied(trail []ApprovalEvent) bool {
	if len(trail) == 0 {
		return false
	}
	last := trail[len(trail)-1].State
	return last == ApprovalRejected || last == ApprovalTimedOut
}
