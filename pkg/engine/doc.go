// Package engine implements the failsafe recovery orchestration engine.
//
// # Overview
//
// A RecoveryPlan is an ordered, dependency-aware list of steps that restores
// a service after a failure. The Orchestrator drives one run of a plan
// through these phases:
//
//  1. Loading - Fetch and validate the plan (PlanStore)
//  2. PreValidating - Evaluate prerequisites and global policies (ValidationGate)
//  3. AwaitingApproval - Wait for an operator decision (ApprovalGate)
//  4. Executing - Run steps batch by batch (DependencyResolver, BatchScheduler, StepExecutor)
//  5. RollingBack - Undo a failed run with the plan's rollback steps (RollbackController)
//  6. PostValidating - Run validation checks (ValidationGate)
//  7. Completed - Derive the overall status and persist the report (ReportEmitter)
//
// A run stopped before execution ends in Aborted instead.
//
// # Core Domain Types
//
//   - RecoveryPlan: Steps, rollback steps, prerequisites and validation checks
//   - Step: One action with timeout, retry and rollback settings
//   - ActionRef: What a step runs (command or script) and where (local or an inventory host)
//   - ExecutionContext: The mutable, checkpointed state of one run
//   - RecoveryReport: The durable record of a finished run
//   - Event: Timeline events published during a run
//
// # Ports
//
// The engine has no knowledge of shells, SSH, databases or brokers. It talks
// to them through small interfaces:
//
//   - ActionRunner: Runs an ActionRef and reports exit code and output
//   - PersistencePort: Stores plans and reports
//   - RunStateStore: Checkpoints execution contexts so runs can be resumed
//   - ApprovalPort: Requests and awaits operator decisions
//   - RunLock: Enforces one active run per plan across processes
//   - PolicyEvaluator, AssertionEvaluator: Prerequisite policies and check expressions
//   - EventPublisher, MetricsRecorder: Observability
//
// # Status Precedence
//
// The overall status of a run is the worst applicable of, from worst to best:
//
//	Aborted > RollbackFailed > RolledBack > Failed > SucceededWithWarnings > Succeeded
//
// ExitCodeFor maps a report, or the error returned instead of one, to the
// process exit taxonomy used by operator tooling.
//
// # Error Classification
//
// Errors are classified for retry decisions and exit codes:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Conflict: Another run holds the plan
//   - Permanent: Non-recoverable errors
//
//	if HasCode(err, ErrCodeNotFound) {
//	    // unknown plan or run
//	}
//
// # Example Usage
//
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
//	    Environment: "staging",
//	    Persistence: store,
//	    RunState:    store,
//	    Runner:      runner,
//	    Approvals:   approvals,
//	})
//
//	if _, err := orch.Setup(ctx, "staging", catalog); err != nil {
//	    return err
//	}
//
//	report, err := orch.Execute(ctx, "database-corruption", engine.ExecuteOptions{})
//	os.Exit(int(engine.ExitCodeFor(report, err)))
//
// # Thread Safety
//
// Orchestrator methods are safe for concurrent use. Each run is driven by the
// goroutine that called Execute or Resume; step workers write run state only
// through the orchestrator.
package engine
