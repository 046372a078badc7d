package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// ExecuteOptions controls a single run.
type ExecuteOptions struct {
	// DryRun substitutes a no-op action runner and skips approval.
	DryRun bool

	// SkipApproval bypasses the approval gate.
	SkipApproval bool

	// NoWait returns ErrAwaitingApproval at the approval gate instead of
	// blocking. The run is resumed later with Resume.
	NoWait bool

	// RunID overrides the generated run ID.
	RunID string
}

// OrchestratorConfig wires the orchestrator to its collaborators.
type OrchestratorConfig struct {
	// Environment is recorded on every run and exposed to policies.
	Environment string

	// RequireApproval puts every non-dry run behind the approval gate.
	RequireApproval bool

	// ApprovalTimeout bounds the approval wait.
	ApprovalTimeout time.Duration

	// MaxParallel bounds concurrently executing steps of one batch.
	MaxParallel int

	Persistence PersistencePort
	Runner      ActionRunner

	// DryRunner replaces Runner in dry runs. Defaults to a no-op runner.
	DryRunner ActionRunner

	// RunState checkpoints runs. Without it runs cannot be suspended or resumed.
	RunState RunStateStore

	Approvals ApprovalPort

	// Lock enforces one active run per plan across processes. Optional; the
	// in-process guard always applies.
	Lock RunLock

	Executor   StepExecutorConfig
	Validation ValidationGateConfig

	Logger    zerolog.Logger
	Metrics   MetricsRecorder
	Publisher EventPublisher
}

// Orchestrator is the top-level state machine of a recovery run.
type Orchestrator struct {
	environment     string
	requireApproval bool

	plans       *PlanStore
	resolver    *DependencyResolver
	scheduler   *BatchScheduler
	executor    *StepExecutor
	validation  *ValidationGate
	approval    *ApprovalGate
	rollback    *RollbackController
	reports     *ReportEmitter
	persistence PersistencePort
	runner      ActionRunner
	dryRunner   ActionRunner
	runState    RunStateStore
	lock        RunLock

	logger    zerolog.Logger
	metrics   MetricsRecorder
	publisher EventPublisher

	mu     sync.Mutex
	active map[string]*activeRun // by plan ID
	runs   map[string]*activeRun // by run ID
}

// activeRun is a run owned by this process. Only the orchestrator goroutine
// driving the run and its step workers write ec, always under mu.
type activeRun struct {
	mu     sync.RWMutex
	plan   *RecoveryPlan
	ec     *ExecutionContext
	cancel context.CancelFunc
}

func (r *activeRun) update(fn func(ec *ExecutionContext)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.ec)
	r.ec.UpdatedAt = time.Now()
}

func (r *activeRun) snapshot() *ExecutionContext {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ec.Clone()
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
	if cfg.DryRunner == nil {
		cfg.DryRunner = noopRunner{}
	}
	if cfg.Executor.Metrics == nil {
		cfg.Executor.Metrics = cfg.Metrics
	}
	if cfg.Executor.Publisher == nil {
		cfg.Executor.Publisher = cfg.Publisher
	}
	cfg.Executor.Logger = cfg.Logger
	if cfg.Validation.Metrics == nil {
		cfg.Validation.Metrics = cfg.Metrics
	}
	if cfg.Validation.MaxParallel == 0 {
		cfg.Validation.MaxParallel = cfg.MaxParallel
	}
	cfg.Validation.Logger = cfg.Logger

	resolver := NewDependencyResolver()
	scheduler := NewBatchScheduler(cfg.MaxParallel)
	executor := NewStepExecutor(cfg.Executor)

	return &Orchestrator{
		environment:     cfg.Environment,
		requireApproval: cfg.RequireApproval,
		plans:           NewPlanStore(cfg.Persistence, cfg.Logger),
		resolver:        resolver,
		scheduler:       scheduler,
		executor:        executor,
		validation:      NewValidationGate(cfg.Validation),
		approval:        NewApprovalGate(cfg.Approvals, cfg.ApprovalTimeout, cfg.Logger, cfg.Metrics),
		rollback:        NewRollbackController(resolver, executor, scheduler, cfg.Logger),
		reports:         NewReportEmitter(cfg.Persistence, cfg.Logger),
		persistence:     cfg.Persistence,
		runner:          cfg.Runner,
		dryRunner:       cfg.DryRunner,
		runState:        cfg.RunState,
		lock:            cfg.Lock,
		logger:          cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:         cfg.Metrics,
		publisher:       cfg.Publisher,
		active:          make(map[string]*activeRun),
		runs:            make(map[string]*activeRun),
	}
}

// Plans returns the plan store used by the orchestrator.
func (o *Orchestrator) Plans() *PlanStore {
	return o.plans
}

// Resolver returns the dependency resolver used by the orchestrator.
func (o *Orchestrator) Resolver() *DependencyResolver {
	return o.resolver
}

// Setup validates every plan of the catalog and, only if all of them are
// valid, persists them. It returns the stored catalog's summaries.
func (o *Orchestrator) Setup(ctx context.Context, environment string, catalog []RecoveryPlan) ([]PlanSummary, error) {
	seen := make(map[string]bool, len(catalog))
	for i := range catalog {
		if seen[catalog[i].ID] {
			return nil, &PlanInvalidError{PlanID: catalog[i].ID, Reason: "duplicate plan ID in catalog"}
		}
		seen[catalog[i].ID] = true
		if err := o.plans.Validate(&catalog[i]); err != nil {
			return nil, err
		}
	}

	for i := range catalog {
		if err := o.plans.Save(ctx, &catalog[i]); err != nil {
			return nil, err
		}
	}

	o.logger.Info().
		Str("environment", environment).
		Int("plans", len(catalog)).
		Msg("Recovery catalog set up")
	return o.plans.List(ctx)
}

// List returns summaries of every stored plan.
func (o *Orchestrator) List(ctx context.Context) ([]PlanSummary, error) {
	return o.plans.List(ctx)
}

// History returns persisted reports, newest first.
func (o *Orchestrator) History(ctx context.Context, planID string, limit int) ([]RecoveryReport, error) {
	return o.persistence.ListReports(ctx, planID, limit)
}

// Execute runs a plan end to end and returns its report. Errors returned
// without a report mean the run never started: the plan is invalid or unknown,
// or the plan already has an active run. With NoWait, a run that reaches the
// approval gate returns ErrAwaitingApproval and a nil report. A report is
// returned together with a *ReportPersistError when it could not be persisted.
func (o *Orchestrator) Execute(ctx context.Context, planID string, opts ExecuteOptions) (*RecoveryReport, error) {
	if opts.NoWait && o.runState == nil {
		return nil, NewPermanentError("cannot suspend a run without a run state store", nil).
			WithCode(ErrCodeNotResumable).
			WithResource(planID)
	}

	plan, err := o.plans.Load(ctx, planID)
	if err != nil {
		return nil, err
	}

	runID := opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	run := &activeRun{
		plan: plan,
		ec:   NewExecutionContext(plan, runID, o.environment, opts, time.Now()),
	}
	run.ec.Phase = PhaseLoading

	release, err := o.claim(ctx, run, true)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "recovery.execute")
	span.SetAttributes(
		attribute.String("plan.id", plan.ID),
		attribute.String("run.id", runID),
		attribute.Bool("run.dry_run", opts.DryRun),
	)
	defer span.End()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run.cancel = cancel

	o.logger.Info().
		Str("run_id", runID).
		Str("plan_id", plan.ID).
		Str("environment", o.environment).
		Bool("dry_run", opts.DryRun).
		Msg("Starting recovery run")
	o.metrics.RecordRunStarted(plan.ID)
	o.publish(ctx, run, EventRunStarted, "", fmt.Sprintf("Started recovery plan %s", plan.Name),
		map[string]interface{}{"dry_run": opts.DryRun, "environment": o.environment})

	o.setPhase(ctx, run, PhasePreValidating)
	prereqs, err := o.validation.PreValidate(ctx, plan, o.environment, o.runnerFor(run.ec))
	run.update(func(ec *ExecutionContext) { ec.PrerequisiteResults = prereqs })
	if err != nil {
		o.abort(ctx, run, err.Error())
		return o.finish(ctx, run)
	}

	if !o.approval.Required(o.requireApproval, opts) {
		return o.executeAndFinish(ctx, run)
	}

	snap := run.snapshot()
	if err := o.approval.Request(ctx, snap); err != nil {
		o.abort(ctx, run, fmt.Sprintf("approval request failed: %v", err))
		return o.finish(ctx, run)
	}
	run.update(func(ec *ExecutionContext) { ec.Approval = snap.Approval })
	if err := o.enterPhase(ctx, run, PhaseAwaitingApproval); err != nil {
		o.abort(ctx, run, fmt.Sprintf("failed to persist approval suspension point: %v", err))
		return o.finish(ctx, run)
	}
	o.publish(ctx, run, EventApprovalRequested, "", "Waiting for operator approval",
		map[string]interface{}{"token": snap.Approval.Token, "deadline": snap.Approval.Deadline})

	if opts.NoWait {
		o.logger.Info().Str("run_id", runID).Msg("Run suspended awaiting approval")
		return nil, ErrAwaitingApproval
	}
	return o.awaitAndContinue(ctx, run)
}

// Resume continues a run suspended at the approval gate, possibly by another
// process, and blocks until it finishes.
func (o *Orchestrator) Resume(ctx context.Context, runID string) (*RecoveryReport, error) {
	ec, plan, err := o.loadSuspended(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ec.Phase != PhaseAwaitingApproval {
		return nil, NewPermanentError(fmt.Sprintf("run is in phase %s, only runs awaiting approval can be resumed", ec.Phase), nil).
			WithCode(ErrCodeNotResumable).
			WithResource(runID)
	}

	run := &activeRun{plan: plan, ec: ec}
	release, err := o.claim(ctx, run, false)
	if err != nil {
		return nil, err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	run.cancel = cancel

	o.logger.Info().Str("run_id", runID).Str("plan_id", plan.ID).Msg("Resuming run")
	return o.awaitAndContinue(ctx, run)
}

// Abort stops a run. A run owned by this process is cancelled and its Execute
// or Resume call returns the report. A suspended or orphaned run is finished
// here as Aborted and its report is returned; a pending approval is settled as
// rejected so that a process still waiting on it stops without running steps.
func (o *Orchestrator) Abort(ctx context.Context, runID string) (*RecoveryReport, error) {
	o.mu.Lock()
	run := o.runs[runID]
	o.mu.Unlock()
	if run != nil {
		o.logger.Warn().Str("run_id", runID).Msg("Abort requested for active run")
		if run.cancel != nil {
			run.cancel()
		}
		return nil, nil
	}

	ec, plan, err := o.loadSuspended(ctx, runID)
	if err != nil {
		return nil, err
	}
	if ec.Phase.IsTerminal() {
		return nil, NewConflictError("run already finished", nil).
			WithCode(ErrCodeNotResumable).
			WithResource(runID)
	}

	run = &activeRun{plan: plan, ec: ec}
	release, err := o.claim(ctx, run, false)
	if err != nil {
		return nil, err
	}
	defer release()

	if ec.Phase != PhaseAwaitingApproval {
		o.abort(ctx, run, fmt.Sprintf("run interrupted during %s", ec.Phase))
		return o.finish(ctx, run)
	}

	// The aborted checkpoint lands before the approval is settled, so a waiter
	// woken by the rejection finds the run already finished.
	o.abort(ctx, run, "aborted by operator while awaiting approval")
	if _, err := o.approval.Withdraw(ctx, run.snapshot(), "aborted by operator"); err != nil {
		o.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to settle pending approval")
		run.update(func(ec *ExecutionContext) {
			ec.Warnings = append(ec.Warnings, fmt.Sprintf("pending approval not withdrawn: %v", err))
		})
	}
	return o.finish(ctx, run)
}

// Snapshot returns a read-only copy of a run's execution context.
func (o *Orchestrator) Snapshot(ctx context.Context, runID string) (*ExecutionContext, error) {
	o.mu.Lock()
	run := o.runs[runID]
	o.mu.Unlock()
	if run != nil {
		return run.snapshot(), nil
	}
	if o.runState == nil {
		return nil, NewNotFoundError("run", runID, ErrRunNotFound)
	}
	ec, err := o.runState.LoadExecutionContext(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, NewNotFoundError("run", runID, err)
		}
		return nil, err
	}
	return ec, nil
}

// ActiveRuns returns snapshots of every run owned by this process.
func (o *Orchestrator) ActiveRuns() []*ExecutionContext {
	o.mu.Lock()
	runs := make([]*activeRun, 0, len(o.runs))
	for _, r := range o.runs {
		runs = append(runs, r)
	}
	o.mu.Unlock()

	out := make([]*ExecutionContext, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.snapshot())
	}
	return out
}

// claim registers run as the plan's single active run. fresh runs also check
// the run state store for suspended runs of the same plan.
func (o *Orchestrator) claim(ctx context.Context, run *activeRun, fresh bool) (func(), error) {
	planID, runID := run.plan.ID, run.ec.RunID

	o.mu.Lock()
	if existing, ok := o.active[planID]; ok {
		o.mu.Unlock()
		return nil, NewRunActiveError(planID, existing.ec.RunID)
	}
	o.active[planID] = run
	o.runs[runID] = run
	o.mu.Unlock()

	unregister := func() {
		o.mu.Lock()
		delete(o.active, planID)
		delete(o.runs, runID)
		o.mu.Unlock()
	}

	var releaseLock func(context.Context) error
	if o.lock != nil {
		rel, err := o.lock.Acquire(ctx, planID, runID)
		if err != nil {
			unregister()
			return nil, err
		}
		releaseLock = rel
	}

	release := func() {
		if releaseLock != nil {
			if err := releaseLock(context.WithoutCancel(ctx)); err != nil {
				o.logger.Warn().Err(err).Str("plan_id", planID).Msg("Failed to release run lock")
			}
		}
		unregister()
	}

	if fresh && o.runState != nil {
		activeID, err := o.runState.ActiveRunID(ctx, planID)
		if err != nil {
			release()
			return nil, NewTransientError("failed to check for active runs", err).
				WithCode(ErrCodePersistence).
				WithResource(planID)
		}
		if activeID != "" && activeID != runID {
			release()
			return nil, NewRunActiveError(planID, activeID)
		}
	}

	return release, nil
}

func (o *Orchestrator) loadSuspended(ctx context.Context, runID string) (*ExecutionContext, *RecoveryPlan, error) {
	if o.runState == nil {
		return nil, nil, NewPermanentError("no run state store configured", nil).
			WithCode(ErrCodeNotResumable).
			WithResource(runID)
	}
	ec, err := o.runState.LoadExecutionContext(ctx, runID)
	if err != nil {
		if errors.Is(err, ErrRunNotFound) {
			return nil, nil, NewNotFoundError("run", runID, err)
		}
		return nil, nil, NewTransientError("failed to load run", err).
			WithCode(ErrCodePersistence).
			WithResource(runID)
	}
	plan, err := o.plans.Load(ctx, ec.PlanID)
	if err != nil {
		return nil, nil, err
	}
	return ec, plan, nil
}

func (o *Orchestrator) awaitAndContinue(ctx context.Context, run *activeRun) (*RecoveryReport, error) {
	snap := run.snapshot()
	state, err := o.approval.Await(ctx, snap)
	if err != nil {
		o.abort(ctx, run, fmt.Sprintf("approval wait interrupted: %v", err))
		if ctx.Err() != nil {
			if _, werr := o.approval.Withdraw(context.WithoutCancel(ctx), snap, "aborted by operator"); werr != nil {
				o.logger.Warn().Err(werr).Str("run_id", snap.RunID).Msg("Failed to settle pending approval")
			}
		}
		return o.finish(ctx, run)
	}

	phase, err := o.checkpointedPhase(ctx, snap.RunID)
	if err != nil {
		o.abort(ctx, run, fmt.Sprintf("could not confirm run state after approval: %v", err))
		return o.finish(ctx, run)
	}
	if phase != PhaseAwaitingApproval {
		return o.leaveToOwner(ctx, snap.RunID, phase)
	}

	run.update(func(ec *ExecutionContext) { ec.Approval = snap.Approval })
	o.publish(ctx, run, EventApprovalDecided, "", fmt.Sprintf("Approval %s", state),
		map[string]interface{}{"state": string(state)})
	if err := o.checkpoint(ctx, run); err != nil {
		o.logger.Warn().Err(err).Str("run_id", snap.RunID).Msg("Failed to checkpoint approval decision")
	}

	switch state {
	case ApprovalApproved:
		return o.executeAndFinish(ctx, run)
	case ApprovalRejected:
		o.abort(ctx, run, "approval rejected")
	default:
		o.abort(ctx, run, "approval timed out")
	}
	return o.finish(ctx, run)
}

// checkpointedPhase returns the phase recorded in the run state store. Without
// a store this process is the only writer and the run is still at the gate.
func (o *Orchestrator) checkpointedPhase(ctx context.Context, runID string) (Phase, error) {
	if o.runState == nil {
		return PhaseAwaitingApproval, nil
	}
	ec, err := o.runState.LoadExecutionContext(context.WithoutCancel(ctx), runID)
	if err != nil {
		return "", err
	}
	return ec.Phase, nil
}

// leaveToOwner gives up a run that another process moved past the approval
// gate while this one was waiting. Nothing is written for the run; its stored
// report is returned when one exists.
func (o *Orchestrator) leaveToOwner(ctx context.Context, runID string, phase Phase) (*RecoveryReport, error) {
	o.logger.Warn().
		Str("run_id", runID).
		Str("phase", string(phase)).
		Msg("Run left the approval gate elsewhere, not continuing")

	conflict := NewConflictError(fmt.Sprintf("run moved to phase %s in another process", phase), nil).
		WithCode(ErrCodeNotResumable).
		WithResource(runID)
	if o.persistence == nil {
		return nil, conflict
	}
	report, err := o.persistence.LoadReport(context.WithoutCancel(ctx), runID)
	if err != nil {
		return nil, conflict
	}
	return report, conflict
}

func (o *Orchestrator) executeAndFinish(ctx context.Context, run *activeRun) (*RecoveryReport, error) {
	o.setPhase(ctx, run, PhaseExecuting)
	trigger := o.executeSteps(ctx, run)

	// Rollback and post-validation run to completion even after an operator abort.
	safeCtx := context.WithoutCancel(ctx)
	if trigger != "" {
		o.rollbackRun(safeCtx, run, trigger)
	}

	o.setPhase(safeCtx, run, PhasePostValidating)
	dryRun := run.ec.DryRun
	results := o.validation.PostValidate(safeCtx, run.plan, o.runnerFor(run.ec), dryRun)
	run.update(func(ec *ExecutionContext) { ec.ValidationResults = results })
	for _, r := range results {
		if !r.Passed {
			o.publish(safeCtx, run, EventValidationFailed, "", fmt.Sprintf("Validation check %s failed", r.Name),
				map[string]interface{}{"critical": r.Critical, "error": r.Error})
		}
	}

	return o.finish(ctx, run)
}

// executeSteps runs the forward steps batch by batch and returns the rollback
// trigger, or "" when no rollback is needed.
func (o *Orchestrator) executeSteps(ctx context.Context, run *activeRun) string {
	plan := run.plan
	batches, err := o.resolver.ComputeBatches(plan.Steps)
	if err != nil {
		// Plans are validated on load; treat a late failure like an aborted run.
		o.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("Failed to compute batches")
		run.update(func(ec *ExecutionContext) {
			ec.Warnings = append(ec.Warnings, fmt.Sprintf("execution not started: %v", err))
		})
		o.skipRemaining(ctx, run, "execution not started: dependency graph invalid")
		return ""
	}

	steps := make(map[string]*Step, len(plan.Steps))
	for i := range plan.Steps {
		steps[plan.Steps[i].ID] = &plan.Steps[i]
	}
	results := make(map[string]StepResult, len(plan.Steps))
	var resultsMu sync.Mutex
	runner := o.runnerFor(run.ec)
	trigger := ""

	for level, ids := range batches {
		if trigger != "" {
			break
		}
		if ctx.Err() != nil {
			trigger = "operator abort"
			break
		}

		batch := make([]*Step, 0, len(ids))
		for _, id := range ids {
			if o.stepState(run, id) != StepPending {
				continue
			}
			o.setStepState(ctx, run, id, StepReady, "")
			batch = append(batch, steps[id])
		}

		o.logger.Debug().
			Str("run_id", run.ec.RunID).
			Int("batch", level).
			Int("steps", len(batch)).
			Msg("Executing batch")

		undispatched := o.scheduler.RunBatch(ctx, batch, func(ctx context.Context, step *Step) {
			o.setStepState(ctx, run, step.ID, StepRunning, "")
			res := o.executor.Execute(ctx, step, runner, StepRun{PlanID: plan.ID, RunID: run.ec.RunID})
			resultsMu.Lock()
			results[step.ID] = res
			resultsMu.Unlock()
			o.setStepState(ctx, run, step.ID, res.FinalStatus, "")
		})

		for _, id := range undispatched {
			results[id] = skippedResult(steps[id], "not started: run aborted")
			o.setStepState(ctx, run, id, StepSkipped, "run aborted")
		}

		// Barrier reached: every dispatched step of the batch is terminal.
		for _, id := range ids {
			res, ok := results[id]
			if !ok || res.FinalStatus != StepFailed {
				continue
			}
			for _, depID := range o.resolver.Dependents(plan.Steps, id) {
				if o.stepState(run, depID) != StepPending {
					continue
				}
				reason := fmt.Sprintf("dependency %s did not succeed", id)
				results[depID] = skippedResult(steps[depID], reason)
				o.setStepState(ctx, run, depID, StepSkipped, reason)
			}
			if trigger == "" && (steps[id].RollbackOnFailure || res.CancelUnconfirmed) {
				trigger = describeTrigger(id, res.CancelUnconfirmed)
			}
		}

		o.recordResults(run, batches, results)
		if err := o.checkpoint(ctx, run); err != nil {
			o.logger.Warn().Err(err).Str("run_id", run.ec.RunID).Msg("Failed to checkpoint run")
		}
	}

	if trigger == "" && ctx.Err() != nil {
		trigger = "operator abort"
	}
	if trigger != "" {
		reason := "not started: rollback triggered by " + trigger
		for _, id := range plan.Steps {
			if o.stepState(run, id.ID) == StepPending {
				results[id.ID] = skippedResult(steps[id.ID], reason)
				o.setStepState(ctx, run, id.ID, StepSkipped, reason)
			}
		}
		o.recordResults(run, batches, results)
	}
	return trigger
}

// recordResults stores results on the context in batch order, then declaration order.
func (o *Orchestrator) recordResults(run *activeRun, batches [][]string, results map[string]StepResult) {
	ordered := make([]StepResult, 0, len(results))
	for _, ids := range batches {
		for _, id := range ids {
			if res, ok := results[id]; ok {
				ordered = append(ordered, res)
			}
		}
	}
	run.update(func(ec *ExecutionContext) { ec.Results = ordered })
}

func (o *Orchestrator) rollbackRun(ctx context.Context, run *activeRun, trigger string) {
	o.setPhase(ctx, run, PhaseRollingBack)
	run.update(func(ec *ExecutionContext) { ec.RollbackTrigger = trigger })
	o.publish(ctx, run, EventRollbackStarted, "", fmt.Sprintf("Rollback triggered: %s", trigger), nil)

	results, outcome := o.rollback.Execute(ctx, run.plan, RollbackRun{
		PlanID:  run.plan.ID,
		RunID:   run.ec.RunID,
		Trigger: trigger,
		Runner:  o.runnerFor(run.ec),
		OnState: func(stepID string, state StepState) {
			run.update(func(ec *ExecutionContext) { ec.RollbackStates[stepID] = state })
		},
	})

	run.update(func(ec *ExecutionContext) {
		ec.RollbackResults = results
		ec.RollbackOutcome = outcome
		if len(run.plan.RollbackSteps) == 0 {
			ec.Warnings = append(ec.Warnings, "rollback triggered but plan defines no rollback steps")
		}
		if outcome != StatusRolledBack {
			return
		}
		for i := range ec.Results {
			if ec.Results[i].FinalStatus == StepSucceeded {
				ec.Results[i].FinalStatus = StepRolledBack
				ec.StepStates[ec.Results[i].StepID] = StepRolledBack
			}
		}
	})

	if err := o.checkpoint(ctx, run); err != nil {
		o.logger.Warn().Err(err).Str("run_id", run.ec.RunID).Msg("Failed to checkpoint rollback")
	}
}

// abort records why the run stopped before execution.
func (o *Orchestrator) abort(ctx context.Context, run *activeRun, reason string) {
	o.logger.Warn().Str("run_id", run.ec.RunID).Str("reason", reason).Msg("Run aborted")
	run.update(func(ec *ExecutionContext) {
		ec.AbortReason = reason
	})
	o.skipRemaining(ctx, run, reason)
	o.setPhase(context.WithoutCancel(ctx), run, PhaseAborted)
}

func (o *Orchestrator) skipRemaining(ctx context.Context, run *activeRun, reason string) {
	for i := range run.plan.Steps {
		id := run.plan.Steps[i].ID
		if o.stepState(run, id) == StepPending {
			o.setStepState(ctx, run, id, StepSkipped, reason)
		}
	}
}

// finish builds, persists and publishes the report. The report is returned even
// when persisting it failed.
func (o *Orchestrator) finish(ctx context.Context, run *activeRun) (*RecoveryReport, error) {
	ctx = context.WithoutCancel(ctx)

	run.mu.Lock()
	if run.ec.AbortReason == "" {
		run.ec.Phase = PhaseCompleted
	}
	report := o.reports.Build(run.plan, run.ec, time.Now())
	run.mu.Unlock()

	emitErr := o.reports.Emit(ctx, report)
	if emitErr != nil {
		run.update(func(ec *ExecutionContext) {
			ec.Warnings = append(ec.Warnings, emitErr.Error())
		})
	}

	o.setPhase(ctx, run, PhaseReportEmitted)

	duration := report.CompletedAt.Sub(report.StartedAt)
	o.metrics.RecordRunCompleted(report.PlanID, string(report.OverallStatus), duration)
	o.publish(ctx, run, EventRunCompleted, "", fmt.Sprintf("Recovery run finished: %s", report.OverallStatus),
		map[string]interface{}{
			"status":           string(report.OverallStatus),
			"downtime_seconds": report.ActualDowntimeSeconds,
		})

	o.logger.Info().
		Str("run_id", report.RunID).
		Str("plan_id", report.PlanID).
		Str("status", string(report.OverallStatus)).
		Dur("duration", duration).
		Msg("Recovery run finished")
	return report, emitErr
}

func (o *Orchestrator) runnerFor(ec *ExecutionContext) ActionRunner {
	if ec.DryRun {
		return o.dryRunner
	}
	if o.runner == nil {
		o.logger.Warn().Str("run_id", ec.RunID).Msg("No action runner configured, using no-op runner")
		return o.dryRunner
	}
	return o.runner
}

func (o *Orchestrator) stepState(run *activeRun, id string) StepState {
	run.mu.RLock()
	defer run.mu.RUnlock()
	return run.ec.StepStates[id]
}

func (o *Orchestrator) setStepState(ctx context.Context, run *activeRun, id string, state StepState, reason string) {
	run.update(func(ec *ExecutionContext) { ec.StepStates[id] = state })
	if state == StepSkipped {
		o.metrics.RecordStepFinished(run.plan.ID, string(StepSkipped), false)
		o.publish(ctx, run, EventStepSkipped, id, fmt.Sprintf("Skipped %s: %s", id, reason), nil)
	}
}

func (o *Orchestrator) setPhase(ctx context.Context, run *activeRun, phase Phase) {
	if err := o.enterPhase(ctx, run, phase); err != nil {
		o.logger.Warn().Err(err).Str("run_id", run.ec.RunID).Str("phase", string(phase)).Msg("Failed to checkpoint phase change")
	}
}

// enterPhase moves run to phase and checkpoints it.
func (o *Orchestrator) enterPhase(ctx context.Context, run *activeRun, phase Phase) error {
	var from Phase
	run.update(func(ec *ExecutionContext) {
		from = ec.Phase
		ec.Phase = phase
	})
	o.logger.Debug().
		Str("run_id", run.ec.RunID).
		Str("from", string(from)).
		Str("to", string(phase)).
		Msg("Phase changed")
	o.publish(ctx, run, EventPhaseChanged, "", fmt.Sprintf("Phase %s -> %s", from, phase),
		map[string]interface{}{"from": string(from), "to": string(phase)})
	return o.checkpoint(ctx, run)
}

// checkpoint persists a copy of the run's context.
func (o *Orchestrator) checkpoint(ctx context.Context, run *activeRun) error {
	if o.runState == nil {
		return nil
	}
	return o.runState.SaveExecutionContext(context.WithoutCancel(ctx), run.snapshot())
}

func (o *Orchestrator) publish(ctx context.Context, run *activeRun, typ EventType, stepID, msg string, data map[string]interface{}) {
	if err := o.publisher.Publish(context.WithoutCancel(ctx), &Event{
		RunID:     run.ec.RunID,
		PlanID:    run.plan.ID,
		StepID:    stepID,
		Type:      typ,
		Message:   msg,
		Timestamp: time.Now(),
		Data:      data,
	}); err != nil {
		o.logger.Debug().Err(err).Str("event", string(typ)).Msg("Failed to publish event")
	}
}

func skippedResult(step *Step, reason string) StepResult {
	return StepResult{
		StepID:      step.ID,
		Name:        step.Name,
		FinalStatus: StepSkipped,
		Error:       reason,
	}
}
