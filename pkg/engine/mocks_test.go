package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// scriptedRunner executes actions according to per-command scripts.
type scriptedRunner struct {
	mu sync.Mutex

	// failures is the number of failing attempts per command; -1 fails forever
	failures map[string]int

	// delays holds how long each command runs
	delays map[string]time.Duration

	// stubborn commands ignore cancellation and run their full delay
	stubborn map[string]bool

	outputs map[string]string

	calls      map[string]int
	order      []string
	running    int
	maxRunning int

	// started receives each command as it begins, when non-nil
	started chan string
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{
		failures: make(map[string]int),
		delays:   make(map[string]time.Duration),
		stubborn: make(map[string]bool),
		outputs:  make(map[string]string),
		calls:    make(map[string]int),
	}
}

func (r *scriptedRunner) Run(ctx context.Context, ref ActionRef, _ time.Duration) (*ActionOutput, error) {
	cmd := ref.Command

	r.mu.Lock()
	r.calls[cmd]++
	n := r.calls[cmd]
	r.order = append(r.order, cmd)
	r.running++
	if r.running > r.maxRunning {
		r.maxRunning = r.running
	}
	fail := r.failures[cmd]
	delay := r.delays[cmd]
	stubborn := r.stubborn[cmd]
	out := r.outputs[cmd]
	started := r.started
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running--
		r.mu.Unlock()
	}()

	if started != nil {
		select {
		case started <- cmd:
		default:
		}
	}

	if delay > 0 {
		if stubborn {
			time.Sleep(delay)
		} else {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	if fail < 0 || n <= fail {
		return &ActionOutput{ExitCode: 1, Stderr: "boom"}, nil
	}
	return &ActionOutput{Stdout: out}, nil
}

func (r *scriptedRunner) callCount(cmd string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[cmd]
}

func (r *scriptedRunner) totalCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// memStore is an in-memory PersistencePort and RunStateStore.
type memStore struct {
	mu            sync.Mutex
	plans         map[string]RecoveryPlan
	reports       map[string]RecoveryReport
	runs          map[string]*ExecutionContext
	saveReportErr error
	reportSaves   int
}

func newMemStore(plans ...RecoveryPlan) *memStore {
	s := &memStore{
		plans:   make(map[string]RecoveryPlan),
		reports: make(map[string]RecoveryReport),
		runs:    make(map[string]*ExecutionContext),
	}
	for _, p := range plans {
		s.plans[p.ID] = p
	}
	return s
}

func (s *memStore) LoadPlan(_ context.Context, id string) (*RecoveryPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, id)
	}
	return &p, nil
}

func (s *memStore) SavePlan(_ context.Context, plan *RecoveryPlan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[plan.ID] = *plan
	return nil
}

func (s *memStore) ListPlans(_ context.Context) ([]RecoveryPlan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecoveryPlan, 0, len(s.plans))
	for _, p := range s.plans {
		out = append(out, p)
	}
	return out, nil
}

func (s *memStore) SaveReport(_ context.Context, report *RecoveryReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportSaves++
	if s.saveReportErr != nil {
		return s.saveReportErr
	}
	if _, ok := s.reports[report.RunID]; ok {
		return fmt.Errorf("%w: %s", ErrReportExists, report.RunID)
	}
	s.reports[report.RunID] = *report
	return nil
}

func (s *memStore) LoadReport(_ context.Context, runID string) (*RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReportNotFound, runID)
	}
	return &r, nil
}

func (s *memStore) ListReports(_ context.Context, planID string, limit int) ([]RecoveryReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RecoveryReport, 0, len(s.reports))
	for _, r := range s.reports {
		if planID == "" || r.PlanID == planID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SaveExecutionContext(_ context.Context, ec *ExecutionContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[ec.RunID] = ec.Clone()
	return nil
}

func (s *memStore) LoadExecutionContext(_ context.Context, runID string) (*ExecutionContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return ec.Clone(), nil
}

func (s *memStore) ActiveRunID(_ context.Context, planID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ec := range s.runs {
		if ec.PlanID == planID && !ec.Phase.IsTerminal() {
			return id, nil
		}
	}
	return "", nil
}

// memApprovals is an in-memory ApprovalPort driven by tests. The first
// decision for a token is final.
type memApprovals struct {
	mu        sync.Mutex
	tokens    map[string]string
	decisions map[string]chan *ApprovalDecision
	final     map[string]*ApprovalDecision
	requested chan string
}

func newMemApprovals() *memApprovals {
	return &memApprovals{
		tokens:    make(map[string]string),
		decisions: make(map[string]chan *ApprovalDecision),
		final:     make(map[string]*ApprovalDecision),
		requested: make(chan string, 16),
	}
}

func (a *memApprovals) RequestApproval(_ context.Context, runID string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if token, ok := a.tokens[runID]; ok {
		return token, nil
	}
	token := "token-" + runID
	a.tokens[runID] = token
	a.decisions[token] = make(chan *ApprovalDecision, 1)
	select {
	case a.requested <- token:
	default:
	}
	return token, nil
}

func (a *memApprovals) AwaitDecision(ctx context.Context, token string, timeout time.Duration) (*ApprovalDecision, error) {
	a.mu.Lock()
	ch, ok := a.decisions[token]
	final := a.final[token]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown approval token %s", token)
	}
	if final != nil {
		return final, nil
	}

	select {
	case d := <-ch:
		return d, nil
	case <-time.After(timeout):
		return a.Settle(ctx, token, &ApprovalDecision{State: ApprovalTimedOut, At: time.Now()})
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *memApprovals) Settle(_ context.Context, token string, decision *ApprovalDecision) (*ApprovalDecision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.decisions[token]
	if !ok {
		return nil, fmt.Errorf("unknown approval token %s", token)
	}
	if d, ok := a.final[token]; ok {
		return d, nil
	}
	a.final[token] = decision
	ch <- decision
	return decision, nil
}

// decision returns the final decision recorded for a token, or nil.
func (a *memApprovals) decision(token string) *ApprovalDecision {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.final[token]
}

func (a *memApprovals) decide(t *testing.T, token string, state ApprovalState) {
	t.Helper()
	if !a.send(token, state) {
		t.Fatalf("Unknown approval token %s", token)
	}
}

// send delivers a decision and is safe to call from any goroutine. A token
// that was already decided keeps its decision.
func (a *memApprovals) send(token string, state ApprovalState) bool {
	_, err := a.Settle(context.Background(), token, &ApprovalDecision{State: state, Approver: "oncall", At: time.Now()})
	return err == nil
}

// decideNext answers the next approval request from a background goroutine.
func (a *memApprovals) decideNext(state ApprovalState) {
	go func() {
		select {
		case token := <-a.requested:
			a.send(token, state)
		case <-time.After(5 * time.Second):
		}
	}()
}

// recordingPublisher captures published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event *Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return nil
}

func (p *recordingPublisher) count(typ EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func step(id string, deps ...string) Step {
	return Step{
		ID:           id,
		Name:         "Step " + id,
		Action:       ActionRef{Command: id},
		MaxRetries:   0,
		Dependencies: deps,
	}
}

func testPlan(id string, steps ...Step) RecoveryPlan {
	return RecoveryPlan{
		ID:       id,
		Name:     "Plan " + id,
		Priority: PriorityHigh,
		Steps:    steps,
	}
}

func fastExecutorConfig() StepExecutorConfig {
	return StepExecutorConfig{
		Backoff:        BackoffConfig{Strategy: BackoffFixed, Initial: time.Millisecond},
		GracePeriod:    50 * time.Millisecond,
		DefaultTimeout: 2 * time.Second,
		Logger:         zerolog.Nop(),
	}
}

func newTestOrchestrator(store *memStore, runner ActionRunner, approvals ApprovalPort, mutate func(*OrchestratorConfig)) *Orchestrator {
	cfg := OrchestratorConfig{
		Environment:     "test",
		ApprovalTimeout: 5 * time.Second,
		MaxParallel:     4,
		Persistence:     store,
		Runner:          runner,
		RunState:        store,
		Approvals:       approvals,
		Executor:        fastExecutorConfig(),
		Logger:          zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewOrchestrator(cfg)
}

func findResult(results []StepResult, id string) *StepResult {
	for i := range results {
		if results[i].StepID == id {
			return &results[i]
		}
	}
	return nil
}
