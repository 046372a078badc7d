package engine

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestStepExecutor_Execute_Success(t *testing.T) {
	runner := newScriptedRunner()
	runner.outputs["restore"] = "restored"
	s := step("restore")

	res := NewStepExecutor(fastExecutorConfig()).Execute(context.Background(), &s, runner, StepRun{PlanID: "p", RunID: "r"})

	if res.FinalStatus != StepSucceeded {
		t.Fatalf("Expected succeeded, got %s (%s)", res.FinalStatus, res.Error)
	}
	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", res.Attempts)
	}
	if res.SucceededOnAttempt != 1 {
		t.Errorf("Expected success on attempt 1, got %d", res.SucceededOnAttempt)
	}
	if res.Stdout != "restored" {
		t.Errorf("Expected stdout restored, got %q", res.Stdout)
	}
	if res.StartedAt.IsZero() || res.EndedAt.Before(res.StartedAt) {
		t.Errorf("Expected valid timestamps, got %v - %v", res.StartedAt, res.EndedAt)
	}
}

func TestStepExecutor_Execute_RetriesExhausted(t *testing.T) {
	for _, maxRetries := range []int{0, 1, 2, 5} {
		runner := newScriptedRunner()
		runner.failures["flaky"] = -1
		s := step("flaky")
		s.MaxRetries = maxRetries

		res := NewStepExecutor(fastExecutorConfig()).Execute(context.Background(), &s, runner, StepRun{})

		if res.FinalStatus != StepFailed {
			t.Errorf("maxRetries=%d: Expected failed, got %s", maxRetries, res.FinalStatus)
		}
		if res.Attempts != maxRetries+1 {
			t.Errorf("maxRetries=%d: Expected %d attempts, got %d", maxRetries, maxRetries+1, res.Attempts)
		}
		if runner.callCount("flaky") != maxRetries+1 {
			t.Errorf("maxRetries=%d: Expected %d invocations, got %d", maxRetries, maxRetries+1, runner.callCount("flaky"))
		}
		if !strings.Contains(res.Error, "exit 1") {
			t.Errorf("maxRetries=%d: Expected exit code in error, got %q", maxRetries, res.Error)
		}
	}
}

func TestStepExecutor_Execute_SucceedsOnRetry(t *testing.T) {
	runner := newScriptedRunner()
	runner.failures["flaky"] = 2
	s := step("flaky")
	s.MaxRetries = 3

	res := NewStepExecutor(fastExecutorConfig()).Execute(context.Background(), &s, runner, StepRun{})

	if res.FinalStatus != StepSucceeded {
		t.Fatalf("Expected succeeded, got %s", res.FinalStatus)
	}
	if res.Attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", res.Attempts)
	}
	if res.SucceededOnAttempt != 3 {
		t.Errorf("Expected success on attempt 3, got %d", res.SucceededOnAttempt)
	}
}

func TestStepExecutor_Execute_RollbackSingleAttempt(t *testing.T) {
	runner := newScriptedRunner()
	runner.failures["undo"] = -1
	s := step("undo")
	s.MaxRetries = 4

	res := NewStepExecutor(fastExecutorConfig()).Execute(context.Background(), &s, runner, StepRun{Rollback: true})

	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt for rollback step, got %d", res.Attempts)
	}
	if !res.Rollback {
		t.Error("Expected result to be marked as rollback")
	}
}

func TestStepExecutor_Execute_TimeoutConfirmed(t *testing.T) {
	runner := newScriptedRunner()
	runner.delays["slow"] = time.Second
	s := step("slow")
	s.MaxRetries = 1

	cfg := fastExecutorConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	res := NewStepExecutor(cfg).Execute(context.Background(), &s, runner, StepRun{})

	if res.FinalStatus != StepFailed {
		t.Fatalf("Expected failed, got %s", res.FinalStatus)
	}
	if res.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", res.Attempts)
	}
	if res.CancelUnconfirmed {
		t.Error("Expected cancellation to be confirmed")
	}
	if !strings.Contains(res.Error, "timed out") {
		t.Errorf("Expected timeout error, got %q", res.Error)
	}
}

func TestStepExecutor_Execute_CancelUnconfirmed(t *testing.T) {
	runner := newScriptedRunner()
	runner.delays["stuck"] = 300 * time.Millisecond
	runner.stubborn["stuck"] = true
	s := step("stuck")
	s.MaxRetries = 3

	cfg := fastExecutorConfig()
	cfg.DefaultTimeout = 20 * time.Millisecond
	cfg.GracePeriod = 20 * time.Millisecond

	start := time.Now()
	res := NewStepExecutor(cfg).Execute(context.Background(), &s, runner, StepRun{})
	elapsed := time.Since(start)

	if res.FinalStatus != StepFailed {
		t.Fatalf("Expected failed, got %s", res.FinalStatus)
	}
	if !res.CancelUnconfirmed {
		t.Error("Expected cancel unconfirmed to be set")
	}
	if res.Attempts != 1 {
		t.Errorf("Expected no retries after unconfirmed cancellation, got %d attempts", res.Attempts)
	}
	if elapsed >= 300*time.Millisecond {
		t.Errorf("Expected executor to give up after the grace period, took %v", elapsed)
	}
}

func TestStepExecutor_Execute_CancelledParent(t *testing.T) {
	runner := newScriptedRunner()
	runner.delays["long"] = time.Second
	s := step("long")
	s.MaxRetries = 5

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := NewStepExecutor(fastExecutorConfig()).Execute(ctx, &s, runner, StepRun{})

	if res.FinalStatus != StepFailed {
		t.Fatalf("Expected failed, got %s", res.FinalStatus)
	}
	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt after parent cancellation, got %d", res.Attempts)
	}
}

func TestStepExecutor_Execute_PublishesEvents(t *testing.T) {
	runner := newScriptedRunner()
	runner.failures["flaky"] = 1
	s := step("flaky")
	s.MaxRetries = 1

	publisher := &recordingPublisher{}
	cfg := fastExecutorConfig()
	cfg.Publisher = publisher
	NewStepExecutor(cfg).Execute(context.Background(), &s, runner, StepRun{RunID: "run-1"})

	if publisher.count(EventStepStarted) != 1 {
		t.Errorf("Expected 1 started event, got %d", publisher.count(EventStepStarted))
	}
	if publisher.count(EventStepRetrying) != 1 {
		t.Errorf("Expected 1 retrying event, got %d", publisher.count(EventStepRetrying))
	}
	if publisher.count(EventStepCompleted) != 1 {
		t.Errorf("Expected 1 completed event, got %d", publisher.count(EventStepCompleted))
	}
}

func TestBackoffConfig_NewBackOff(t *testing.T) {
	fixed := BackoffConfig{Strategy: BackoffFixed, Initial: 2 * time.Second}.newBackOff()
	for i := 0; i < 3; i++ {
		if d := fixed.NextBackOff(); d != 2*time.Second {
			t.Errorf("Expected fixed delay 2s, got %v", d)
		}
	}

	exp := BackoffConfig{Strategy: BackoffExponential, Initial: time.Second, Multiplier: 2, Max: 3 * time.Second}.newBackOff()
	expected := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, want := range expected {
		if d := exp.NextBackOff(); d != want {
			t.Errorf("Expected exponential delay %v at %d, got %v", want, i, d)
		}
	}

	none := BackoffConfig{}.newBackOff()
	if d := none.NextBackOff(); d != 0 {
		t.Errorf("Expected zero delay, got %v", d)
	}
}

type misconfiguredRunner struct {
	calls int
}

func (r *misconfiguredRunner) Run(_ context.Context, ref ActionRef, _ time.Duration) (*ActionOutput, error) {
	r.calls++
	return nil, &ActionError{Action: ref.String(), ExitCode: -1, Err: NewPermanentError("host lookup failed", nil).WithResource(ref.Host)}
}

func TestStepExecutor_Execute_PermanentErrorNotRetried(t *testing.T) {
	runner := &misconfiguredRunner{}
	s := step("remote")
	s.Action.Host = "ghost"
	s.MaxRetries = 3

	res := NewStepExecutor(fastExecutorConfig()).Execute(context.Background(), &s, runner, StepRun{})

	if res.FinalStatus != StepFailed {
		t.Fatalf("Expected failed, got %s", res.FinalStatus)
	}
	if runner.calls != 1 {
		t.Errorf("Expected 1 invocation, got %d", runner.calls)
	}
	if res.Attempts != 1 {
		t.Errorf("Expected 1 attempt, got %d", res.Attempts)
	}
}
