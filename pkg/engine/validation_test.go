package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type stubPolicies struct {
	global   []PolicyViolation
	named    map[string][]PolicyViolation
	err      error
	inputEnv string
}

func (p *stubPolicies) EvaluateGlobal(_ context.Context, input *PolicyInput) ([]PolicyViolation, error) {
	p.inputEnv = input.Environment
	return p.global, p.err
}

func (p *stubPolicies) EvaluatePolicy(_ context.Context, name string, _ *PolicyInput) ([]PolicyViolation, error) {
	if p.err != nil {
		return nil, p.err
	}
	return p.named[name], nil
}

type stubAssertions struct {
	result bool
	err    error
	vars   map[string]interface{}
}

func (a *stubAssertions) Assert(_ context.Context, _ string, vars map[string]interface{}) (bool, error) {
	a.vars = vars
	return a.result, a.err
}

func TestValidationGate_PreValidate_AllSatisfied(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.Prerequisites = []Prerequisite{
		{Name: "backup-present", Check: &ActionRef{Command: "check-backup"}},
		{Name: "dba-on-call"},
	}

	gate := NewValidationGate(ValidationGateConfig{Logger: zerolog.Nop()})
	results, err := gate.PreValidate(context.Background(), &plan, "staging", newScriptedRunner())

	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("Expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if !r.Satisfied {
			t.Errorf("Expected %s to be satisfied: %s", r.Name, r.Detail)
		}
	}
}

func TestValidationGate_PreValidate_FailingCheck(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.Prerequisites = []Prerequisite{
		{Name: "backup-present", Check: &ActionRef{Command: "check-backup"}},
	}
	runner := newScriptedRunner()
	runner.failures["check-backup"] = -1

	gate := NewValidationGate(ValidationGateConfig{Logger: zerolog.Nop()})
	results, err := gate.PreValidate(context.Background(), &plan, "staging", runner)

	var unmet *PrerequisiteUnmetError
	if !errors.As(err, &unmet) {
		t.Fatalf("Expected *PrerequisiteUnmetError, got %v", err)
	}
	if len(unmet.Unmet) != 1 || unmet.Unmet[0].Name != "backup-present" {
		t.Errorf("Expected backup-present unmet, got %+v", unmet.Unmet)
	}
	if len(results) != 1 || results[0].Satisfied {
		t.Errorf("Expected one unsatisfied result, got %+v", results)
	}
}

func TestValidationGate_PreValidate_StrictDescriptor(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.Prerequisites = []Prerequisite{{Name: "manual-signoff"}}

	gate := NewValidationGate(ValidationGateConfig{StrictPrerequisites: true, Logger: zerolog.Nop()})
	_, err := gate.PreValidate(context.Background(), &plan, "prod", newScriptedRunner())

	var unmet *PrerequisiteUnmetError
	if !errors.As(err, &unmet) {
		t.Fatalf("Expected *PrerequisiteUnmetError, got %v", err)
	}
}

func TestValidationGate_PreValidate_Policies(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.Prerequisites = []Prerequisite{{Name: "change-window", Policy: "change_window"}}

	policies := &stubPolicies{
		global: []PolicyViolation{{Policy: "max_downtime", Message: "too long"}},
		named: map[string][]PolicyViolation{
			"change_window": {{Policy: "change_window", Message: "outside window"}},
		},
	}
	gate := NewValidationGate(ValidationGateConfig{Policies: policies, Logger: zerolog.Nop()})
	results, err := gate.PreValidate(context.Background(), &plan, "production", newScriptedRunner())

	var unmet *PrerequisiteUnmetError
	if !errors.As(err, &unmet) {
		t.Fatalf("Expected *PrerequisiteUnmetError, got %v", err)
	}
	if len(unmet.Unmet) != 2 {
		t.Errorf("Expected 2 unmet prerequisites, got %d", len(unmet.Unmet))
	}
	if results[0].Name != "global-policies" {
		t.Errorf("Expected global policies first, got %s", results[0].Name)
	}
	if !strings.Contains(results[1].Detail, "outside window") {
		t.Errorf("Expected violation message in detail, got %q", results[1].Detail)
	}
	if policies.inputEnv != "production" {
		t.Errorf("Expected environment production, got %q", policies.inputEnv)
	}
}

func TestValidationGate_PostValidate_CriticalAndNonCritical(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.ValidationChecks = []ValidationCheck{
		{Name: "db-connectivity", Command: ActionRef{Command: "db-ping"}, ExpectedResult: "ok", Critical: true},
		{Name: "app-health", Command: ActionRef{Command: "app-health"}, ExpectedResult: "healthy", Critical: false},
		{Name: "data-integrity", Command: ActionRef{Command: "integrity"}, ExpectedResult: "valid", Critical: true},
	}
	runner := newScriptedRunner()
	runner.failures["db-ping"] = -1
	runner.outputs["app-health"] = "degraded"
	runner.outputs["integrity"] = "data valid"

	gate := NewValidationGate(ValidationGateConfig{Logger: zerolog.Nop()})
	results := gate.PostValidate(context.Background(), &plan, runner, false)

	if len(results) != 3 {
		t.Fatalf("Expected 3 results, got %d", len(results))
	}
	for i, name := range []string{"db-connectivity", "app-health", "data-integrity"} {
		if results[i].Name != name {
			t.Errorf("Expected result %d to be %s, got %s", i, name, results[i].Name)
		}
	}
	if results[0].Passed || !results[0].Critical {
		t.Errorf("Expected critical db-connectivity to fail, got %+v", results[0])
	}
	if results[1].Passed || results[1].Critical {
		t.Errorf("Expected non-critical app-health to fail, got %+v", results[1])
	}
	if !results[2].Passed {
		t.Errorf("Expected data-integrity to pass, got %+v", results[2])
	}
}

func TestValidationGate_PostValidate_DryRun(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.ValidationChecks = []ValidationCheck{
		{Name: "db-connectivity", Command: ActionRef{Command: "db-ping"}, Critical: true},
	}
	runner := newScriptedRunner()

	results := NewValidationGate(ValidationGateConfig{Logger: zerolog.Nop()}).PostValidate(context.Background(), &plan, runner, true)

	if !results[0].Skipped || !results[0].Passed {
		t.Errorf("Expected skipped passing result, got %+v", results[0])
	}
	if runner.totalCalls() != 0 {
		t.Errorf("Expected no runner calls in dry run, got %d", runner.totalCalls())
	}
}

func TestValidationGate_PostValidate_Assertion(t *testing.T) {
	plan := testPlan("p", step("a"))
	plan.ValidationChecks = []ValidationCheck{
		{Name: "replication-lag", Command: ActionRef{Command: "lag"}, Assert: "int(stdout) < 5"},
	}
	runner := newScriptedRunner()
	runner.outputs["lag"] = "3"

	assertions := &stubAssertions{result: false}
	gate := NewValidationGate(ValidationGateConfig{Assertions: assertions, Logger: zerolog.Nop()})
	results := gate.PostValidate(context.Background(), &plan, runner, false)

	if results[0].Passed {
		t.Error("Expected failing assertion to fail the check")
	}
	if assertions.vars["stdout"] != "3" {
		t.Errorf("Expected stdout passed to assertion, got %v", assertions.vars["stdout"])
	}

	assertions.result = true
	results = gate.PostValidate(context.Background(), &plan, runner, false)
	if !results[0].Passed {
		t.Errorf("Expected passing assertion to pass the check: %s", results[0].Error)
	}
}
