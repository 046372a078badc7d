package engine

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestDependencyResolver_ComputeBatches_Empty(t *testing.T) {
	resolver := NewDependencyResolver()
	batches, err := resolver.ComputeBatches(nil)

	if err != nil {
		t.Fatalf("Expected no error for empty steps, got: %v", err)
	}
	if len(batches) != 0 {
		t.Errorf("Expected 0 batches, got %d", len(batches))
	}
}

func TestDependencyResolver_ComputeBatches_LinearDependencies(t *testing.T) {
	steps := []Step{
		step("stop-app"),
		step("restore-db", "stop-app"),
		step("start-app", "restore-db"),
	}

	batches, err := NewDependencyResolver().ComputeBatches(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"stop-app"}, {"restore-db"}, {"start-app"}}
	if !reflect.DeepEqual(batches, expected) {
		t.Errorf("Expected batches %v, got %v", expected, batches)
	}
}

func TestDependencyResolver_ComputeBatches_ParallelSteps(t *testing.T) {
	steps := []Step{
		step("c"),
		step("a"),
		step("b"),
	}

	batches, err := NewDependencyResolver().ComputeBatches(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	// Declaration order, not lexical order.
	expected := []string{"c", "a", "b"}
	if !reflect.DeepEqual(batches[0], expected) {
		t.Errorf("Expected batch %v, got %v", expected, batches[0])
	}
}

func TestDependencyResolver_ComputeBatches_DiamondDependencies(t *testing.T) {
	steps := []Step{
		step("snapshot"),
		step("restore-primary", "snapshot"),
		step("restore-replica", "snapshot"),
		step("verify", "restore-primary", "restore-replica"),
	}

	batches, err := NewDependencyResolver().ComputeBatches(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"snapshot"}, {"restore-primary", "restore-replica"}, {"verify"}}
	if !reflect.DeepEqual(batches, expected) {
		t.Errorf("Expected batches %v, got %v", expected, batches)
	}
}

func TestDependencyResolver_ComputeBatches_DependenciesInEarlierBatches(t *testing.T) {
	steps := []Step{
		step("e", "d", "a"),
		step("a"),
		step("d", "b"),
		step("b", "a"),
		step("c"),
	}

	batches, err := NewDependencyResolver().ComputeBatches(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	level := make(map[string]int)
	for i, batch := range batches {
		for _, id := range batch {
			level[id] = i
		}
	}
	if len(level) != len(steps) {
		t.Fatalf("Expected %d scheduled steps, got %d", len(steps), len(level))
	}
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			if level[dep] >= level[s.ID] {
				t.Errorf("Expected %s (batch %d) before %s (batch %d)", dep, level[dep], s.ID, level[s.ID])
			}
		}
	}
}

func TestDependencyResolver_ComputeBatches_DuplicateDependency(t *testing.T) {
	steps := []Step{
		step("a"),
		step("b", "a", "a"),
	}

	batches, err := NewDependencyResolver().ComputeBatches(steps)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(batches) != 2 {
		t.Errorf("Expected 2 batches, got %d", len(batches))
	}
}

func TestDependencyResolver_Validate_SimpleCycle(t *testing.T) {
	steps := []Step{
		step("a", "b"),
		step("b", "a"),
	}

	err := NewDependencyResolver().Validate(steps)
	if err == nil {
		t.Fatal("Expected cycle detection error, got nil")
	}

	var invalid *PlanInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *PlanInvalidError, got %T", err)
	}
	if !strings.Contains(invalid.Reason, "circular dependency") {
		t.Errorf("Expected circular dependency reason, got: %s", invalid.Reason)
	}
	if invalid.StepID == "" {
		t.Error("Expected offending step ID to be set")
	}
}

func TestDependencyResolver_Validate_ComplexCycle(t *testing.T) {
	steps := []Step{
		step("entry"),
		step("a", "entry", "c"),
		step("b", "a"),
		step("c", "b"),
	}

	err := NewDependencyResolver().Validate(steps)
	if err == nil {
		t.Fatal("Expected cycle detection error, got nil")
	}
	if !strings.Contains(err.Error(), "->") {
		t.Errorf("Expected cycle path in error, got: %v", err)
	}
}

func TestDependencyResolver_Validate_SelfDependency(t *testing.T) {
	err := NewDependencyResolver().Validate([]Step{step("a", "a")})

	var invalid *PlanInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *PlanInvalidError, got %v", err)
	}
	if invalid.StepID != "a" {
		t.Errorf("Expected offending step a, got %s", invalid.StepID)
	}
}

func TestDependencyResolver_Validate_UnknownDependency(t *testing.T) {
	err := NewDependencyResolver().Validate([]Step{
		step("a"),
		step("b", "ghost"),
	})

	var invalid *PlanInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *PlanInvalidError, got %v", err)
	}
	if invalid.StepID != "b" {
		t.Errorf("Expected offending step b, got %s", invalid.StepID)
	}
	if !strings.Contains(invalid.Reason, "ghost") {
		t.Errorf("Expected reason to name the unknown step, got: %s", invalid.Reason)
	}
}

func TestDependencyResolver_Validate_DuplicateIDs(t *testing.T) {
	err := NewDependencyResolver().Validate([]Step{step("a"), step("a")})

	var invalid *PlanInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *PlanInvalidError, got %v", err)
	}
	if invalid.Reason != "duplicate step ID" {
		t.Errorf("Expected duplicate step ID reason, got: %s", invalid.Reason)
	}
}

func TestDependencyResolver_ComputeBatches_RejectsCycle(t *testing.T) {
	_, err := NewDependencyResolver().ComputeBatches([]Step{
		step("a", "c"),
		step("b", "a"),
		step("c", "b"),
	})

	var invalid *PlanInvalidError
	if !errors.As(err, &invalid) {
		t.Fatalf("Expected *PlanInvalidError, got %v", err)
	}
}

func TestDependencyResolver_ReverseForRollback(t *testing.T) {
	batches, err := NewDependencyResolver().ReverseForRollback([]Step{
		step("enable-maintenance"),
		step("revert-dns"),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := [][]string{{"enable-maintenance", "revert-dns"}}
	if !reflect.DeepEqual(batches, expected) {
		t.Errorf("Expected batches %v, got %v", expected, batches)
	}
}

func TestDependencyResolver_Dependents(t *testing.T) {
	steps := []Step{
		step("a"),
		step("b", "a"),
		step("c"),
		step("d", "b", "c"),
		step("e", "c"),
	}

	got := NewDependencyResolver().Dependents(steps, "a")
	expected := []string{"b", "d"}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected dependents %v, got %v", expected, got)
	}

	if leaf := NewDependencyResolver().Dependents(steps, "e"); len(leaf) != 0 {
		t.Errorf("Expected no dependents for leaf, got %v", leaf)
	}
}

func TestDependencyResolver_ToDOT(t *testing.T) {
	plan := testPlan("db", step("stop"), step("restore", "stop"))
	plan.RollbackSteps = []Step{step("undo")}

	dot, err := NewDependencyResolver().ToDOT(&plan)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	for _, want := range []string{
		`digraph "db"`,
		"cluster_batch_0",
		"cluster_batch_1",
		"cluster_rollback",
		`"stop" -> "restore"`,
		`"rollback:undo"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}
