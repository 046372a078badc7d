package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openfroyo/failsafe/pkg/engine"
)

func runbookPlan() *engine.RecoveryPlan {
	return &engine.RecoveryPlan{
		ID:                       "db-restore",
		Name:                     "Database Restore",
		Description:              "Restore the primary database from the latest backup.",
		Priority:                 engine.PriorityCritical,
		EstimatedDowntimeSeconds: 1800,
		Prerequisites: []engine.Prerequisite{
			{Name: "backup-present", Check: &engine.ActionRef{Command: "test -f /backups/latest.dump"}},
		},
		Steps: []engine.Step{
			{ID: "maintenance", Name: "Enable maintenance mode", Action: engine.ActionRef{Command: "maint on"}},
			{ID: "snapshot", Name: "Snapshot volumes", Action: engine.ActionRef{Command: "snap"}},
			{ID: "restore", Name: "Restore backup", Action: engine.ActionRef{Script: "restore.sh", Host: "db-1"},
				Dependencies: []string{"maintenance", "snapshot"}, RollbackOnFailure: true, TimeoutSeconds: 600, MaxRetries: 2},
		},
		RollbackSteps: []engine.Step{
			{ID: "maintenance-off", Name: "Disable maintenance mode", Action: engine.ActionRef{Command: "maint off"}},
		},
		ValidationChecks: []engine.ValidationCheck{
			{Name: "db-health", Command: engine.ActionRef{Command: "pg_isready"}, Critical: true, ExpectedResult: "accepting"},
		},
	}
}

func TestRenderRunbook(t *testing.T) {
	var buf bytes.Buffer
	if err := RenderRunbook(&buf, runbookPlan(), "production"); err != nil {
		t.Fatalf("RenderRunbook failed: %v", err)
	}
	out := buf.String()

	for _, want := range []string{
		"# Database Restore",
		"| `db-restore` | critical | 30m0s | production |",
		"failsafe execute db-restore --dry-run",
		"**backup-present** Check: `test -f /backups/latest.dump`",
		"### Stage 1",
		"### Stage 2",
		"`restore.sh@db-1`",
		"Timeout: 10m0s, retries: 2",
		"After: maintenance, snapshot",
		"Failure triggers rollback",
		"1. **Disable maintenance mode** (`maintenance-off`): `maint off`",
		"**critical** db-health: `pg_isready` expects `accepting`",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected runbook to contain %q, got:\n%s", want, out)
		}
	}

	// Both independent steps land in the first stage.
	stage2 := strings.Index(out, "### Stage 2")
	if i := strings.Index(out, "Snapshot volumes"); i < 0 || i > stage2 {
		t.Errorf("Expected snapshot in stage 1, got:\n%s", out)
	}
	if strings.Contains(out, "### Stage 3") {
		t.Errorf("Expected two stages, got:\n%s", out)
	}
}

func TestRenderRunbook_CyclicPlan(t *testing.T) {
	plan := runbookPlan()
	plan.Steps[0].Dependencies = []string{"restore"}

	if err := RenderRunbook(&bytes.Buffer{}, plan, "production"); err == nil {
		t.Error("Expected error rendering a cyclic plan")
	}
}

func TestWriteRunbooks(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runbooks")

	paths, err := WriteRunbooks(dir, "staging", BuiltinCatalog())
	if err != nil {
		t.Fatalf("WriteRunbooks failed: %v", err)
	}
	if len(paths) != 5 {
		t.Fatalf("Expected 4 runbooks and an index, got %v", paths)
	}

	index, err := os.ReadFile(filepath.Join(dir, "README.md"))
	if err != nil {
		t.Fatalf("Expected index, got %v", err)
	}
	for _, id := range PlanIDs(BuiltinCatalog()) {
		if !strings.Contains(string(index), "("+id+".md)") {
			t.Errorf("Expected index to link %s, got:\n%s", id, index)
		}
		if _, err := os.Stat(filepath.Join(dir, id+".md")); err != nil {
			t.Errorf("Expected runbook for %s, got %v", id, err)
		}
	}
}
