package telemetry

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	return m
}

func TestMetrics_RunLifecycle(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordRunStarted("database-corruption")
	m.RecordRunStarted("application-failure")
	if got := testutil.ToFloat64(m.activeRuns); got != 2 {
		t.Errorf("Expected 2 active runs, got %v", got)
	}

	m.RecordRunCompleted("database-corruption", "Succeeded", 90*time.Second)
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("Expected 1 active run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("database-corruption", "Succeeded")); got != 1 {
		t.Errorf("Expected 1 completed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsStarted.WithLabelValues("application-failure")); got != 1 {
		t.Errorf("Expected 1 started run, got %v", got)
	}
}

func TestMetrics_StepsAndGates(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordStepAttempt("p", "failed", time.Second)
	m.RecordStepAttempt("p", "failed", time.Second)
	m.RecordStepAttempt("p", "succeeded", time.Second)
	m.RecordStepFinished("p", "Succeeded", false)
	m.RecordStepFinished("p", "RolledBack", true)
	m.RecordValidationCheck("p", true, false)
	m.RecordApproval("Approved")

	if got := testutil.ToFloat64(m.stepAttempts.WithLabelValues("p", "failed")); got != 2 {
		t.Errorf("Expected 2 failed attempts, got %v", got)
	}
	if got := testutil.ToFloat64(m.stepsFinished.WithLabelValues("p", "RolledBack", "true")); got != 1 {
		t.Errorf("Expected 1 rollback step, got %v", got)
	}
	if got := testutil.ToFloat64(m.validationChecks.WithLabelValues("p", "true", "false")); got != 1 {
		t.Errorf("Expected 1 failed critical check, got %v", got)
	}
	if got := testutil.ToFloat64(m.approvals.WithLabelValues("Approved")); got != 1 {
		t.Errorf("Expected 1 approval, got %v", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordRunStarted("p")
	m.RecordRunCompleted("p", "Failed", time.Second)
	m.RecordStepAttempt("p", "failed", time.Second)
	m.RecordStepFinished("p", "Failed", false)
	m.RecordValidationCheck("p", false, true)
	m.RecordApproval("Rejected")

	if m.registry != nil {
		t.Error("Expected no registry when disabled")
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", rec.Code)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics(t)
	m.RecordRunStarted("database-corruption")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `failsafe_runs_started_total{plan="database-corruption"} 1`) {
		t.Errorf("Expected runs_started_total in output, got:\n%s", rec.Body.String())
	}
}
