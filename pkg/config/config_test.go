package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/failsafe/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "failsafe.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FAILSAFE_ENV", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvDevelopment {
		t.Errorf("Expected environment %s, got %s", EnvDevelopment, cfg.Environment)
	}
	if cfg.Recovery.RequireApproval {
		t.Error("Expected approval to be optional in development")
	}
	if cfg.Execution.MaxParallel != 4 {
		t.Errorf("Expected max parallel 4, got %d", cfg.Execution.MaxParallel)
	}
	if cfg.Execution.Backoff.Strategy != engine.BackoffExponential {
		t.Errorf("Expected exponential backoff, got %s", cfg.Execution.Backoff.Strategy)
	}
	if cfg.Telemetry.Environment != EnvDevelopment {
		t.Errorf("Expected telemetry environment %s, got %s", EnvDevelopment, cfg.Telemetry.Environment)
	}
	if cfg.RedisEnabled() {
		t.Error("Expected redis to be disabled without a URL")
	}
}

func TestLoad_File(t *testing.T) {
	t.Setenv("FAILSAFE_ENV", "")
	t.Setenv("TEST_REDIS_URL", "redis://localhost:6379/2")

	path := writeConfig(t, `
environment: staging
recovery:
  approval_timeout: 5m
  max_downtime_minutes: 60
  enable_automated_recovery: true
  strict_prerequisites: true
execution:
  max_parallel: 8
  grace_period: 3s
  backoff:
    strategy: fixed
    initial: 500ms
redis:
  url: ${TEST_REDIS_URL}
runners:
  interpreter: /bin/bash
  hosts:
    - name: db-primary
      address: 10.0.0.5
      user: ops
      private_key_path: /keys/id_ed25519
      labels:
        role: db
policies:
  paths: [/etc/failsafe/policies]
  watch: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvStaging {
		t.Errorf("Expected environment staging, got %s", cfg.Environment)
	}
	if cfg.Recovery.ApprovalTimeout != 5*time.Minute {
		t.Errorf("Expected approval timeout 5m, got %v", cfg.Recovery.ApprovalTimeout)
	}
	if cfg.Execution.MaxParallel != 8 {
		t.Errorf("Expected max parallel 8, got %d", cfg.Execution.MaxParallel)
	}
	if cfg.Execution.GracePeriod != 3*time.Second {
		t.Errorf("Expected grace period 3s, got %v", cfg.Execution.GracePeriod)
	}
	if cfg.Execution.Backoff.Strategy != engine.BackoffFixed || cfg.Execution.Backoff.Initial != 500*time.Millisecond {
		t.Errorf("Expected fixed 500ms backoff, got %+v", cfg.Execution.Backoff)
	}
	if cfg.Redis.URL != "redis://localhost:6379/2" {
		t.Errorf("Expected expanded redis URL, got %q", cfg.Redis.URL)
	}
	if cfg.Redis.Prefix != "failsafe" {
		t.Errorf("Expected default redis prefix, got %q", cfg.Redis.Prefix)
	}
	if cfg.Runners.Interpreter != "/bin/bash" {
		t.Errorf("Expected interpreter /bin/bash, got %q", cfg.Runners.Interpreter)
	}
	if cfg.Runners.Shell != "/bin/sh" {
		t.Errorf("Expected default shell to survive, got %q", cfg.Runners.Shell)
	}
	if len(cfg.Runners.Hosts) != 1 || cfg.Runners.Hosts[0].Labels["role"] != "db" {
		t.Errorf("Expected one labelled host, got %+v", cfg.Runners.Hosts)
	}
	if !cfg.Policies.Watch || len(cfg.Policies.Paths) != 1 {
		t.Errorf("Expected policy watch on one path, got %+v", cfg.Policies)
	}
}

func TestLoad_ProductionRequiresApproval(t *testing.T) {
	t.Setenv("FAILSAFE_ENV", "")

	path := writeConfig(t, `
environment: production
recovery:
  require_approval: false
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cfg.Recovery.RequireApproval {
		t.Error("Expected production to force approval")
	}
	if !cfg.IsProduction() {
		t.Error("Expected IsProduction to be true")
	}
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("FAILSAFE_ENV", "production")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvProduction || !cfg.Recovery.RequireApproval {
		t.Errorf("Expected production with approval, got %s approval=%v", cfg.Environment, cfg.Recovery.RequireApproval)
	}
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("FAILSAFE_ENV", "")

	tests := []struct {
		name    string
		content string
		errText string
	}{
		{
			name:    "unknown environment",
			content: "environment: qa\n",
			errText: "Environment",
		},
		{
			name:    "bad backoff strategy",
			content: "execution:\n  backoff:\n    strategy: linear\n",
			errText: "Strategy",
		},
		{
			name:    "too many workers",
			content: "execution:\n  max_parallel: 500\n",
			errText: "MaxParallel",
		},
		{
			name:    "archive without bucket",
			content: "archive:\n  enabled: true\n  endpoint: minio:9000\n",
			errText: "bucket",
		},
		{
			name:    "duplicate hosts",
			content: "runners:\n  hosts:\n    - name: a\n    - name: a\n",
			errText: "duplicate host",
		},
		{
			name:    "malformed yaml",
			content: "environment: [\n",
			errText: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.errText) {
				t.Errorf("Expected error containing %q, got %v", tt.errText, err)
			}
		})
	}
}

func TestSettings(t *testing.T) {
	cfg := Default()
	cfg.Recovery.MaxDowntimeMinutes = 45
	cfg.Recovery.EnableAutomatedRecovery = false

	settings := cfg.Settings()
	if settings["max_downtime_minutes"] != 45 {
		t.Errorf("Expected max_downtime_minutes 45, got %v", settings["max_downtime_minutes"])
	}
	if settings["enable_automated_recovery"] != false {
		t.Errorf("Expected enable_automated_recovery false, got %v", settings["enable_automated_recovery"])
	}
	if settings["environment"] != EnvDevelopment {
		t.Errorf("Expected environment %s, got %v", EnvDevelopment, settings["environment"])
	}
}
