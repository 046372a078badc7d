package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const backupPolicy = `# Backups must be fresh before restoring.
# severity: warning
# global: true

package failsafe.custom.backups

deny contains msg if {
	input.settings.backup_age_hours > 24
	msg := "latest backup is older than a day"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "fresh-backups.rego")
	writeFile(t, path, backupPolicy)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "fresh-backups" {
		t.Errorf("Expected name 'fresh-backups', got '%s'", policy.Name)
	}
	if policy.Description != "Backups must be fresh before restoring." {
		t.Errorf("Unexpected description: %q", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got %s", policy.Severity)
	}
	if !policy.Global {
		t.Error("Expected global directive to be honoured")
	}
	if !policy.Enabled {
		t.Error("Policy should be enabled by default")
	}
	if policy.Source != path {
		t.Errorf("Expected source %s, got %s", path, policy.Source)
	}
}

func TestLoadFromFile_RegoDefaults(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "plain.rego")
	writeFile(t, path, "package plain\n\ndeny contains \"no\" if { false }\n")

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if policy.Global {
		t.Error("Expected policy not to be global by default")
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "window.json")
	writeFile(t, path, `{
		"name": "change-window",
		"description": "No recovery during a freeze",
		"enabled": true,
		"global": true,
		"rego": "package window\n\ndeny contains \"freeze\" if { input.settings.freeze }"
	}`)

	policy, err := loader.loadFromFile(path)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "change-window" {
		t.Errorf("Expected name 'change-window', got '%s'", policy.Name)
	}
	if policy.Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", policy.Severity)
	}
	if policy.CreatedAt.IsZero() {
		t.Error("Expected CreatedAt to be set")
	}
}

func TestLoadFromFile_Invalid(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	unnamed := filepath.Join(dir, "unnamed.json")
	writeFile(t, unnamed, `{"rego": "package x"}`)
	if _, err := loader.loadFromFile(unnamed); err == nil {
		t.Error("Expected error for JSON policy without a name")
	}

	txt := filepath.Join(dir, "notes.txt")
	writeFile(t, txt, "hello")
	if _, err := loader.loadFromFile(txt); err == nil {
		t.Error("Expected error for unsupported file type")
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "a.rego"), "package a\n\ndeny contains \"a\" if { false }\n")
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), "package b\n\ndeny contains \"b\" if { false }\n")
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")
	writeFile(t, filepath.Join(dir, "bad.json"), "{not json")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "missing")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestLoadBundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "bundle.json")
	writeFile(t, path, `{
		"name": "site",
		"version": "1.2.0",
		"policies": [
			{"name": "one", "enabled": true, "rego": "package one\n\ndeny contains \"x\" if { false }"},
			{"name": "two", "enabled": true, "severity": "warning", "rego": "package two\n\ndeny contains \"x\" if { false }"}
		]
	}`)

	bundle, err := loader.LoadBundle(path)
	if err != nil {
		t.Fatalf("LoadBundle failed: %v", err)
	}
	if bundle.Version != "1.2.0" || len(bundle.Policies) != 2 {
		t.Fatalf("Unexpected bundle: %+v", bundle)
	}
	if bundle.Policies[0].Severity != SeverityError {
		t.Errorf("Expected default severity error, got %s", bundle.Policies[0].Severity)
	}
	if bundle.Policies[1].Severity != SeverityWarning {
		t.Errorf("Expected severity warning, got %s", bundle.Policies[1].Severity)
	}
}

func TestLoadFromPaths_Bundle(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "site.bundle.json"), `{
		"name": "site",
		"version": "1.0.0",
		"policies": [
			{"name": "one", "enabled": true, "rego": "package one\n\ndeny contains \"x\" if { false }"},
			{"name": "two", "enabled": true, "rego": "package two\n\ndeny contains \"x\" if { false }"}
		]
	}`)

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths failed: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("Expected 2 policies from bundle, got %d", len(policies))
	}
	for _, p := range policies {
		if p.Source != filepath.Join(dir, "site.bundle.json") {
			t.Errorf("Expected source to be the bundle file, got %s", p.Source)
		}
	}
}

func TestLoadPolicies_Engine(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "fresh-backups.rego"), backupPolicy)

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	violations, err := eng.EvaluatePolicy(context.Background(), "fresh-backups", testInput(60, map[string]interface{}{
		"backup_age_hours": 48,
	}))
	if err != nil {
		t.Fatalf("Evaluation failed: %v", err)
	}
	if len(violations) != 1 {
		t.Errorf("Expected 1 violation, got %d", len(violations))
	}
}

func TestWatch_Reload(t *testing.T) {
	eng := newTestEngine(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "freeze.rego")
	writeFile(t, path, "package freeze\n\ndeny contains \"v1\" if { true }\n")

	if err := eng.LoadPolicies(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPolicies failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := eng.Watch(ctx, []string{dir}); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, path, "package freeze\n\ndeny contains \"v2\" if { true }\n")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		violations, err := eng.EvaluatePolicy(context.Background(), "freeze", testInput(60, nil))
		if err == nil && len(violations) == 1 && violations[0].Message == "v2" {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Expected policy to be reloaded after the file changed")
}
