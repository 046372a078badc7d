package config

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/openfroyo/failsafe/pkg/engine"
)

//go:embed templates/runbook.md.tmpl
var runbookSource string

var runbookTemplate = template.Must(template.New("runbook").Funcs(template.FuncMap{
	"downtime": func(seconds int) string { return (time.Duration(seconds) * time.Second).String() },
	"timeout": func(seconds int) string {
		if seconds <= 0 {
			return "default"
		}
		return (time.Duration(seconds) * time.Second).String()
	},
	"join": strings.Join,
	"inc":  func(i int) int { return i + 1 },
}).Parse(runbookSource))

type runbookView struct {
	Plan        *engine.RecoveryPlan
	Environment string
	Stages      [][]engine.Step
}

// RenderRunbook writes the operator runbook of plan as Markdown. Steps are
// grouped into the stages the engine executes them in.
func RenderRunbook(w io.Writer, plan *engine.RecoveryPlan, environment string) error {
	batches, err := engine.NewDependencyResolver().ComputeBatches(plan.Steps)
	if err != nil {
		return fmt.Errorf("plan %s: %w", plan.ID, err)
	}

	byID := make(map[string]engine.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		byID[s.ID] = s
	}
	stages := make([][]engine.Step, 0, len(batches))
	for _, ids := range batches {
		stage := make([]engine.Step, 0, len(ids))
		for _, id := range ids {
			stage = append(stage, byID[id])
		}
		stages = append(stages, stage)
	}

	return runbookTemplate.Execute(w, runbookView{Plan: plan, Environment: environment, Stages: stages})
}

// WriteRunbooks renders one runbook per plan into dir, named after the plan
// ID, plus a README.md index ordered by priority. It returns the written paths.
func WriteRunbooks(dir, environment string, plans []engine.RecoveryPlan) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create runbook directory: %w", err)
	}

	ordered := make([]engine.RecoveryPlan, len(plans))
	copy(ordered, plans)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ri, rj := ordered[i].Priority.Rank(), ordered[j].Priority.Rank(); ri != rj {
			return ri < rj
		}
		return ordered[i].ID < ordered[j].ID
	})

	paths := make([]string, 0, len(ordered)+1)
	var index strings.Builder
	fmt.Fprintf(&index, "# Recovery runbooks (%s)\n\n", environment)
	index.WriteString("| Plan | Priority | Estimated downtime | Steps |\n|------|----------|--------------------|-------|\n")

	for i := range ordered {
		plan := &ordered[i]
		name := plan.ID + ".md"
		if err := writeRunbookFile(filepath.Join(dir, name), plan, environment); err != nil {
			return paths, err
		}
		paths = append(paths, filepath.Join(dir, name))
		fmt.Fprintf(&index, "| [%s](%s) | %s | %s | %d |\n",
			plan.Name, name, plan.Priority, time.Duration(plan.EstimatedDowntimeSeconds)*time.Second, len(plan.Steps))
	}

	indexPath := filepath.Join(dir, "README.md")
	if err := os.WriteFile(indexPath, []byte(index.String()), 0o644); err != nil {
		return paths, fmt.Errorf("failed to write runbook index: %w", err)
	}
	return append(paths, indexPath), nil
}

func writeRunbookFile(path string, plan *engine.RecoveryPlan, environment string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create runbook: %w", err)
	}
	if err := RenderRunbook(f, plan, environment); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
