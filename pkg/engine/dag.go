package engine

import (
	"fmt"
	"strings"
)

// DependencyResolver orders a plan's steps into execution batches.
// Steps within a batch have no dependency relationship and may run concurrently.
type DependencyResolver struct{}

// NewDependencyResolver creates a new resolver.
func NewDependencyResolver() *DependencyResolver {
	return &DependencyResolver{}
}

// stepGraph is the indexed dependency graph of one step list.
type stepGraph struct {
	// order holds step IDs in declaration order
	order []string

	// deps maps a step ID to the IDs it depends on
	deps map[string][]string

	// dependents maps a step ID to the IDs that depend on it
	dependents map[string][]string
}

// buildGraph indexes steps and validates IDs and dependency references.
func buildGraph(steps []Step) (*stepGraph, error) {
	g := &stepGraph{
		order:      make([]string, 0, len(steps)),
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}

	// First pass: index all steps
	for i := range steps {
		id := steps[i].ID
		if id == "" {
			return nil, &PlanInvalidError{Reason: fmt.Sprintf("step at position %d has empty ID", i)}
		}
		if _, exists := g.deps[id]; exists {
			return nil, &PlanInvalidError{StepID: id, Reason: "duplicate step ID"}
		}
		g.order = append(g.order, id)
		g.deps[id] = nil
	}

	// Second pass: resolve dependency references
	for i := range steps {
		step := &steps[i]
		seen := make(map[string]bool, len(step.Dependencies))
		for _, dep := range step.Dependencies {
			if dep == step.ID {
				return nil, &PlanInvalidError{StepID: step.ID, Reason: "step depends on itself"}
			}
			if _, exists := g.deps[dep]; !exists {
				return nil, &PlanInvalidError{
					StepID: step.ID,
					Reason: fmt.Sprintf("depends on unknown step %s", dep),
				}
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[step.ID] = append(g.deps[step.ID], dep)
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}

	return g, nil
}

// Validate checks references and rejects dependency cycles using a
// depth-first search with a recursion stack.
func (r *DependencyResolver) Validate(steps []Step) error {
	g, err := buildGraph(steps)
	if err != nil {
		return err
	}
	return g.detectCycles()
}

// detectCycles uses depth-first search to detect circular dependencies.
func (g *stepGraph) detectCycles() error {
	visited := make(map[string]bool, len(g.order))
	recStack := make(map[string]bool, len(g.order))

	for _, id := range g.order {
		if visited[id] {
			continue
		}
		if cycle := g.detectCyclesUtil(id, visited, recStack, nil); cycle != nil {
			return &PlanInvalidError{
				StepID: cycle[0],
				Reason: fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)),
			}
		}
	}

	return nil
}

// detectCyclesUtil returns the cycle path reachable from nodeID, if any.
func (g *stepGraph) detectCyclesUtil(nodeID string, visited, recStack map[string]bool, path []string) []string {
	visited[nodeID] = true
	recStack[nodeID] = true
	path = append(path, nodeID)

	for _, dependent := range g.dependents[nodeID] {
		if !visited[dependent] {
			if cycle := g.detectCyclesUtil(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			for i, id := range path {
				if id == dependent {
					cycle := append([]string{}, path[i:]...)
					return append(cycle, dependent)
				}
			}
		}
	}

	recStack[nodeID] = false
	return nil
}

// ComputeBatches groups steps into execution batches using Kahn's algorithm.
// Batch 0 holds steps without dependencies; every step's dependencies appear in
// strictly earlier batches. Members of a batch keep declaration order.
func (r *DependencyResolver) ComputeBatches(steps []Step) ([][]string, error) {
	g, err := buildGraph(steps)
	if err != nil {
		return nil, err
	}
	return g.levels()
}

// ReverseForRollback produces the batch order for rollback execution.
// Rollback steps rarely declare dependencies, in which case every step lands in
// a single batch in declaration order.
func (r *DependencyResolver) ReverseForRollback(rollbackSteps []Step) ([][]string, error) {
	return r.ComputeBatches(rollbackSteps)
}

// levels runs Kahn's algorithm and fails fast if a cycle slipped through.
func (g *stepGraph) levels() ([][]string, error) {
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.deps[id])
	}

	current := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	batches := make([][]string, 0)
	processed := 0
	for len(current) > 0 {
		batches = append(batches, current)
		processed += len(current)

		released := make(map[string]bool)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					released[dependent] = true
				}
			}
		}

		next := make([]string, 0, len(released))
		for _, id := range g.order {
			if released[id] {
				next = append(next, id)
			}
		}
		current = next
	}

	if processed != len(g.order) {
		return nil, &PlanInvalidError{Reason: "dependency graph is not acyclic"}
	}

	return batches, nil
}

// Dependents returns every step that transitively depends on id, in declaration order.
func (r *DependencyResolver) Dependents(steps []Step, id string) []string {
	g, err := buildGraph(steps)
	if err != nil {
		return nil
	}

	reached := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range g.dependents[current] {
			if !reached[dependent] {
				reached[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}

	out := make([]string, 0, len(reached))
	for _, sid := range g.order {
		if reached[sid] {
			out = append(out, sid)
		}
	}
	return out
}

// ToDOT generates a DOT format representation of a plan for visualization.
// Forward steps are grouped by batch; rollback steps form their own cluster.
func (r *DependencyResolver) ToDOT(plan *RecoveryPlan) (string, error) {
	batches, err := r.ComputeBatches(plan.Steps)
	if err != nil {
		return "", err
	}
	rollbackBatches, err := r.ReverseForRollback(plan.RollbackSteps)
	if err != nil {
		return "", err
	}

	steps := make(map[string]*Step, len(plan.Steps))
	for i := range plan.Steps {
		steps[plan.Steps[i].ID] = &plan.Steps[i]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "digraph %q {\n", plan.ID)
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range batches {
		fmt.Fprintf(&sb, "  subgraph cluster_batch_%d {\n", level)
		fmt.Fprintf(&sb, "    label=\"Batch %d\";\n", level)
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			step := steps[id]
			color := "lightblue"
			if step.RollbackOnFailure {
				color = "lightyellow"
			}
			fmt.Fprintf(&sb, "    %q [label=\"%s\\n%s\", fillcolor=%q, style=\"filled,rounded\"];\n",
				id, id, escapeLabel(step.Name), color)
		}
		sb.WriteString("  }\n\n")
	}

	if len(rollbackBatches) > 0 {
		sb.WriteString("  subgraph cluster_rollback {\n")
		sb.WriteString("    label=\"Rollback\";\n")
		sb.WriteString("    style=dotted;\n")
		for _, ids := range rollbackBatches {
			for _, id := range ids {
				fmt.Fprintf(&sb, "    %q [fillcolor=\"lightcoral\", style=\"filled,rounded\"];\n", "rollback:"+id)
			}
		}
		sb.WriteString("  }\n\n")
	}

	for i := range plan.Steps {
		for _, dep := range plan.Steps[i].Dependencies {
			fmt.Fprintf(&sb, "  %q -> %q;\n", dep, plan.Steps[i].ID)
		}
	}
	for i := range plan.RollbackSteps {
		for _, dep := range plan.RollbackSteps[i].Dependencies {
			fmt.Fprintf(&sb, "  %q -> %q [style=dotted];\n", "rollback:"+dep, "rollback:"+plan.RollbackSteps[i].ID)
		}
	}

	sb.WriteString("}\n")
	return sb.String(), nil
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func escapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
