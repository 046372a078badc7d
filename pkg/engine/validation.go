package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// AssertionEvaluator evaluates boolean check expressions against command output.
type AssertionEvaluator interface {
	Assert(ctx context.Context, expr string, vars map[string]interface{}) (bool, error)
}

// ValidationGateConfig configures a ValidationGate.
type ValidationGateConfig struct {
	// Policies evaluates policy prerequisites and global policies. Optional.
	Policies PolicyEvaluator

	// Assertions evaluates ValidationCheck.Assert expressions. Optional.
	Assertions AssertionEvaluator

	// MaxParallel bounds concurrently running validation checks.
	MaxParallel int

	// DefaultCheckTimeout applies to checks and prerequisites without a timeout.
	DefaultCheckTimeout time.Duration

	// StrictPrerequisites treats descriptors without a check or policy as unmet.
	StrictPrerequisites bool

	// Settings is exposed to policies as input.settings.
	Settings map[string]interface{}

	Logger  zerolog.Logger
	Metrics MetricsRecorder
}

// ValidationGate runs prerequisite checks before execution and validation
// checks after execution or rollback.
type ValidationGate struct {
	policies     PolicyEvaluator
	assertions   AssertionEvaluator
	maxParallel  int
	checkTimeout time.Duration
	strict       bool
	settings     map[string]interface{}
	logger       zerolog.Logger
	metrics      MetricsRecorder
}

// NewValidationGate creates a validation gate.
func NewValidationGate(cfg ValidationGateConfig) *ValidationGate {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.DefaultCheckTimeout <= 0 {
		cfg.DefaultCheckTimeout = 60 * time.Second
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &ValidationGate{
		policies:     cfg.Policies,
		assertions:   cfg.Assertions,
		maxParallel:  cfg.MaxParallel,
		checkTimeout: cfg.DefaultCheckTimeout,
		strict:       cfg.StrictPrerequisites,
		settings:     cfg.Settings,
		logger:       cfg.Logger.With().Str("component", "validation-gate").Logger(),
		metrics:      cfg.Metrics,
	}
}

// PreValidate evaluates global policies and every prerequisite of plan. Any
// unmet prerequisite yields a *PrerequisiteUnmetError; all results are returned
// either way so they can be reported.
func (g *ValidationGate) PreValidate(ctx context.Context, plan *RecoveryPlan, environment string, runner ActionRunner) ([]PrerequisiteResult, error) {
	input := &PolicyInput{Plan: plan, Environment: environment, Settings: g.settings}
	results := make([]PrerequisiteResult, 0, len(plan.Prerequisites)+1)

	if g.policies != nil {
		violations, err := g.policies.EvaluateGlobal(ctx, input)
		res := PrerequisiteResult{Name: "global-policies", Satisfied: true, CheckedAt: time.Now()}
		switch {
		case err != nil:
			res.Satisfied = false
			res.Detail = fmt.Sprintf("policy evaluation failed: %v", err)
		case len(violations) > 0:
			res.Satisfied = false
			res.Detail = formatViolations(violations)
		}
		results = append(results, res)
	}

	for i := range plan.Prerequisites {
		results = append(results, g.checkPrerequisite(ctx, &plan.Prerequisites[i], input, runner))
	}

	var unmet []PrerequisiteResult
	for _, r := range results {
		if !r.Satisfied {
			unmet = append(unmet, r)
			g.logger.Warn().
				Str("plan_id", plan.ID).
				Str("prerequisite", r.Name).
				Str("detail", r.Detail).
				Msg("Prerequisite unmet")
		}
	}
	if len(unmet) > 0 {
		return results, &PrerequisiteUnmetError{PlanID: plan.ID, Unmet: unmet}
	}

	g.logger.Info().
		Str("plan_id", plan.ID).
		Int("prerequisites", len(results)).
		Msg("All prerequisites satisfied")
	return results, nil
}

// checkPrerequisite evaluates one descriptor: its check action, then its policy.
func (g *ValidationGate) checkPrerequisite(ctx context.Context, p *Prerequisite, input *PolicyInput, runner ActionRunner) PrerequisiteResult {
	res := PrerequisiteResult{Name: p.Name, Satisfied: true}
	var details []string

	if p.Check == nil && p.Policy == "" {
		res.CheckedAt = time.Now()
		if g.strict {
			res.Satisfied = false
			res.Detail = "no automated check defined"
		} else {
			res.Detail = "acknowledged, no automated check defined"
		}
		return res
	}

	if p.Check != nil {
		checkCtx, cancel := context.WithTimeout(ctx, g.checkTimeout)
		out, err := runner.Run(checkCtx, *p.Check, g.checkTimeout)
		cancel()
		switch {
		case err != nil:
			res.Satisfied = false
			details = append(details, fmt.Sprintf("check failed: %v", err))
		case out != nil && out.ExitCode != 0:
			res.Satisfied = false
			details = append(details, fmt.Sprintf("check exited with %d", out.ExitCode))
		default:
			details = append(details, "check passed")
		}
	}

	if p.Policy != "" {
		switch {
		case g.policies == nil:
			res.Satisfied = false
			details = append(details, fmt.Sprintf("policy %s cannot be evaluated: no policy engine configured", p.Policy))
		default:
			violations, err := g.policies.EvaluatePolicy(ctx, p.Policy, input)
			if err != nil {
				res.Satisfied = false
				details = append(details, fmt.Sprintf("policy %s evaluation failed: %v", p.Policy, err))
			} else if len(violations) > 0 {
				res.Satisfied = false
				details = append(details, formatViolations(violations))
			} else {
				details = append(details, fmt.Sprintf("policy %s passed", p.Policy))
			}
		}
	}

	res.Detail = strings.Join(details, "; ")
	res.CheckedAt = time.Now()
	return res
}

// PostValidate runs every validation check of plan concurrently and returns
// the results in declaration order. In a dry run checks are recorded as
// skipped and passed.
func (g *ValidationGate) PostValidate(ctx context.Context, plan *RecoveryPlan, runner ActionRunner, dryRun bool) []ValidationResult {
	results := make([]ValidationResult, len(plan.ValidationChecks))

	var eg errgroup.Group
	eg.SetLimit(g.maxParallel)

	for i := range plan.ValidationChecks {
		i := i
		check := &plan.ValidationChecks[i]
		eg.Go(func() error {
			if dryRun {
				results[i] = ValidationResult{
					Name:      check.Name,
					Critical:  check.Critical,
					Passed:    true,
					Skipped:   true,
					Expected:  check.ExpectedResult,
					Output:    "dry run: check not executed",
					StartedAt: time.Now(),
				}
				return nil
			}
			results[i] = g.runCheck(ctx, check, runner)
			return nil
		})
	}
	_ = eg.Wait()

	for _, r := range results {
		g.metrics.RecordValidationCheck(plan.ID, r.Critical, r.Passed)
		if !r.Passed {
			g.logger.Warn().
				Str("plan_id", plan.ID).
				Str("check", r.Name).
				Bool("critical", r.Critical).
				Str("error", r.Error).
				Msg("Validation check failed")
		}
	}

	return results
}

// runCheck executes one check and compares its output.
func (g *ValidationGate) runCheck(ctx context.Context, check *ValidationCheck, runner ActionRunner) ValidationResult {
	timeout := g.checkTimeout
	if check.TimeoutSeconds > 0 {
		timeout = time.Duration(check.TimeoutSeconds) * time.Second
	}

	res := ValidationResult{
		Name:      check.Name,
		Critical:  check.Critical,
		Expected:  check.ExpectedResult,
		StartedAt: time.Now(),
	}

	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := runner.Run(checkCtx, check.Command, timeout)
	res.Duration = time.Since(res.StartedAt)
	if out != nil {
		res.Output = strings.TrimSpace(out.Stdout)
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if out == nil {
		out = &ActionOutput{}
	}
	if out.ExitCode != 0 {
		res.Error = fmt.Sprintf("check exited with %d", out.ExitCode)
		return res
	}

	if check.ExpectedResult != "" && !strings.Contains(out.Stdout, check.ExpectedResult) {
		res.Error = fmt.Sprintf("output does not contain %q", check.ExpectedResult)
		return res
	}

	if check.Assert != "" {
		if g.assertions == nil {
			res.Error = "assertion defined but no evaluator configured"
			return res
		}
		ok, err := g.assertions.Assert(checkCtx, check.Assert, map[string]interface{}{
			"stdout":    out.Stdout,
			"stderr":    out.Stderr,
			"exit_code": out.ExitCode,
		})
		if err != nil {
			res.Error = fmt.Sprintf("assertion failed to evaluate: %v", err)
			return res
		}
		if !ok {
			res.Error = fmt.Sprintf("assertion %q is false", check.Assert)
			return res
		}
	}

	res.Passed = true
	return res
}

func formatViolations(violations []PolicyViolation) string {
	msgs := make([]string, 0, len(violations))
	for _, v := range violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return strings.Join(msgs, "; ")
}
