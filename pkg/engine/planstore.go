package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// stepIDPattern restricts plan and step IDs to lowercase slugs.
var stepIDPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// PlanStore loads, validates, lists and saves recovery plans. A plan that fails
// Validate is never returned by Load and never persisted by Save.
type PlanStore struct {
	persistence PersistencePort
	resolver    *DependencyResolver
	validate    *validator.Validate
	logger      zerolog.Logger
}

// NewPlanStore creates a plan store on top of a persistence port.
func NewPlanStore(persistence PersistencePort, logger zerolog.Logger) *PlanStore {
	v := validator.New()
	// Registration only fails for empty tags or nil funcs.
	_ = v.RegisterValidation("stepid", func(fl validator.FieldLevel) bool {
		return stepIDPattern.MatchString(fl.Field().String())
	})

	return &PlanStore{
		persistence: persistence,
		resolver:    NewDependencyResolver(),
		validate:    v,
		logger:      logger.With().Str("component", "plan-store").Logger(),
	}
}

// Load returns the plan with the given ID after validating it.
func (s *PlanStore) Load(ctx context.Context, id string) (*RecoveryPlan, error) {
	plan, err := s.persistence.LoadPlan(ctx, id)
	if err != nil {
		if errors.Is(err, ErrPlanNotFound) {
			return nil, NewNotFoundError("plan", id, err).WithOperation("load")
		}
		return nil, NewTransientError("failed to load plan", err).
			WithCode(ErrCodePersistence).
			WithResource(id).
			WithOperation("load")
	}

	if err := s.Validate(plan); err != nil {
		s.logger.Error().Err(err).Str("plan_id", id).Msg("Stored plan failed validation")
		return nil, err
	}
	return plan, nil
}

// Validate checks the plan's schema, that every dependency resolves to a known
// step, and that neither the forward nor the rollback graph has a cycle.
// Failures are reported as *PlanInvalidError.
func (s *PlanStore) Validate(plan *RecoveryPlan) error {
	if plan == nil {
		return &PlanInvalidError{Reason: "plan is nil"}
	}

	if err := s.validate.Struct(plan); err != nil {
		return s.schemaError(plan.ID, err)
	}

	for _, set := range []struct {
		kind  string
		steps []Step
	}{
		{kind: "step", steps: plan.Steps},
		{kind: "rollback step", steps: plan.RollbackSteps},
	} {
		for i := range set.steps {
			if set.steps[i].Action.IsZero() {
				return &PlanInvalidError{
					PlanID: plan.ID,
					StepID: set.steps[i].ID,
					Reason: set.kind + " has no action",
				}
			}
		}
		if err := s.resolver.Validate(set.steps); err != nil {
			return withPlanID(plan.ID, err)
		}
	}

	seen := make(map[string]bool, len(plan.ValidationChecks))
	for _, c := range plan.ValidationChecks {
		if seen[c.Name] {
			return &PlanInvalidError{PlanID: plan.ID, Reason: fmt.Sprintf("duplicate validation check %q", c.Name)}
		}
		seen[c.Name] = true
		if c.Command.IsZero() {
			return &PlanInvalidError{PlanID: plan.ID, Reason: fmt.Sprintf("validation check %q has no command", c.Name)}
		}
	}

	return nil
}

// List returns summaries of every stored plan, most urgent first. Plans that no
// longer validate are listed anyway so operators can find and fix them.
func (s *PlanStore) List(ctx context.Context) ([]PlanSummary, error) {
	plans, err := s.persistence.ListPlans(ctx)
	if err != nil {
		return nil, NewTransientError("failed to list plans", err).
			WithCode(ErrCodePersistence).
			WithOperation("list")
	}

	summaries := make([]PlanSummary, 0, len(plans))
	for i := range plans {
		summaries = append(summaries, plans[i].Summarize())
	}
	SortSummaries(summaries)
	return summaries, nil
}

// Save validates and persists a new or updated plan definition.
func (s *PlanStore) Save(ctx context.Context, plan *RecoveryPlan) error {
	if err := s.Validate(plan); err != nil {
		return err
	}
	if err := s.persistence.SavePlan(ctx, plan); err != nil {
		return NewTransientError("failed to save plan", err).
			WithCode(ErrCodePersistence).
			WithResource(plan.ID).
			WithOperation("save")
	}

	s.logger.Info().
		Str("plan_id", plan.ID).
		Int("steps", len(plan.Steps)).
		Int("rollback_steps", len(plan.RollbackSteps)).
		Msg("Plan saved")
	return nil
}

// schemaError converts validator output into a PlanInvalidError that names the
// first offending step when there is one.
func (s *PlanStore) schemaError(planID string, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &PlanInvalidError{PlanID: planID, Reason: err.Error()}
	}

	fe := verrs[0]
	reason := fmt.Sprintf("field %s failed %q validation", fe.Namespace(), fe.Tag())
	if fe.Param() != "" {
		reason = fmt.Sprintf("field %s failed %q validation (%s)", fe.Namespace(), fe.Tag(), fe.Param())
	}
	if len(verrs) > 1 {
		reason = fmt.Sprintf("%s and %d more", reason, len(verrs)-1)
	}
	return &PlanInvalidError{PlanID: planID, StepID: stepFromNamespace(fe.Namespace()), Reason: reason}
}

// stepFromNamespace extracts "Steps[2]" style positions from a validator namespace.
func stepFromNamespace(ns string) string {
	for _, part := range strings.Split(ns, ".") {
		if strings.HasPrefix(part, "Steps[") || strings.HasPrefix(part, "RollbackSteps[") {
			return part
		}
	}
	return ""
}

func withPlanID(planID string, err error) error {
	var invalid *PlanInvalidError
	if errors.As(err, &invalid) {
		invalid.PlanID = planID
	}
	return err
}
