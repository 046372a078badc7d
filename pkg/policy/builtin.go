package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	MaxDowntimePolicy        = "max-downtime"
	AutomatedRecoveryPolicy  = "automated-recovery"
	ProductionRollbackPolicy = "production-rollback"
	ActionDefinedPolicy      = "action-defined"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		maxDowntimePolicy(),
		automatedRecoveryPolicy(),
		productionRollbackPolicy(),
		actionDefinedPolicy(),
	}
}

// maxDowntimePolicy rejects plans whose estimated downtime exceeds
// settings.max_downtime_minutes. A limit of zero disables the check.
func maxDowntimePolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        MaxDowntimePolicy,
		Description: "Estimated plan downtime must not exceed the configured maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Global:      true,
		Tags:        []string{"downtime", "sla"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package failsafe.policies.downtime

import rego.v1

deny contains msg if {
	limit := input.settings.max_downtime_minutes
	limit > 0
	input.plan.estimated_downtime_seconds > limit * 60
	msg := sprintf("plan %s estimates %v seconds of downtime, above the %v minute limit", [
		input.plan.id,
		input.plan.estimated_downtime_seconds,
		limit,
	])
}
`,
	}
}

// automatedRecoveryPolicy blocks every run when automated recovery has been
// switched off. An absent setting counts as enabled.
func automatedRecoveryPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        AutomatedRecoveryPolicy,
		Description: "Automated recovery must be enabled",
		Severity:    SeverityError,
		Enabled:     true,
		Global:      true,
		Tags:        []string{"automation"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package failsafe.policies.automation

import rego.v1

deny contains msg if {
	input.settings.enable_automated_recovery == false
	msg := sprintf("automated recovery is disabled in %s", [input.environment])
}
`,
	}
}

// productionRollbackPolicy warns about critical production plans that have
// no way back.
func productionRollbackPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        ProductionRollbackPolicy,
		Description: "Critical plans run in production should define rollback steps",
		Severity:    SeverityWarning,
		Enabled:     true,
		Global:      true,
		Tags:        []string{"rollback", "production"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package failsafe.policies.rollback

import rego.v1

deny contains msg if {
	input.environment == "production"
	input.plan.priority == "critical"
	count(object.get(input.plan, "rollback_steps", [])) == 0
	msg := sprintf("critical plan %s has no rollback steps", [input.plan.id])
}
`,
	}
}

// actionDefinedPolicy is a prerequisite policy: every step must name a
// command or a script.
func actionDefinedPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        ActionDefinedPolicy,
		Description: "Every step must define a command or a script",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"steps"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package failsafe.policies.actions

import rego.v1

deny contains msg if {
	some step in input.plan.steps
	not step.action.command
	not step.action.script
	msg := sprintf("step %s has no command or script", [step.id])
}
`,
	}
}
