package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityError blocks a run when a global policy denies it.
	SeverityError Severity = "error"
	// SeverityWarning is logged for global policies and never blocks.
	SeverityWarning Severity = "warning"
	// SeverityInfo is informational only.
	SeverityInfo Severity = "info"
)

// Blocking reports whether a global policy of this severity stops a run.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == ""
}

// Policy represents an OPA policy with metadata.
type Policy struct {
	// Name is the unique identifier for the policy. Plans reference it from
	// their prerequisites.
	Name string `json:"name"`

	// Description explains what the policy enforces.
	Description string `json:"description"`

	// Rego is the policy source. It must define a deny set.
	Rego string `json:"rego"`

	// Severity applies to violations of global policies.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Global policies are evaluated for every plan before execution.
	Global bool `json:"global"`

	// Tags for categorizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source string `json:"source,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyBundle represents a collection of policies shipped as one JSON file.
type PolicyBundle struct {
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Policies    []Policy `json:"policies"`
}
