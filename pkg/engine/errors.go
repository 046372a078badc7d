package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: action timeouts, unreachable hosts, busy databases.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as a second run of a plan
	// that already has an active run.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid plans, unmet prerequisites, rejected approvals.
	ErrorClassPermanent ErrorClass = "permanent"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the plan, step or run ID that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	if e.Resource != "" && e.Operation != "" {
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	} else if e.Resource != "" {
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Err.Error())
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// HasCode reports whether any EngineError in the chain carries the given code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRunActive         = "RUN_ACTIVE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeActionFailed      = "ACTION_FAILED"
	ErrCodePrerequisiteUnmet = "PREREQUISITE_UNMET"
	ErrCodeApprovalRejected  = "APPROVAL_REJECTED"
	ErrCodeApprovalTimedOut  = "APPROVAL_TIMED_OUT"
	ErrCodePersistence       = "PERSISTENCE_FAILED"
	ErrCodeNotResumable      = "NOT_RESUMABLE"
	ErrCodeCancelUnconfirmed = "CANCEL_UNCONFIRMED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeInternal          = "INTERNAL_ERROR"
)

var (
	// ErrAwaitingApproval is returned by Execute when the caller asked not to
	// wait and the run is suspended at the approval gate.
	ErrAwaitingApproval = errors.New("run is awaiting approval")

	// ErrPlanNotFound is wrapped by persistence ports when a plan does not exist.
	ErrPlanNotFound = errors.New("plan not found")

	// ErrRunNotFound is wrapped by persistence ports when a run does not exist.
	ErrRunNotFound = errors.New("run not found")

	// ErrReportNotFound is wrapped by persistence ports when a report does not exist.
	ErrReportNotFound = errors.New("report not found")

	// ErrReportExists is returned when a run already has a report.
	ErrReportExists = errors.New("report already exists")
)

// PlanInvalidError is returned when a plan fails structural validation.
type PlanInvalidError struct {
	PlanID string
	StepID string
	Reason string
}

func (e *PlanInvalidError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("plan %s is invalid at step %s: %s", e.PlanID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("plan %s is invalid: %s", e.PlanID, e.Reason)
}

// PrerequisiteUnmetError lists the prerequisites that blocked a run.
type PrerequisiteUnmetError struct {
	PlanID string
	Unmet  []PrerequisiteResult
}

func (e *PrerequisiteUnmetError) Error() string {
	names := make([]string, 0, len(e.Unmet))
	for _, r := range e.Unmet {
		names = append(names, r.Name)
	}
	return fmt.Sprintf("plan %s has unmet prerequisites: %s", e.PlanID, strings.Join(names, ", "))
}

// TimeoutError is returned by an ActionRunner when an action exceeds its bound.
type TimeoutError struct {
	Action  string
	Timeout string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("action %q timed out after %s", e.Action, e.Timeout)
}

// ActionError is returned by an ActionRunner on non-zero or abnormal completion.
type ActionError struct {
	Action   string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ActionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("action %q failed (exit %d): %v", e.Action, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("action %q failed (exit %d)", e.Action, e.ExitCode)
}

func (e *ActionError) Unwrap() error {
	return e.Err
}

// ReportPersistError wraps a failure to persist a recovery report.
type ReportPersistError struct {
	RunID string
	Err   error
}

func (e *ReportPersistError) Error() string {
	return fmt.Sprintf("failed to persist report for run %s: %v", e.RunID, e.Err)
}

func (e *ReportPersistError) Unwrap() error {
	return e.Err
}

// NewRunActiveError reports a second concurrent run of the same plan.
func NewRunActiveError(planID, activeRunID string) *EngineError {
	return NewConflictError("plan already has an active run", nil).
		WithCode(ErrCodeRunActive).
		WithResource(planID).
		WithDetail("active_run_id", activeRunID)
}

// NewNotFoundError wraps a lookup failure for a plan or run.
func NewNotFoundError(kind, id string, err error) *EngineError {
	return NewPermanentError(kind+" not found", err).
		WithCode(ErrCodeNotFound).
		WithResource(id)
}
