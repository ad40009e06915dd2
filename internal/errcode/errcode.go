// Package errcode defines the workflow error taxonomy and a typed error that
// carries a code alongside the wrapped cause.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier surfaced to callers.
type Code string

const (
	// CodePlanInvalid marks a schema or reference violation caught before execution.
	CodePlanInvalid Code = "PLAN_INVALID"
	// CodeSafetyViolation marks a plan-time draft-first policy breach.
	CodeSafetyViolation Code = "SAFETY_VIOLATION"
	// CodeMissingVariable marks a runtime binding failure.
	CodeMissingVariable Code = "MISSING_VARIABLE"
	// CodeQuotaExceededRequest marks a per-request ceiling denial.
	CodeQuotaExceededRequest Code = "QUOTA_EXCEEDED_REQUEST"
	// CodeQuotaExceededUser marks a user-daily ceiling denial.
	CodeQuotaExceededUser Code = "QUOTA_EXCEEDED_USER"
	// CodeQuotaExceededSystem marks a system-hourly or concurrency denial.
	CodeQuotaExceededSystem Code = "QUOTA_EXCEEDED_SYSTEM"
	// CodeAgentUnavailable marks exhausted retries on transient agent failure.
	CodeAgentUnavailable Code = "AGENT_UNAVAILABLE"
	// CodeAgentRejected marks a permanent 4xx or application-level failure.
	CodeAgentRejected Code = "AGENT_REJECTED"
	// CodeApprovalRequired marks a run paused for human approval.
	CodeApprovalRequired Code = "APPROVAL_REQUIRED"
	// CodeApprovalTimeout marks a pending action that expired unresolved.
	CodeApprovalTimeout Code = "APPROVAL_TIMEOUT"
	// CodeWorkflowCancelled marks a run cancelled between steps.
	CodeWorkflowCancelled Code = "WORKFLOW_CANCELLED"
)

// Error pairs a taxonomy code with a message and optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	// StepNumber is the failing step, or 0 for pre-execution failures.
	StepNumber int
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a code error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a code error wrapping an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// AtStep returns a copy of the error annotated with the failing step number.
func (e *Error) AtStep(n int) *Error {
	clone := *e
	clone.StepNumber = n
	return &clone
}

// CodeOf extracts the taxonomy code from err, or empty if err carries none.
func CodeOf(err error) Code {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
