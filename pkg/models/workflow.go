package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow run.
type WorkflowStatus string

const (
	// StatusPlanning indicates the planner is producing a plan.
	StatusPlanning WorkflowStatus = "PLANNING"
	// StatusAuthorizing indicates the plan is being validated and admitted.
	StatusAuthorizing WorkflowStatus = "AUTHORIZING"
	// StatusExecuting indicates steps are being dispatched.
	StatusExecuting WorkflowStatus = "EXECUTING"
	// StatusAwaitingApproval indicates a high-risk step is paused for a human.
	StatusAwaitingApproval WorkflowStatus = "AWAITING_APPROVAL"
	// StatusCompleted indicates every step finished.
	StatusCompleted WorkflowStatus = "COMPLETED"
	// StatusFailed indicates an unrecoverable step failure.
	StatusFailed WorkflowStatus = "FAILED"
	// StatusQuotaBlocked indicates a user or system quota tier denied a step.
	StatusQuotaBlocked WorkflowStatus = "QUOTA_BLOCKED"
	// StatusCancelled indicates the caller cancelled the run between steps.
	StatusCancelled WorkflowStatus = "CANCELLED"
)

// Valid returns true if the status is a known value.
func (s WorkflowStatus) Valid() bool {
	switch s {
	case StatusPlanning, StatusAuthorizing, StatusExecuting, StatusAwaitingApproval,
		StatusCompleted, StatusFailed, StatusQuotaBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status ends the run. AWAITING_APPROVAL is not
// terminal: the run resumes once the pending action is resolved.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusQuotaBlocked, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowRun is the record of one orchestrated request, from admission to a
// terminal status. Runs are never mutated after termination.
type WorkflowRun struct {
	// WorkflowID is the unique identifier for the run.
	WorkflowID string `json:"workflow_id"`
	// UserID identifies the requesting user for quota accounting.
	UserID string `json:"user_id"`
	// Input is the original user request text.
	Input string `json:"input"`
	// Status is the current lifecycle state.
	Status WorkflowStatus `json:"status"`
	// Plan is the validated plan, once planning succeeds.
	Plan *Plan `json:"plan,omitempty"`
	// Context holds the variables accumulated so far. On failure it carries
	// whatever was collected before the failing step.
	Context ExecutionContext `json:"context,omitempty"`
	// Error describes the failure for non-completed terminal states.
	Error *WorkflowError `json:"error,omitempty"`
	// PendingActionID references the approval blocking the run, if any.
	PendingActionID string `json:"pending_action_id,omitempty"`
	// StartedAt is when the run was admitted.
	StartedAt time.Time `json:"started_at"`
	// EndedAt is when the run reached a terminal status.
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// WorkflowError is the structured error surfaced to callers. It always names
// the taxonomy code and, when a step was involved, which step failed.
type WorkflowError struct {
	// Code is the taxonomy code, e.g. QUOTA_EXCEEDED_USER.
	Code string `json:"code"`
	// Message is a human-readable description.
	Message string `json:"message"`
	// StepNumber is the failing step, or 0 for pre-execution failures.
	StepNumber int `json:"step_number,omitempty"`
}
