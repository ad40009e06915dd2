package models

import "time"

// PendingActionStatus represents the lifecycle state of a paused action.
type PendingActionStatus string

const (
	// PendingStatusPending indicates the action awaits a human decision.
	PendingStatusPending PendingActionStatus = "PENDING"
	// PendingStatusExecuted indicates a human approved and the step ran.
	PendingStatusExecuted PendingActionStatus = "EXECUTED"
	// PendingStatusRejected indicates a human rejected the action.
	PendingStatusRejected PendingActionStatus = "REJECTED"
	// PendingStatusExpired indicates the approval TTL elapsed.
	PendingStatusExpired PendingActionStatus = "EXPIRED"
)

// Valid returns true if the status is a known value.
func (s PendingActionStatus) Valid() bool {
	switch s {
	case PendingStatusPending, PendingStatusExecuted, PendingStatusRejected, PendingStatusExpired:
		return true
	default:
		return false
	}
}

// Terminal returns true once the action can no longer change state.
func (s PendingActionStatus) Terminal() bool {
	return s != PendingStatusPending
}

// PendingAction is a high-risk step paused for human approval. It is created
// by the safety gate when a send-type step lacks its prerequisite draft in
// the live execution context, and resolved exactly once.
type PendingAction struct {
	// ActionID is the unique identifier handed back to the caller.
	ActionID string `json:"action_id"`
	// WorkflowID is the run this action belongs to.
	WorkflowID string `json:"workflow_id"`
	// Step is the gated step, with inputs already bound.
	Step Step `json:"step"`
	// RiskLevel is the classified risk of the gated tool.
	RiskLevel RiskLevel `json:"risk_level"`
	// Reason explains why the gate paused the step.
	Reason string `json:"reason"`
	// Status is the current lifecycle state.
	Status PendingActionStatus `json:"status"`
	// CreatedAt is when the gate created the action.
	CreatedAt time.Time `json:"created_at"`
	// ExpiresAt is when the action transitions to EXPIRED if unresolved.
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the action's TTL has elapsed at the given time.
func (a PendingAction) Expired(now time.Time) bool {
	return a.Status == PendingStatusPending && now.After(a.ExpiresAt)
}
