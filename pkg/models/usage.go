package models

import "time"

// Operation classifies what consumed tokens, for per-request ceilings and
// the audit log.
type Operation string

const (
	// OpPlanning is a planner LLM call.
	OpPlanning Operation = "planning"
	// OpClassification is a relevance-filter classifier call.
	OpClassification Operation = "classification"
	// OpAgentCall is an agent microservice invocation.
	OpAgentCall Operation = "agent_call"
)

// Valid returns true if the operation is a known value.
func (o Operation) Valid() bool {
	switch o {
	case OpPlanning, OpClassification, OpAgentCall:
		return true
	default:
		return false
	}
}

// UsageStatus records how an attempted operation ended.
type UsageStatus string

const (
	// UsageSuccess indicates the operation completed.
	UsageSuccess UsageStatus = "success"
	// UsageError indicates the operation failed after being admitted.
	UsageError UsageStatus = "error"
	// UsageQuotaExceeded indicates admission denied the operation.
	UsageQuotaExceeded UsageStatus = "quota_exceeded"
)

// UsageRecord is one append-only audit entry. Exactly one record is written
// per attempted operation, including denials (with zero tokens).
type UsageRecord struct {
	// Timestamp is when the operation was attempted.
	Timestamp time.Time `json:"timestamp"`
	// UserID identifies the requesting user.
	UserID string `json:"user_id"`
	// WorkflowID identifies the owning run.
	WorkflowID string `json:"workflow_id"`
	// Operation classifies the call.
	Operation Operation `json:"operation"`
	// AgentName is set for agent_call operations.
	AgentName string `json:"agent_name,omitempty"`
	// ToolName is set for agent_call operations.
	ToolName string `json:"tool_name,omitempty"`
	// TokensUsed is the authoritative token count, zero for denials.
	TokensUsed int64 `json:"tokens_used"`
	// Status records the outcome.
	Status UsageStatus `json:"status"`
	// ErrorMessage carries failure detail for error/denial records.
	ErrorMessage string `json:"error_message,omitempty"`
	// CostEstimate is the estimated dollar cost of the tokens used.
	CostEstimate float64 `json:"cost_estimate"`
}

// UserDailyQuota is the per-user counter row for one UTC day.
type UserDailyQuota struct {
	// UserID identifies the user.
	UserID string `json:"user_id"`
	// Date is the UTC day in YYYY-MM-DD form.
	Date string `json:"date"`
	// TokensUsed is the total tokens consumed today.
	TokensUsed int64 `json:"tokens_used"`
	// RequestsMade is the total operations admitted today.
	RequestsMade int64 `json:"requests_made"`
}

// SystemHourlyUsage is the system-wide counter row for one UTC hour.
type SystemHourlyUsage struct {
	// HourBucket is the UTC hour in YYYY-MM-DDTHH form.
	HourBucket string `json:"hour_bucket"`
	// TokensUsed is the total tokens consumed this hour.
	TokensUsed int64 `json:"tokens_used"`
	// RequestsMade is the total operations admitted this hour.
	RequestsMade int64 `json:"requests_made"`
}

// DayBucket formats t as a UTC daily quota key.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// HourBucket formats t as a UTC hourly usage key.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}
