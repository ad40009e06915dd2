package quota

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/state"
	"github.com/convoyhq/convoy/pkg/models"
)

// Limits holds the ceilings for every quota tier.
type Limits struct {
	// MaxTokensPerPlanning is the per-request ceiling for planner calls.
	MaxTokensPerPlanning int64
	// MaxTokensPerAgentCall is the per-request ceiling for agent and
	// classification calls.
	MaxTokensPerAgentCall int64
	// MaxTokensPerUserPerDay is the user daily token ceiling.
	MaxTokensPerUserPerDay int64
	// MaxRequestsPerUserPerDay is the user daily request ceiling.
	MaxRequestsPerUserPerDay int64
	// MaxTokensPerSystemPerHour is the system hourly token ceiling.
	MaxTokensPerSystemPerHour int64
	// MaxConcurrentWorkflows bounds in-flight workflows.
	MaxConcurrentWorkflows int
}

// Decision is the outcome of an admission check.
type Decision struct {
	// Allowed indicates the operation may proceed.
	Allowed bool
	// Reason is the taxonomy code of the first violated tier.
	Reason errcode.Code
	// Message describes the denial for the audit log and the caller.
	Message string
	// RetryAfter is when the violated window resets, if it does.
	RetryAfter time.Time
}

// Manager enforces the three quota tiers. All checks and counter mutations
// happen under one mutex so that two concurrent admit/record sequences can
// never both pass the same boundary check before either increments.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	db     *state.DB
	active int
	// now is the clock source, replaceable in tests.
	now func() time.Time
}

// NewManager creates a quota manager backed by the given database.
func NewManager(limits Limits, db *state.DB) *Manager {
	return &Manager{
		limits: limits,
		db:     db,
		now:    time.Now,
	}
}

// SetClock replaces the time source. Tests use this to pin quota windows.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// perRequestCeiling returns the operation-specific single-call ceiling.
func (m *Manager) perRequestCeiling(op models.Operation) int64 {
	if op == models.OpPlanning {
		return m.limits.MaxTokensPerPlanning
	}
	return m.limits.MaxTokensPerAgentCall
}

// Admit checks every tier in order and returns the first violation.
// There is no partial admission; an allowed decision covers the full
// estimated cost. Admission never mutates counters — denied requests incur
// no cost, and granted ones are accounted when Record is called.
func (m *Manager) Admit(userID string, op models.Operation, estimatedTokens int64) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()

	// Tier 0: per-request ceiling. A denial here never touches counters.
	if ceiling := m.perRequestCeiling(op); ceiling > 0 && estimatedTokens > ceiling {
		return Decision{
			Reason: errcode.CodeQuotaExceededRequest,
			Message: fmt.Sprintf("%s call estimated at %d tokens exceeds the per-request ceiling of %d",
				op, estimatedTokens, ceiling),
		}, nil
	}

	// Tier 1: user daily tokens and requests.
	daily, err := m.db.UserDailyQuota(userID, models.DayBucket(now))
	if err != nil {
		return Decision{}, err
	}
	if daily.TokensUsed+estimatedTokens > m.limits.MaxTokensPerUserPerDay {
		return Decision{
			Reason: errcode.CodeQuotaExceededUser,
			Message: fmt.Sprintf("user %s at %d/%d daily tokens; %d more would exceed the ceiling",
				userID, daily.TokensUsed, m.limits.MaxTokensPerUserPerDay, estimatedTokens),
			RetryAfter: nextMidnight(now),
		}, nil
	}
	if daily.RequestsMade+1 > m.limits.MaxRequestsPerUserPerDay {
		return Decision{
			Reason: errcode.CodeQuotaExceededUser,
			Message: fmt.Sprintf("user %s has made %d/%d daily requests",
				userID, daily.RequestsMade, m.limits.MaxRequestsPerUserPerDay),
			RetryAfter: nextMidnight(now),
		}, nil
	}

	// Tier 2: system hourly tokens.
	hourly, err := m.db.SystemHourlyUsage(models.HourBucket(now))
	if err != nil {
		return Decision{}, err
	}
	if hourly.TokensUsed+estimatedTokens > m.limits.MaxTokensPerSystemPerHour {
		return Decision{
			Reason: errcode.CodeQuotaExceededSystem,
			Message: fmt.Sprintf("system at %d/%d hourly tokens",
				hourly.TokensUsed, m.limits.MaxTokensPerSystemPerHour),
			RetryAfter: nextHour(now),
		}, nil
	}

	// The concurrency cap is not re-checked here: a workflow's slot is
	// reserved once by AcquireWorkflow, and its own operations must still
	// be admitted when the system is at the cap.
	return Decision{Allowed: true}, nil
}

// Record appends exactly one audit entry for an attempted operation.
// Quota denials are logged with zero tokens and do not increment the
// counters they were checked against.
func (m *Manager) Record(rec models.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec.Timestamp.IsZero() {
		rec.Timestamp = m.now().UTC()
	}

	if rec.Status == models.UsageQuotaExceeded {
		rec.TokensUsed = 0
		rec.CostEstimate = 0
		return m.db.AppendUsage(rec)
	}
	return m.db.ApplyUsage(rec)
}

// AcquireWorkflow reserves an in-flight workflow slot. It fails with a
// retry-after hint instead of queueing when the concurrency cap is reached.
func (m *Manager) AcquireWorkflow() (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active >= m.limits.MaxConcurrentWorkflows {
		return Decision{
			Reason: errcode.CodeQuotaExceededSystem,
			Message: fmt.Sprintf("%d/%d workflows already in flight",
				m.active, m.limits.MaxConcurrentWorkflows),
			RetryAfter: m.now().UTC().Add(30 * time.Second),
		}, nil
	}
	m.active++
	return Decision{Allowed: true}, nil
}

// ReleaseWorkflow frees a workflow slot at any terminal transition,
// cancellation included.
func (m *Manager) ReleaseWorkflow() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active > 0 {
		m.active--
	}
}

// ActiveWorkflows returns the current in-flight workflow count.
func (m *Manager) ActiveWorkflows() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// UserStatus is the quota snapshot returned to callers.
type UserStatus struct {
	UserID            string    `json:"user_id"`
	TokensUsedToday   int64     `json:"tokens_used_today"`
	DailyTokenLimit   int64     `json:"daily_limit"`
	RequestsMadeToday int64     `json:"requests_made_today"`
	RequestLimit      int64     `json:"request_limit"`
	ResetsAt          time.Time `json:"resets_at"`
}

// SystemStatus is the system-wide quota snapshot returned to callers.
type SystemStatus struct {
	TokensUsedThisHour int64 `json:"tokens_used_this_hour"`
	HourlyTokenLimit   int64 `json:"hourly_limit"`
	ActiveWorkflows    int   `json:"active_workflows"`
	ConcurrentLimit    int   `json:"concurrent_limit"`
}

// UserStatus returns the current daily usage for a user.
func (m *Manager) UserStatus(userID string) (UserStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	daily, err := m.db.UserDailyQuota(userID, models.DayBucket(now))
	if err != nil {
		return UserStatus{}, err
	}
	return UserStatus{
		UserID:            userID,
		TokensUsedToday:   daily.TokensUsed,
		DailyTokenLimit:   m.limits.MaxTokensPerUserPerDay,
		RequestsMadeToday: daily.RequestsMade,
		RequestLimit:      m.limits.MaxRequestsPerUserPerDay,
		ResetsAt:          nextMidnight(now),
	}, nil
}

// SystemStatus returns the current hourly usage and workflow concurrency.
func (m *Manager) SystemStatus() (SystemStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	hourly, err := m.db.SystemHourlyUsage(models.HourBucket(now))
	if err != nil {
		return SystemStatus{}, err
	}
	return SystemStatus{
		TokensUsedThisHour: hourly.TokensUsed,
		HourlyTokenLimit:   m.limits.MaxTokensPerSystemPerHour,
		ActiveWorkflows:    m.active,
		ConcurrentLimit:    m.limits.MaxConcurrentWorkflows,
	}, nil
}

// ResetDaily drops counter windows before the current UTC day. Counters are
// keyed by day, so running this more than once in a window is a no-op.
func (m *Manager) ResetDaily() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.PruneDailyQuota(models.DayBucket(m.now().UTC()))
}

// ResetHourly drops counter windows before the current UTC hour.
func (m *Manager) ResetHourly() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.PruneHourlyUsage(models.HourBucket(m.now().UTC()))
}

// RunMaintenance fires the scheduled resets until the context is cancelled.
func (m *Manager) RunMaintenance(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	lastDay := models.DayBucket(time.Now().UTC())
	lastHour := models.HourBucket(time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if day := models.DayBucket(now); day != lastDay {
				lastDay = day
				if err := m.ResetDaily(); err != nil {
					log.Printf("[quota] daily reset failed: %v", err)
				}
			}
			if hour := models.HourBucket(now); hour != lastHour {
				lastHour = hour
				if err := m.ResetHourly(); err != nil {
					log.Printf("[quota] hourly reset failed: %v", err)
				}
			}
		}
	}
}

// nextMidnight returns the next UTC midnight after t.
func nextMidnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// nextHour returns the start of the next UTC hour after t.
func nextHour(t time.Time) time.Time {
	t = t.UTC()
	return t.Truncate(time.Hour).Add(time.Hour)
}
