package quota

import (
	"testing"
	"time"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/state"
	"github.com/convoyhq/convoy/pkg/models"
)

func testManager(t *testing.T, limits Limits) (*Manager, *state.DB) {
	t.Helper()
	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	m := NewManager(limits, db)
	m.SetClock(func() time.Time {
		return time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	})
	return m, db
}

func defaultLimits() Limits {
	return Limits{
		MaxTokensPerPlanning:      12_000,
		MaxTokensPerAgentCall:     8_000,
		MaxTokensPerUserPerDay:    100_000,
		MaxRequestsPerUserPerDay:  50,
		MaxTokensPerSystemPerHour: 500_000,
		MaxConcurrentWorkflows:    2,
	}
}

func record(m *Manager, t *testing.T, userID string, tokens int64) {
	t.Helper()
	err := m.Record(models.UsageRecord{
		UserID:     userID,
		WorkflowID: "wf-1",
		Operation:  models.OpAgentCall,
		TokensUsed: tokens,
		Status:     models.UsageSuccess,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
}

func TestAdmit_PerRequestCeiling(t *testing.T) {
	tests := []struct {
		name       string
		op         models.Operation
		estimate   int64
		wantAllow  bool
		wantReason errcode.Code
	}{
		{
			name:      "planning under ceiling",
			op:        models.OpPlanning,
			estimate:  11_999,
			wantAllow: true,
		},
		{
			name:       "planning over ceiling",
			op:         models.OpPlanning,
			estimate:   12_001,
			wantAllow:  false,
			wantReason: errcode.CodeQuotaExceededRequest,
		},
		{
			name:      "agent call uses its own ceiling",
			op:        models.OpAgentCall,
			estimate:  8_000,
			wantAllow: true,
		},
		{
			name:       "agent call over its ceiling",
			op:         models.OpAgentCall,
			estimate:   8_001,
			wantAllow:  false,
			wantReason: errcode.CodeQuotaExceededRequest,
		},
		{
			name:      "classification shares the agent ceiling",
			op:        models.OpClassification,
			estimate:  7_000,
			wantAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := testManager(t, defaultLimits())
			dec, err := m.Admit("u1", tt.op, tt.estimate)
			if err != nil {
				t.Fatalf("admit: %v", err)
			}
			if dec.Allowed != tt.wantAllow {
				t.Errorf("Allowed = %v, want %v", dec.Allowed, tt.wantAllow)
			}
			if !tt.wantAllow && dec.Reason != tt.wantReason {
				t.Errorf("Reason = %s, want %s", dec.Reason, tt.wantReason)
			}
		})
	}
}

func TestAdmit_UserDailyTokens(t *testing.T) {
	m, _ := testManager(t, defaultLimits())

	record(m, t, "u1", 95_000)

	// 5k estimate fits exactly at 100k.
	dec, err := m.Admit("u1", models.OpAgentCall, 5_000)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected allow at the boundary, got %s", dec.Reason)
	}

	// One more token would cross.
	dec, err = m.Admit("u1", models.OpAgentCall, 5_001)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected denial past the daily ceiling")
	}
	if dec.Reason != errcode.CodeQuotaExceededUser {
		t.Errorf("Reason = %s, want %s", dec.Reason, errcode.CodeQuotaExceededUser)
	}
	if dec.RetryAfter.IsZero() {
		t.Error("user denial should carry the midnight reset time")
	}
	if got, want := dec.RetryAfter, time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}
}

func TestAdmit_UserDailyRequests(t *testing.T) {
	limits := defaultLimits()
	limits.MaxRequestsPerUserPerDay = 3
	m, _ := testManager(t, limits)

	for i := 0; i < 3; i++ {
		record(m, t, "u1", 10)
	}

	dec, err := m.Admit("u1", models.OpAgentCall, 10)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected denial at request cap")
	}
	if dec.Reason != errcode.CodeQuotaExceededUser {
		t.Errorf("Reason = %s", dec.Reason)
	}
}

func TestAdmit_SystemHourly(t *testing.T) {
	limits := defaultLimits()
	limits.MaxTokensPerUserPerDay = 1_000_000
	limits.MaxRequestsPerUserPerDay = 10_000
	limits.MaxTokensPerSystemPerHour = 1_000
	m, _ := testManager(t, limits)

	// Two users together fill the system hour.
	record(m, t, "u1", 600)
	record(m, t, "u2", 399)

	dec, err := m.Admit("u3", models.OpAgentCall, 2)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.Allowed {
		t.Fatal("expected system-tier denial")
	}
	if dec.Reason != errcode.CodeQuotaExceededSystem {
		t.Errorf("Reason = %s", dec.Reason)
	}
	if got, want := dec.RetryAfter, time.Date(2025, 6, 15, 11, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("RetryAfter = %v, want %v", got, want)
	}
}

func TestAdmit_TierOrder(t *testing.T) {
	// A request that violates the per-request ceiling AND the user ceiling
	// must report the per-request code: tiers are checked in order.
	limits := defaultLimits()
	m, _ := testManager(t, limits)
	record(m, t, "u1", 99_999)

	dec, err := m.Admit("u1", models.OpAgentCall, 50_000)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if dec.Reason != errcode.CodeQuotaExceededRequest {
		t.Errorf("Reason = %s, want %s", dec.Reason, errcode.CodeQuotaExceededRequest)
	}
}

func TestRecord_DenialNeverIncrementsCounters(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	record(m, t, "u1", 1_000)

	err := m.Record(models.UsageRecord{
		UserID:     "u1",
		WorkflowID: "wf-1",
		Operation:  models.OpAgentCall,
		TokensUsed: 9_999,
		Status:     models.UsageQuotaExceeded,
	})
	if err != nil {
		t.Fatalf("record denial: %v", err)
	}

	status, err := m.UserStatus("u1")
	if err != nil {
		t.Fatalf("user status: %v", err)
	}
	if status.TokensUsedToday != 1_000 {
		t.Errorf("TokensUsedToday = %d, want 1000", status.TokensUsedToday)
	}
	if status.RequestsMadeToday != 1 {
		t.Errorf("RequestsMadeToday = %d, want 1", status.RequestsMadeToday)
	}
}

func TestRecord_FailedCallsStillCount(t *testing.T) {
	// An agent call that errored after consuming tokens is real consumption.
	m, _ := testManager(t, defaultLimits())

	err := m.Record(models.UsageRecord{
		UserID:     "u1",
		WorkflowID: "wf-1",
		Operation:  models.OpAgentCall,
		TokensUsed: 500,
		Status:     models.UsageError,
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	status, err := m.UserStatus("u1")
	if err != nil {
		t.Fatalf("user status: %v", err)
	}
	if status.TokensUsedToday != 500 {
		t.Errorf("TokensUsedToday = %d, want 500", status.TokensUsedToday)
	}
}

func TestRecord_CountsAccumulateAcrossWorkflows(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	record(m, t, "u1", 100)
	record(m, t, "u1", 250)
	record(m, t, "u1", 50)

	status, err := m.UserStatus("u1")
	if err != nil {
		t.Fatalf("user status: %v", err)
	}
	if status.TokensUsedToday != 400 {
		t.Errorf("TokensUsedToday = %d, want 400", status.TokensUsedToday)
	}
	if status.RequestsMadeToday != 3 {
		t.Errorf("RequestsMadeToday = %d, want 3", status.RequestsMadeToday)
	}

	system, err := m.SystemStatus()
	if err != nil {
		t.Fatalf("system status: %v", err)
	}
	if system.TokensUsedThisHour != 400 {
		t.Errorf("TokensUsedThisHour = %d, want 400", system.TokensUsedThisHour)
	}
}

func TestWorkflowSlots(t *testing.T) {
	m, _ := testManager(t, defaultLimits())

	for i := 0; i < 2; i++ {
		dec, err := m.AcquireWorkflow()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if !dec.Allowed {
			t.Fatalf("slot %d should be free", i)
		}
	}

	dec, err := m.AcquireWorkflow()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if dec.Allowed {
		t.Fatal("third acquire should be rejected at cap 2")
	}
	if dec.Reason != errcode.CodeQuotaExceededSystem {
		t.Errorf("Reason = %s", dec.Reason)
	}
	if dec.RetryAfter.IsZero() {
		t.Error("rejection should carry a retry hint")
	}

	m.ReleaseWorkflow()
	dec, err = m.AcquireWorkflow()
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("released slot should be reusable")
	}
}

func TestAdmit_AtConcurrencyCap(t *testing.T) {
	limits := defaultLimits()
	limits.MaxConcurrentWorkflows = 1
	m, _ := testManager(t, limits)

	dec, err := m.AcquireWorkflow()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !dec.Allowed {
		t.Fatal("first slot should be free")
	}

	// The running workflow holds the only slot; its own operations must
	// still be admitted while the system is at the cap.
	for _, op := range []models.Operation{models.OpPlanning, models.OpClassification, models.OpAgentCall} {
		dec, err := m.Admit("u1", op, 100)
		if err != nil {
			t.Fatalf("admit %s: %v", op, err)
		}
		if !dec.Allowed {
			t.Errorf("%s denied at cap: %s %s", op, dec.Reason, dec.Message)
		}
	}
}

func TestDailyResetBoundary(t *testing.T) {
	m, _ := testManager(t, defaultLimits())
	record(m, t, "u1", 99_000)

	// Cross UTC midnight: the new day has fresh counters.
	m.SetClock(func() time.Time {
		return time.Date(2025, 6, 16, 0, 0, 1, 0, time.UTC)
	})

	dec, err := m.Admit("u1", models.OpAgentCall, 5_000)
	if err != nil {
		t.Fatalf("admit: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("expected fresh window after midnight, got %s", dec.Reason)
	}

	status, err := m.UserStatus("u1")
	if err != nil {
		t.Fatalf("user status: %v", err)
	}
	if status.TokensUsedToday != 0 {
		t.Errorf("TokensUsedToday = %d, want 0 in the new window", status.TokensUsedToday)
	}
}

func TestResetPrunesOldWindows(t *testing.T) {
	m, db := testManager(t, defaultLimits())
	record(m, t, "u1", 1_234)

	m.SetClock(func() time.Time {
		return time.Date(2025, 6, 17, 9, 0, 0, 0, time.UTC)
	})
	if err := m.ResetDaily(); err != nil {
		t.Fatalf("reset daily: %v", err)
	}
	if err := m.ResetHourly(); err != nil {
		t.Fatalf("reset hourly: %v", err)
	}

	old, err := db.UserDailyQuota("u1", "2025-06-15")
	if err != nil {
		t.Fatalf("read old window: %v", err)
	}
	if old.TokensUsed != 0 {
		t.Errorf("old window should be pruned, got %d tokens", old.TokensUsed)
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int64
	}{
		{name: "empty", text: "", want: 0},
		{name: "exact multiple", text: "abcdefgh", want: 2},
		{name: "rounds up", text: "abcde", want: 2},
		{name: "single rune", text: "a", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimateTokens(tt.text); got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}
