package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/llm"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/internal/state"
)

// scriptedRunner replays canned responses in order.
type scriptedRunner struct {
	responses []string
	calls     int
}

func (r *scriptedRunner) Run(ctx context.Context, model, system, prompt string) (string, llm.Usage, error) {
	if r.calls >= len(r.responses) {
		return "", llm.Usage{}, context.DeadlineExceeded
	}
	resp := r.responses[r.calls]
	r.calls++
	return resp, llm.Usage{InputTokens: 100, OutputTokens: 50}, nil
}

func testQuota(t *testing.T) *quota.Manager {
	t.Helper()
	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return quota.NewManager(quota.Limits{
		MaxTokensPerPlanning:      12_000,
		MaxTokensPerAgentCall:     8_000,
		MaxTokensPerUserPerDay:    100_000,
		MaxRequestsPerUserPerDay:  100,
		MaxTokensPerSystemPerHour: 500_000,
		MaxConcurrentWorkflows:    5,
	}, db)
}

const validPlanJSON = `{
  "steps": [
    {"agent_name": "email_agent", "tool_name": "search_inbox",
     "inputs": {"query": "invoices"}, "output_variables": {"messages": "matches"}},
    {"agent_name": "email_agent", "tool_name": "create_draft",
     "inputs": {"body": "found {{messages}}"}, "output_variables": {"draft_id": "the draft"}}
  ]
}`

const sendWithoutDraftJSON = `{
  "steps": [
    {"agent_name": "email_agent", "tool_name": "send_email",
     "inputs": {"to": "a@b.com", "body": "hi"}}
  ]
}`

func newTestPlanner(t *testing.T, runner llm.Runner, maxRetries int) *Planner {
	t.Helper()
	v := NewValidator(testRegistry(), 10)
	return New(runner, v, testQuota(t), "test-model", maxRetries)
}

func TestPlan_FirstAttemptValid(t *testing.T) {
	runner := &scriptedRunner{responses: []string{validPlanJSON}}
	p := newTestPlanner(t, runner, 2)

	plan, err := p.Plan(context.Background(), Request{UserID: "u1", WorkflowID: "wf", UserInput: "reply to my invoices"}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(plan.Steps))
	}
	if runner.calls != 1 {
		t.Errorf("calls = %d, want 1", runner.calls)
	}
	if plan.Steps[1].StepNumber != 2 {
		t.Errorf("step numbers not assigned by position")
	}
}

func TestPlan_RetriesThenSucceeds(t *testing.T) {
	runner := &scriptedRunner{responses: []string{
		`{"steps": [{"agent_name": "email_agent", "tool_name": "no_such_tool", "inputs": {}}]}`,
		validPlanJSON,
	}}
	p := newTestPlanner(t, runner, 2)

	plan, err := p.Plan(context.Background(), Request{UserID: "u1", WorkflowID: "wf", UserInput: "reply"}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if plan == nil || runner.calls != 2 {
		t.Errorf("expected success on second attempt, calls = %d", runner.calls)
	}
}

func TestPlan_ExhaustedRetriesIsPlanInvalid(t *testing.T) {
	bad := `{"steps": [{"agent_name": "nope", "tool_name": "nope", "inputs": {}}]}`
	runner := &scriptedRunner{responses: []string{bad, bad, bad}}
	p := newTestPlanner(t, runner, 2)

	_, err := p.Plan(context.Background(), Request{UserID: "u1", WorkflowID: "wf", UserInput: "reply"}, nil)
	if errcode.CodeOf(err) != errcode.CodePlanInvalid {
		t.Errorf("code = %s, want PLAN_INVALID", errcode.CodeOf(err))
	}
	if runner.calls != 3 {
		t.Errorf("calls = %d, want 3", runner.calls)
	}
}

func TestPlan_PersistentSafetyViolationSurfaces(t *testing.T) {
	runner := &scriptedRunner{responses: []string{sendWithoutDraftJSON, sendWithoutDraftJSON}}
	p := newTestPlanner(t, runner, 1)

	_, err := p.Plan(context.Background(), Request{UserID: "u1", WorkflowID: "wf", UserInput: "email a@b.com"}, nil)
	if errcode.CodeOf(err) != errcode.CodeSafetyViolation {
		t.Errorf("code = %s, want SAFETY_VIOLATION (err: %v)", errcode.CodeOf(err), err)
	}
	var ce *errcode.Error
	if !errors.As(err, &ce) || ce.StepNumber == 0 {
		t.Errorf("safety violation should carry the offending step, got %+v", ce)
	}
}

func TestPlan_OverrideAcceptsDirectSend(t *testing.T) {
	runner := &scriptedRunner{responses: []string{sendWithoutDraftJSON}}
	p := newTestPlanner(t, runner, 1)

	plan, err := p.Plan(context.Background(), Request{UserID: "u1", WorkflowID: "wf",
		UserInput: "email a@b.com, send immediately"}, nil)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Errorf("steps = %d, want 1", len(plan.Steps))
	}
}

func TestPlan_QuotaDenialIsNotRetried(t *testing.T) {
	runner := &scriptedRunner{responses: []string{validPlanJSON}}
	v := NewValidator(testRegistry(), 10)

	db, err := state.OpenMemory()
	if err != nil {
		t.Fatalf("open memory db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	qm := quota.NewManager(quota.Limits{
		MaxTokensPerPlanning:      1, // every prompt exceeds this
		MaxTokensPerAgentCall:     8_000,
		MaxTokensPerUserPerDay:    100_000,
		MaxRequestsPerUserPerDay:  100,
		MaxTokensPerSystemPerHour: 500_000,
		MaxConcurrentWorkflows:    5,
	}, db)
	qm.SetClock(func() time.Time { return time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC) })

	p := New(runner, v, qm, "test-model", 3)
	_, planErr := p.Plan(context.Background(), Request{UserID: "u1", WorkflowID: "wf", UserInput: "reply"}, nil)
	if errcode.CodeOf(planErr) != errcode.CodeQuotaExceededRequest {
		t.Errorf("code = %s, want QUOTA_EXCEEDED_REQUEST", errcode.CodeOf(planErr))
	}
	if runner.calls != 0 {
		t.Errorf("runner should never be called on denial, calls = %d", runner.calls)
	}
}

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		steps   int
	}{
		{
			name:  "bare JSON",
			raw:   validPlanJSON,
			steps: 2,
		},
		{
			name:  "fenced JSON",
			raw:   "```json\n" + validPlanJSON + "\n```",
			steps: 2,
		},
		{
			name:  "prose around JSON",
			raw:   "Here is the plan:\n" + validPlanJSON + "\nLet me know.",
			steps: 2,
		},
		{
			name:    "no JSON at all",
			raw:     "I cannot help with that.",
			wantErr: true,
		},
		{
			name:    "malformed JSON",
			raw:     `{"steps": [}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := ParsePlan(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if len(plan.Steps) != tt.steps {
				t.Errorf("steps = %d, want %d", len(plan.Steps), tt.steps)
			}
			for i, s := range plan.Steps {
				if s.StepNumber != i+1 {
					t.Errorf("step %d numbered %d", i, s.StepNumber)
				}
				if s.Inputs == nil {
					t.Errorf("step %d has nil inputs", i)
				}
			}
		})
	}
}
