package safety

import (
	"testing"
	"time"

	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/pkg/models"
)

func gateRegistry() *registry.Registry {
	return registry.FromCapabilities([]models.AgentCapability{
		{
			AgentName:  "email_agent",
			ToolName:   "create_draft",
			RiskLevel:  models.RiskMedium,
			Reversible: true,
		},
		{
			AgentName:     "email_agent",
			ToolName:      "send_email",
			RiskLevel:     models.RiskHigh,
			Reversible:    false,
			RequiresDraft: "create_draft",
		},
		{
			AgentName:  "email_agent",
			ToolName:   "search_inbox",
			RiskLevel:  models.RiskLow,
			Reversible: true,
		},
	})
}

func draftSendPlan() *models.Plan {
	return &models.Plan{Steps: []models.Step{
		{
			StepNumber:      1,
			AgentName:       "email_agent",
			ToolName:        "create_draft",
			Inputs:          map[string]any{"to": "a@b.com"},
			OutputVariables: map[string]string{"draft_id": "the draft"},
		},
		{
			StepNumber: 2,
			AgentName:  "email_agent",
			ToolName:   "send_email",
			Inputs:     map[string]any{"to": "a@b.com", "draft_id": "{{draft_id}}"},
		},
	}}
}

func TestAuthorize_DraftArtifactPresent(t *testing.T) {
	g := NewGate(gateRegistry(), time.Hour)
	plan := draftSendPlan()
	ctx := models.ExecutionContext{"draft_id": "d-1"}

	action := g.Authorize("wf-1", plan.Steps[1], plan, ctx, false)
	if action != nil {
		t.Errorf("send should proceed with draft artifact bound, got pending action %q", action.Reason)
	}
}

func TestAuthorize_DraftArtifactMissing(t *testing.T) {
	tests := []struct {
		name string
		ctx  models.ExecutionContext
	}{
		{
			name: "draft never ran",
			ctx:  models.ExecutionContext{},
		},
		{
			name: "draft soft-failed and bound nil",
			ctx:  models.ExecutionContext{"draft_id": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGate(gateRegistry(), time.Hour)
			plan := draftSendPlan()

			action := g.Authorize("wf-1", plan.Steps[1], plan, tt.ctx, false)
			if action == nil {
				t.Fatal("expected a pending action when the draft artifact is absent")
			}
			if action.WorkflowID != "wf-1" {
				t.Errorf("WorkflowID = %s", action.WorkflowID)
			}
			if action.Status != models.PendingStatusPending {
				t.Errorf("Status = %s", action.Status)
			}
			if action.RiskLevel != models.RiskHigh {
				t.Errorf("RiskLevel = %s", action.RiskLevel)
			}
			if !action.ExpiresAt.After(action.CreatedAt) {
				t.Error("ExpiresAt should be after CreatedAt")
			}
		})
	}
}

func TestAuthorize_OverrideBypassesGate(t *testing.T) {
	g := NewGate(gateRegistry(), time.Hour)
	plan := draftSendPlan()

	action := g.Authorize("wf-1", plan.Steps[1], plan, models.ExecutionContext{}, true)
	if action != nil {
		t.Error("explicit override should bypass the runtime gate")
	}
}

func TestAuthorize_UngatedToolsPass(t *testing.T) {
	g := NewGate(gateRegistry(), time.Hour)
	plan := &models.Plan{Steps: []models.Step{
		{StepNumber: 1, AgentName: "email_agent", ToolName: "search_inbox"},
	}}

	if action := g.Authorize("wf-1", plan.Steps[0], plan, models.ExecutionContext{}, false); action != nil {
		t.Error("low-risk tool should never be gated")
	}
}

func TestClassify(t *testing.T) {
	g := NewGate(gateRegistry(), time.Hour)

	tests := []struct {
		name string
		step models.Step
		want models.RiskLevel
	}{
		{
			name: "known low-risk tool",
			step: models.Step{AgentName: "email_agent", ToolName: "search_inbox"},
			want: models.RiskLow,
		},
		{
			name: "known high-risk tool",
			step: models.Step{AgentName: "email_agent", ToolName: "send_email"},
			want: models.RiskHigh,
		},
		{
			name: "unknown tool defaults to high",
			step: models.Step{AgentName: "email_agent", ToolName: "mystery"},
			want: models.RiskHigh,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := g.Classify(tt.step); got != tt.want {
				t.Errorf("Classify = %s, want %s", got, tt.want)
			}
		})
	}
}
