// Package safety classifies step risk and enforces the draft-first approval
// policy at runtime.
package safety

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/pkg/models"
)

// Gate re-checks the draft-first policy against the live execution context.
// The plan validator proves the draft step exists in the plan; the gate
// proves it actually ran and produced its artifact before the dependent
// send-type step is dispatched.
type Gate struct {
	registry *registry.Registry
	ttl      time.Duration
}

// NewGate creates a safety gate with the given approval TTL.
func NewGate(reg *registry.Registry, ttl time.Duration) *Gate {
	return &Gate{registry: reg, ttl: ttl}
}

// Classify returns the risk level of a step's tool. Unknown tools are
// treated as high risk.
func (g *Gate) Classify(step models.Step) models.RiskLevel {
	cap, ok := g.registry.Find(step.AgentName, step.ToolName)
	if !ok {
		return models.RiskHigh
	}
	return cap.RiskLevel
}

// Authorize decides whether a bound step may be dispatched. It returns a
// PendingAction when the step is draft-gated and its prerequisite draft's
// output is absent from the live context — which can happen even for a
// statically compliant plan, when the draft step failed or was skipped.
func (g *Gate) Authorize(workflowID string, step models.Step, plan *models.Plan, context models.ExecutionContext, overridden bool) *models.PendingAction {
	cap, ok := g.registry.Find(step.AgentName, step.ToolName)
	if !ok || !cap.DraftGated() || overridden {
		return nil
	}

	if g.draftArtifactPresent(step, plan, cap.RequiresDraft, context) {
		return nil
	}

	now := time.Now().UTC()
	return &models.PendingAction{
		ActionID:   uuid.New().String(),
		WorkflowID: workflowID,
		Step:       step,
		RiskLevel:  cap.RiskLevel,
		Reason: fmt.Sprintf("step %d (%s) requires a %s artifact that is not present in the execution context",
			step.StepNumber, step.ToolName, cap.RequiresDraft),
		Status:    models.PendingStatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}
}

// draftArtifactPresent reports whether an earlier draft step's declared
// outputs are all bound to non-nil values in the live context.
func (g *Gate) draftArtifactPresent(step models.Step, plan *models.Plan, draftTool string, context models.ExecutionContext) bool {
	for _, prior := range plan.Steps {
		if prior.StepNumber >= step.StepNumber || prior.ToolName != draftTool {
			continue
		}
		if len(prior.OutputVariables) == 0 {
			continue
		}
		present := true
		for name := range prior.OutputVariables {
			if value, ok := context[name]; !ok || value == nil {
				present = false
				break
			}
		}
		if present {
			return true
		}
	}
	return false
}
