package orchestrator

import (
	"context"
	"fmt"
	"log"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/safety"
	"github.com/convoyhq/convoy/pkg/models"
)

// ResolveOutcome reports how an approval decision landed.
type ResolveOutcome struct {
	// ActionStatus is the action's status after the call. For a repeated
	// resolution this is the originally recorded status.
	ActionStatus models.PendingActionStatus `json:"action_status"`
	// AlreadyResolved is true when the action was terminal before this call
	// and no side effect ran.
	AlreadyResolved bool `json:"already_resolved"`
	// Workflow is the run's outcome when this call resumed or failed it.
	Workflow *Result `json:"workflow,omitempty"`
}

// ResolvePending applies an approver's decision to a pending action.
// Resolution is exactly-once: only the call that flips the action out of
// PENDING dispatches the gated step or fails the run, and repeats report
// the recorded status without re-executing anything.
func (o *Orchestrator) ResolvePending(ctx context.Context, actionID string, decision safety.Decision) (ResolveOutcome, error) {
	status, resolvedNow, err := o.cfg.Pending.Resolve(actionID, decision)
	if err != nil {
		return ResolveOutcome{}, err
	}
	if !resolvedNow {
		return ResolveOutcome{ActionStatus: status, AlreadyResolved: true}, nil
	}

	run := o.takeParked(actionID)
	if run == nil {
		// The action flipped but the run is gone, which only happens if the
		// process restarted while the approval was outstanding.
		return ResolveOutcome{ActionStatus: status, AlreadyResolved: true},
			fmt.Errorf("workflow for action %s is no longer resumable", actionID)
	}

	action, ok := o.cfg.Pending.Get(actionID)
	if !ok {
		return ResolveOutcome{ActionStatus: status}, fmt.Errorf("pending action %s not found", actionID)
	}

	switch status {
	case models.PendingStatusExecuted:
		log.Printf("[orchestrator] approval %s granted, resuming workflow %s at step %d",
			actionID, run.WorkflowID, action.Step.StepNumber)
		run.Status = models.StatusExecuting
		run.PendingActionID = ""
		o.saveRun(run)
		res := o.executeFrom(ctx, run, action.Step.StepNumber-1, action.Step.StepNumber)
		return ResolveOutcome{ActionStatus: status, Workflow: &res}, nil

	case models.PendingStatusRejected:
		log.Printf("[orchestrator] approval %s rejected, failing workflow %s", actionID, run.WorkflowID)
		res := o.finish(run, terminalState{
			status:  models.StatusFailed,
			code:    errcode.CodeWorkflowCancelled,
			message: "high-risk step rejected by approver",
			step:    action.Step.StepNumber,
		})
		return ResolveOutcome{ActionStatus: status, Workflow: &res}, nil
	}

	return ResolveOutcome{ActionStatus: status}, nil
}

// PendingAction exposes a pending action's record for API reads.
func (o *Orchestrator) PendingAction(actionID string) (models.PendingAction, bool) {
	return o.cfg.Pending.Get(actionID)
}

// takeParked removes and returns the run parked on an action, if any.
func (o *Orchestrator) takeParked(actionID string) *models.WorkflowRun {
	o.mu.Lock()
	defer o.mu.Unlock()
	run := o.parked[actionID]
	delete(o.parked, actionID)
	return run
}

// onApprovalExpired fails the owning run when an approval's TTL lapses
// unresolved. Registered with the pending manager's expiry sweep.
func (o *Orchestrator) onApprovalExpired(action models.PendingAction) {
	run := o.takeParked(action.ActionID)
	if run == nil {
		return
	}
	log.Printf("[orchestrator] approval %s expired, failing workflow %s", action.ActionID, run.WorkflowID)
	o.finish(run, terminalState{
		status:  models.StatusFailed,
		code:    errcode.CodeApprovalTimeout,
		message: fmt.Sprintf("approval for step %d expired unresolved", action.Step.StepNumber),
		step:    action.Step.StepNumber,
	})
}
