package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/convoyhq/convoy/internal/agentclient"
	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/planner"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/pkg/models"
)

// executeFrom runs plan steps starting at startIdx. bypassStep names a step
// number whose safety gate was already satisfied by an explicit approval;
// pass a non-positive value for none. Returns when the run reaches a
// terminal status or parks for approval.
func (o *Orchestrator) executeFrom(ctx context.Context, run *models.WorkflowRun, startIdx, bypassStep int) Result {
	overridden := planner.HasSendNowOverride(run.Input)

	for i := startIdx; i < len(run.Plan.Steps); i++ {
		step := run.Plan.Steps[i]

		if o.isCancelled(run.WorkflowID) {
			return o.finish(run, terminalState{
				status:  models.StatusCancelled,
				code:    errcode.CodeWorkflowCancelled,
				message: "workflow cancelled by user",
				step:    step.StepNumber,
			})
		}

		bound, err := o.bindInputs(step, run.Context)
		if err != nil {
			return o.finish(run, terminalState{
				status:  models.StatusFailed,
				code:    errcode.CodeMissingVariable,
				message: err.Error(),
				step:    step.StepNumber,
			})
		}

		if res, done := o.admitStep(run, bound); done {
			return res
		}

		if step.StepNumber != bypassStep {
			if action := o.cfg.Gate.Authorize(run.WorkflowID, bound, run.Plan, run.Context, overridden); action != nil {
				return o.park(run, *action)
			}
		}

		resp, callErr := o.dispatch(ctx, run, bound)

		if o.isCancelled(run.WorkflowID) {
			// The call may have completed, but the user asked to stop:
			// discard the result and do not bind outputs.
			return o.finish(run, terminalState{
				status:  models.StatusCancelled,
				code:    errcode.CodeWorkflowCancelled,
				message: "workflow cancelled by user",
				step:    step.StepNumber,
			})
		}

		if callErr != nil {
			code := errcode.CodeOf(callErr)
			if code == "" {
				code = errcode.CodeAgentUnavailable
			}
			return o.finish(run, terminalState{
				status:  models.StatusFailed,
				code:    code,
				message: callErr.Error(),
				step:    step.StepNumber,
			})
		}

		if resp.NoResults {
			// Soft failure: bind declared outputs to null and keep going so
			// later steps can reference them without a missing-variable stop.
			log.Printf("[orchestrator] workflow %s step %d (%s/%s): no results, continuing",
				run.WorkflowID, step.StepNumber, step.AgentName, step.ToolName)
			run.Context.Merge(step.OutputVariables, nil)
		} else {
			run.Context.Merge(step.OutputVariables, resp.Result)
		}
		o.saveRun(run)
	}

	return o.finish(run, terminalState{status: models.StatusCompleted})
}

// bindInputs resolves every variable reference in the step's inputs against
// the accumulated context. A reference to a variable no prior step produced
// is a hard failure attributed to this step.
func (o *Orchestrator) bindInputs(step models.Step, execCtx models.ExecutionContext) (models.Step, error) {
	bound := step
	bound.Inputs = make(map[string]any, len(step.Inputs))
	for key, value := range step.Inputs {
		resolved, err := models.SubstituteVarRefs(value, execCtx)
		if err != nil {
			return step, fmt.Errorf("step %d input %q: %w", step.StepNumber, key, err)
		}
		bound.Inputs[key] = resolved
	}
	return bound, nil
}

// admitStep runs the quota check for one agent call. On denial it records
// the attempt with zero tokens and returns the run's outcome: per-request
// denials fail the run at this step, window denials block it.
func (o *Orchestrator) admitStep(run *models.WorkflowRun, step models.Step) (Result, bool) {
	estimate := estimateCallTokens(step)
	decision, err := o.cfg.Quota.Admit(run.UserID, models.OpAgentCall, estimate)
	if err != nil {
		return o.finish(run, terminalState{
			status:  models.StatusFailed,
			code:    errcode.CodeQuotaExceededSystem,
			message: fmt.Sprintf("quota check: %v", err),
			step:    step.StepNumber,
		}), true
	}
	if decision.Allowed {
		return Result{}, false
	}

	rec := models.UsageRecord{
		UserID:     run.UserID,
		WorkflowID: run.WorkflowID,
		Operation:  models.OpAgentCall,
		AgentName:  step.AgentName,
		ToolName:   step.ToolName,
		TokensUsed: 0,
		Status:     models.UsageQuotaExceeded,
	}
	if err := o.cfg.Quota.Record(rec); err != nil {
		log.Printf("[orchestrator] record quota denial: %v", err)
	}

	status := models.StatusQuotaBlocked
	if decision.Reason == errcode.CodeQuotaExceededRequest {
		// A single step that can never fit its per-request ceiling will
		// never fit on retry either, so the run fails outright.
		status = models.StatusFailed
	}
	res := o.finish(run, terminalState{
		status:  status,
		code:    decision.Reason,
		message: decision.Message,
		step:    step.StepNumber,
	})
	if !decision.RetryAfter.IsZero() {
		retry := decision.RetryAfter
		res.RetryAfter = &retry
	}
	return res, true
}

// estimateCallTokens approximates the prompt cost of an agent call from its
// bound inputs. The agent's reported usage replaces this after the call.
func estimateCallTokens(step models.Step) int64 {
	raw, err := json.Marshal(step.Inputs)
	if err != nil {
		raw = []byte(step.Description)
	}
	return quota.EstimateTokens(step.Description + string(raw))
}

// dispatch sends one bound step to its agent and records authoritative
// usage from the agent's response.
func (o *Orchestrator) dispatch(ctx context.Context, run *models.WorkflowRun, step models.Step) (*agentclient.Response, error) {
	baseURL, ok := o.agentURL(step.AgentName)
	if !ok {
		return nil, errcode.New(errcode.CodeAgentUnavailable,
			"no endpoint configured for agent %q", step.AgentName)
	}

	resp, callErr := o.cfg.Agents.Call(ctx, baseURL, agentclient.Request{
		Tool:        step.ToolName,
		Inputs:      step.Inputs,
		Credentials: o.cfg.Credentials,
	})

	rec := models.UsageRecord{
		UserID:     run.UserID,
		WorkflowID: run.WorkflowID,
		Operation:  models.OpAgentCall,
		AgentName:  step.AgentName,
		ToolName:   step.ToolName,
		Status:     models.UsageSuccess,
	}
	if resp != nil {
		rec.TokensUsed = resp.TokenUsage.TotalTokens
		model := resp.TokenUsage.ModelUsed
		if model == "" {
			model = o.cfg.Model
		}
		rec.CostEstimate = quota.EstimateCost(model,
			resp.TokenUsage.PromptTokens, resp.TokenUsage.CompletionTokens)
	}
	if callErr != nil {
		rec.Status = models.UsageError
	}
	if err := o.cfg.Quota.Record(rec); err != nil {
		log.Printf("[orchestrator] record agent usage: %v", err)
	}

	return resp, callErr
}

// park suspends the run on a pending approval. The workflow slot stays held
// so a parked run still counts against the concurrency cap.
func (o *Orchestrator) park(run *models.WorkflowRun, action models.PendingAction) Result {
	if err := o.cfg.Pending.Add(action); err != nil {
		return o.finish(run, terminalState{
			status:  models.StatusFailed,
			code:    errcode.CodeApprovalRequired,
			message: fmt.Sprintf("persist pending approval: %v", err),
			step:    action.Step.StepNumber,
		})
	}

	run.Status = models.StatusAwaitingApproval
	run.PendingActionID = action.ActionID
	o.saveRun(run)

	o.mu.Lock()
	o.parked[action.ActionID] = run
	o.mu.Unlock()

	log.Printf("[orchestrator] workflow %s awaiting approval %s for step %d (%s/%s)",
		run.WorkflowID, action.ActionID, action.Step.StepNumber, action.Step.AgentName, action.Step.ToolName)

	// Snapshot the context: the run resumes and keeps merging into the
	// live map after the caller already holds this result.
	return Result{
		WorkflowID:      run.WorkflowID,
		Status:          run.Status,
		Plan:            run.Plan,
		Context:         run.Context.Clone(),
		PendingActionID: action.ActionID,
	}
}
