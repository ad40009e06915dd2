// Package orchestrator coordinates one workflow run from user request to
// terminal status: planning, per-step quota and safety checks, agent
// dispatch, and context accumulation.
package orchestrator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/convoyhq/convoy/internal/agentclient"
	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/planner"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/internal/relevance"
	"github.com/convoyhq/convoy/internal/safety"
	"github.com/convoyhq/convoy/internal/state"
	"github.com/convoyhq/convoy/pkg/models"
)

// Config wires the orchestrator's collaborators and settings.
type Config struct {
	Registry *registry.Registry
	Filter   *relevance.Filter
	Planner  *planner.Planner
	Quota    *quota.Manager
	Gate     *safety.Gate
	Pending  *safety.PendingManager
	Agents   *agentclient.Client
	DB       *state.DB
	// Endpoints maps agent names to base URLs.
	Endpoints map[string]string
	// Credentials are forwarded to agents on every call.
	Credentials map[string]string
	// Model names the accounting model for agent-call cost estimates when
	// the agent does not report one.
	Model string
}

// Orchestrator owns every WorkflowRun's lifecycle. Steps within one run
// execute strictly sequentially; runs execute concurrently, bounded by the
// quota manager's workflow slots.
type Orchestrator struct {
	cfg Config

	mu sync.Mutex
	// cancelled holds workflow ids flagged for cancellation between steps.
	cancelled map[string]bool
	// parked holds runs paused for approval, keyed by pending action id.
	parked map[string]*models.WorkflowRun
}

// New creates an orchestrator and registers the approval expiry handler.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		cancelled: make(map[string]bool),
		parked:    make(map[string]*models.WorkflowRun),
	}
	cfg.Pending.SetExpiryHandler(o.onApprovalExpired)
	return o
}

// SubmitRequest is one user request entering the core.
type SubmitRequest struct {
	// UserID identifies the requesting user.
	UserID string
	// InputText is the natural-language request.
	InputText string
	// ContextHint is optional caller-supplied memory for the planner.
	ContextHint string
}

// Result is the caller-visible outcome of a submit or resume. It always
// includes whatever context was accumulated before a failure.
type Result struct {
	WorkflowID      string                  `json:"workflow_id"`
	Status          models.WorkflowStatus   `json:"status"`
	Plan            *models.Plan            `json:"plan,omitempty"`
	Context         models.ExecutionContext `json:"final_context,omitempty"`
	Error           *models.WorkflowError   `json:"error,omitempty"`
	PendingActionID string                  `json:"pending_action_id,omitempty"`
	RetryAfter      *time.Time              `json:"retry_after,omitempty"`
}

// Submit runs one workflow to completion, a pause, or a terminal failure.
// The calling goroutine is the workflow's logical task.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Result, error) {
	slot, err := o.cfg.Quota.AcquireWorkflow()
	if err != nil {
		return Result{}, err
	}
	if !slot.Allowed {
		// Explicit backpressure: reject with a retry hint, never queue.
		retry := slot.RetryAfter
		return Result{
			Status:     models.StatusQuotaBlocked,
			Error:      &models.WorkflowError{Code: string(slot.Reason), Message: slot.Message},
			RetryAfter: &retry,
		}, nil
	}

	run := &models.WorkflowRun{
		WorkflowID: uuid.New().String(),
		UserID:     req.UserID,
		Input:      req.InputText,
		Status:     models.StatusPlanning,
		Context:    models.ExecutionContext{},
		StartedAt:  time.Now().UTC(),
	}
	o.saveRun(run)
	log.Printf("[orchestrator] workflow %s started for user %s", run.WorkflowID, req.UserID)

	plan, planErr := o.plan(ctx, run, req)
	if planErr != nil {
		return o.finish(run, o.classifyPlanError(planErr)), nil
	}
	run.Plan = plan

	run.Status = models.StatusAuthorizing
	o.saveRun(run)
	run.Status = models.StatusExecuting
	o.saveRun(run)

	return o.executeFrom(ctx, run, 0, -1), nil
}

// plan runs the relevance filter and the planner for a fresh run.
func (o *Orchestrator) plan(ctx context.Context, run *models.WorkflowRun, req SubmitRequest) (*models.Plan, error) {
	agents, err := o.cfg.Filter.Select(ctx, req.UserID, run.WorkflowID, req.InputText)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, errcode.New(errcode.CodePlanInvalid, "no applicable agents for this request")
	}

	capabilities := o.cfg.Registry.Lookup(agents)
	return o.cfg.Planner.Plan(ctx, planner.Request{
		UserID:      req.UserID,
		WorkflowID:  run.WorkflowID,
		UserInput:   req.InputText,
		ContextHint: req.ContextHint,
	}, capabilities)
}

// classifyPlanError maps a planning failure to the run's terminal state.
// Quota denials at the user or system tier block the run; everything else
// fails it with the planning-time code and, when the validator attributed
// the violation to a step, that step number.
func (o *Orchestrator) classifyPlanError(err error) terminalState {
	code := errcode.CodeOf(err)
	switch code {
	case errcode.CodeQuotaExceededUser, errcode.CodeQuotaExceededSystem, errcode.CodeQuotaExceededRequest:
		return terminalState{status: models.StatusQuotaBlocked, code: code, message: err.Error()}
	case "":
		code = errcode.CodePlanInvalid
	}
	var ce *errcode.Error
	step := 0
	if errors.As(err, &ce) {
		step = ce.StepNumber
	}
	return terminalState{status: models.StatusFailed, code: code, message: err.Error(), step: step}
}

// Cancel flags a workflow for cancellation. The flag is honored before the
// next step is dispatched; a call already in flight finishes but its result
// is discarded.
func (o *Orchestrator) Cancel(workflowID string) {
	o.mu.Lock()
	o.cancelled[workflowID] = true
	o.mu.Unlock()
	log.Printf("[orchestrator] workflow %s flagged for cancellation", workflowID)
}

// isCancelled reports whether the run was flagged.
func (o *Orchestrator) isCancelled(workflowID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled[workflowID]
}

// Run returns the persisted record of a workflow.
func (o *Orchestrator) Run(workflowID string) (models.WorkflowRun, error) {
	return o.cfg.DB.WorkflowRun(workflowID)
}

// terminalState describes how a run ends.
type terminalState struct {
	status  models.WorkflowStatus
	code    errcode.Code
	message string
	step    int
}

// finish applies a terminal state, persists the run, and releases the
// workflow slot. The accumulated context is preserved on every path.
func (o *Orchestrator) finish(run *models.WorkflowRun, t terminalState) Result {
	now := time.Now().UTC()
	run.Status = t.status
	run.EndedAt = &now
	if t.status != models.StatusCompleted {
		run.Error = &models.WorkflowError{Code: string(t.code), Message: t.message, StepNumber: t.step}
	}
	o.saveRun(run)

	o.mu.Lock()
	delete(o.cancelled, run.WorkflowID)
	o.mu.Unlock()

	o.cfg.Quota.ReleaseWorkflow()
	log.Printf("[orchestrator] workflow %s ended: %s", run.WorkflowID, run.Status)

	return Result{
		WorkflowID: run.WorkflowID,
		Status:     run.Status,
		Plan:       run.Plan,
		Context:    run.Context,
		Error:      run.Error,
	}
}

// saveRun persists the run record, logging rather than failing on storage
// errors so bookkeeping never halts execution.
func (o *Orchestrator) saveRun(run *models.WorkflowRun) {
	if err := o.cfg.DB.SaveWorkflowRun(*run); err != nil {
		log.Printf("[orchestrator] persist workflow %s: %v", run.WorkflowID, err)
	}
}

// agentURL resolves the base URL for an agent.
func (o *Orchestrator) agentURL(agentName string) (string, bool) {
	url, ok := o.cfg.Endpoints[agentName]
	return url, ok
}
