package planner

import (
	"context"
	"log"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/llm"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/pkg/models"
)

// Planner turns user input plus filtered capabilities into a validated plan.
// Invalid output is re-prompted with the specific violation appended, up to
// the configured retry budget.
type Planner struct {
	runner     llm.Runner
	validator  *Validator
	quota      *quota.Manager
	model      string
	maxRetries int
}

// New creates a planner.
func New(runner llm.Runner, validator *Validator, qm *quota.Manager, model string, maxRetries int) *Planner {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Planner{
		runner:     runner,
		validator:  validator,
		quota:      qm,
		model:      model,
		maxRetries: maxRetries,
	}
}

// Request identifies the workflow a planning call belongs to, for metering.
type Request struct {
	// UserID is the requesting user.
	UserID string
	// WorkflowID is the owning run.
	WorkflowID string
	// UserInput is the original request text.
	UserInput string
	// ContextHint is optional caller-supplied memory.
	ContextHint string
}

// Plan produces a validated plan. Every LLM attempt is admitted and recorded
// by the quota manager under operation "planning"; a per-request ceiling
// denial happens before the call is issued, against the estimated prompt
// size. Exhausting retries yields PLAN_INVALID, or SAFETY_VIOLATION when the
// last rejection was a draft-first breach.
func (p *Planner) Plan(ctx context.Context, req Request, capabilities map[string][]models.AgentCapability) (*models.Plan, error) {
	prompt := BuildPrompt(req.UserInput, req.ContextHint, capabilities)

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		plan, err := p.attempt(ctx, req, prompt)
		if err == nil {
			if verr := p.validator.Validate(plan, req.UserInput); verr != nil {
				lastErr = verr
				log.Printf("[planner] attempt %d rejected: %v", attempt+1, verr)
				prompt = AppendViolation(prompt, Describe(verr))
				continue
			}
			return plan, nil
		}

		// Quota denials and transport failures are not recoverable by
		// re-prompting.
		if code := errcode.CodeOf(err); code != "" && code != errcode.CodePlanInvalid {
			return nil, err
		}
		lastErr = err
		log.Printf("[planner] attempt %d failed: %v", attempt+1, err)
		prompt = AppendViolation(prompt, Describe(err))
	}

	if errcode.Is(lastErr, errcode.CodeSafetyViolation) {
		return nil, lastErr
	}
	return nil, errcode.Wrap(errcode.CodePlanInvalid, lastErr,
		"planning failed after %d attempts", p.maxRetries+1)
}

// attempt runs one metered LLM call and parses its output.
func (p *Planner) attempt(ctx context.Context, req Request, prompt string) (*models.Plan, error) {
	estimated := quota.EstimateTokens(planSystemPrompt) + quota.EstimateTokens(prompt)

	decision, err := p.quota.Admit(req.UserID, models.OpPlanning, estimated)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		rec := models.UsageRecord{
			UserID:       req.UserID,
			WorkflowID:   req.WorkflowID,
			Operation:    models.OpPlanning,
			Status:       models.UsageQuotaExceeded,
			ErrorMessage: decision.Message,
		}
		if err := p.quota.Record(rec); err != nil {
			return nil, err
		}
		return nil, errcode.New(decision.Reason, "%s", decision.Message)
	}

	raw, usage, callErr := p.runner.Run(ctx, p.model, planSystemPrompt, prompt)

	rec := models.UsageRecord{
		UserID:       req.UserID,
		WorkflowID:   req.WorkflowID,
		Operation:    models.OpPlanning,
		TokensUsed:   usage.Total(),
		Status:       models.UsageSuccess,
		CostEstimate: quota.EstimateCost(p.model, usage.InputTokens, usage.OutputTokens),
	}
	if callErr != nil {
		rec.Status = models.UsageError
		rec.ErrorMessage = callErr.Error()
	}
	if err := p.quota.Record(rec); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, errcode.Wrap(errcode.CodePlanInvalid, callErr, "planner call failed")
	}

	plan, parseErr := ParsePlan(raw)
	if parseErr != nil {
		return nil, errcode.Wrap(errcode.CodePlanInvalid, parseErr, "planner output is not a valid plan")
	}
	return plan, nil
}
