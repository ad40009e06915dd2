// Package planner produces and validates execution plans for user requests.
package planner

import (
	"fmt"
	"strings"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/pkg/models"
)

// sendNowOverrides are the fixed phrases that waive the draft-first policy
// when present in the user's own request.
var sendNowOverrides = []string{
	"send immediately",
	"send it now",
	"send right away",
	"send now",
	"skip the draft",
	"no draft",
}

// recipientKeys are the input names compared when checking that a draft step
// stages the same recipient as the send step it covers.
var recipientKeys = []string{"to", "recipient", "recipient_email"}

// HasSendNowOverride reports whether the user input contains an explicit
// override phrase recognized by the policy.
func HasSendNowOverride(userInput string) bool {
	lowered := strings.ToLower(userInput)
	for _, phrase := range sendNowOverrides {
		if strings.Contains(lowered, phrase) {
			return true
		}
	}
	return false
}

// Validator checks candidate plans against the grammar, the capability
// registry, variable-reference soundness, and the draft-first safety policy.
type Validator struct {
	registry *registry.Registry
	maxSteps int
}

// NewValidator creates a validator bound to the given registry.
func NewValidator(reg *registry.Registry, maxSteps int) *Validator {
	return &Validator{registry: reg, maxSteps: maxSteps}
}

// Validate runs all checks in order and returns the first violation.
// Generic violations carry PLAN_INVALID; draft-first breaches carry the
// distinct SAFETY_VIOLATION code so callers can surface the reason rather
// than silently retry.
func (v *Validator) Validate(plan *models.Plan, userInput string) error {
	if plan == nil || len(plan.Steps) == 0 {
		return errcode.New(errcode.CodePlanInvalid, "plan has no steps")
	}
	if len(plan.Steps) > v.maxSteps {
		return errcode.New(errcode.CodePlanInvalid,
			"plan has %d steps, exceeding the limit of %d", len(plan.Steps), v.maxSteps)
	}

	// Known (agent, tool) pairs.
	for _, step := range plan.Steps {
		if _, ok := v.registry.Find(step.AgentName, step.ToolName); !ok {
			return errcode.New(errcode.CodePlanInvalid,
				"step %d uses unknown tool %s/%s", step.StepNumber, step.AgentName, step.ToolName).
				AtStep(step.StepNumber)
		}
	}

	// Variable references must resolve to a strictly earlier declaration.
	declared := make(map[string]bool)
	for i, step := range plan.Steps {
		for _, ref := range models.StepVarRefs(step) {
			if !declared[ref] {
				return errcode.New(errcode.CodePlanInvalid,
					"step %d references {{%s}} before any earlier step declares it", i+1, ref).
					AtStep(i + 1)
			}
		}
		for name := range step.OutputVariables {
			declared[name] = true
		}
	}

	// Draft-first safety policy.
	if !HasSendNowOverride(userInput) {
		for i, step := range plan.Steps {
			cap, _ := v.registry.Find(step.AgentName, step.ToolName)
			if !cap.DraftGated() {
				continue
			}
			if err := v.checkDraftPrecedes(plan.Steps[:i], step, cap.RequiresDraft); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkDraftPrecedes verifies an earlier step runs the required draft tool
// and, when both declare a literal recipient, that the recipients match.
func (v *Validator) checkDraftPrecedes(earlier []models.Step, step models.Step, draftTool string) error {
	for _, prior := range earlier {
		if prior.ToolName != draftTool {
			continue
		}
		if recipientsConflict(prior, step) {
			continue
		}
		return nil
	}
	return errcode.New(errcode.CodeSafetyViolation,
		"step %d (%s) is irreversible and must be preceded by a %s step, or the request must say to send immediately",
		step.StepNumber, step.ToolName, draftTool).AtStep(step.StepNumber)
}

// recipientsConflict reports whether the two steps name different literal
// recipients. Variable references and absent inputs never conflict; the
// runtime gate re-checks with live values.
func recipientsConflict(draft, send models.Step) bool {
	draftRcpt, draftOK := literalRecipient(draft)
	sendRcpt, sendOK := literalRecipient(send)
	if !draftOK || !sendOK {
		return false
	}
	return !strings.EqualFold(strings.TrimSpace(draftRcpt), strings.TrimSpace(sendRcpt))
}

func literalRecipient(step models.Step) (string, bool) {
	for _, key := range recipientKeys {
		value, ok := step.Inputs[key]
		if !ok {
			continue
		}
		s, isString := value.(string)
		if !isString || models.HasVarRef(s) {
			return "", false
		}
		return s, true
	}
	return "", false
}

// Describe renders a one-line summary of a validation failure for the
// planner's re-prompt.
func Describe(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("The previous plan was rejected: %v", err)
}
