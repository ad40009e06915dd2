// Package relevance narrows the capability registry to the agents plausibly
// needed for a request, to bound planner prompt size and cost.
package relevance

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/convoyhq/convoy/internal/errcode"
	"github.com/convoyhq/convoy/internal/llm"
	"github.com/convoyhq/convoy/internal/quota"
	"github.com/convoyhq/convoy/internal/registry"
	"github.com/convoyhq/convoy/pkg/models"
)

// keywordThreshold is the minimum keyword hits for a confident cheap match.
const keywordThreshold = 1

const classifySystemPrompt = `You route user requests to agent services. Given a request and the list of known agents, respond with a JSON array of the agent names that are needed, e.g. ["gmail","docs"]. An empty array [] means no agent applies. Respond with the JSON array only.`

// Filter selects relevant agents with a cheap keyword pass, escalating to a
// metered classifier call when no keyword matches confidently.
type Filter struct {
	registry *registry.Registry
	runner   llm.Runner
	quota    *quota.Manager
	model    string
}

// NewFilter creates a relevance filter.
func NewFilter(reg *registry.Registry, runner llm.Runner, qm *quota.Manager, model string) *Filter {
	return &Filter{registry: reg, runner: runner, quota: qm, model: model}
}

// Select returns the agent names plausibly needed for the input. An empty
// result is a legal "no agent applicable" outcome, not an error. Names never
// include anything absent from the registry.
func (f *Filter) Select(ctx context.Context, userID, workflowID, userInput string) ([]string, error) {
	if matched := f.keywordPass(userInput); len(matched) > 0 {
		return matched, nil
	}
	return f.classify(ctx, userID, workflowID, userInput)
}

// keywordPass scores each agent by catalog keyword hits in the input.
func (f *Filter) keywordPass(userInput string) []string {
	lowered := strings.ToLower(userInput)

	var matched []string
	for _, agent := range f.registry.AgentNames() {
		hits := 0
		for _, caps := range f.registry.Lookup([]string{agent}) {
			for _, c := range caps {
				for _, kw := range c.Keywords {
					if strings.Contains(lowered, strings.ToLower(kw)) {
						hits++
					}
				}
			}
		}
		if hits >= keywordThreshold {
			matched = append(matched, agent)
		}
	}
	return matched
}

// classify runs one metered low-cost classification call.
func (f *Filter) classify(ctx context.Context, userID, workflowID, userInput string) ([]string, error) {
	prompt := fmt.Sprintf("Known agents: %s\n\nRequest:\n%s",
		strings.Join(f.registry.AgentNames(), ", "), userInput)
	estimated := quota.EstimateTokens(classifySystemPrompt) + quota.EstimateTokens(prompt)

	decision, err := f.quota.Admit(userID, models.OpClassification, estimated)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		rec := models.UsageRecord{
			UserID:       userID,
			WorkflowID:   workflowID,
			Operation:    models.OpClassification,
			Status:       models.UsageQuotaExceeded,
			ErrorMessage: decision.Message,
		}
		if err := f.quota.Record(rec); err != nil {
			return nil, err
		}
		return nil, errcode.New(decision.Reason, "%s", decision.Message)
	}

	raw, usage, callErr := f.runner.Run(ctx, f.model, classifySystemPrompt, prompt)

	rec := models.UsageRecord{
		UserID:       userID,
		WorkflowID:   workflowID,
		Operation:    models.OpClassification,
		TokensUsed:   usage.Total(),
		Status:       models.UsageSuccess,
		CostEstimate: quota.EstimateCost(f.model, usage.InputTokens, usage.OutputTokens),
	}
	if callErr != nil {
		rec.Status = models.UsageError
		rec.ErrorMessage = callErr.Error()
	}
	if err := f.quota.Record(rec); err != nil {
		return nil, err
	}
	if callErr != nil {
		return nil, fmt.Errorf("classification call failed: %w", callErr)
	}

	return f.parseAgents(raw), nil
}

// parseAgents extracts the JSON array and drops names absent from the
// registry. Unknown names are logged, never surfaced.
func (f *Filter) parseAgents(raw string) []string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		log.Printf("[relevance] classifier returned no JSON array: %.80q", raw)
		return nil
	}

	var names []string
	if err := json.Unmarshal([]byte(raw[start:end+1]), &names); err != nil {
		log.Printf("[relevance] classifier array unparseable: %v", err)
		return nil
	}

	known := make(map[string]bool)
	for _, name := range f.registry.AgentNames() {
		known[name] = true
	}

	var valid []string
	for _, name := range names {
		if known[name] {
			valid = append(valid, name)
			continue
		}
		log.Printf("[relevance] dropping unknown agent %q from classifier output", name)
	}
	return valid
}
