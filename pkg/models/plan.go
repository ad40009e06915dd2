// Package models defines the shared domain types for Convoy workflows.
package models

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Step represents one agent/tool invocation within a plan.
type Step struct {
	// StepNumber is the 1-indexed position of this step in the plan.
	StepNumber int `json:"step_number"`
	// AgentName identifies the agent microservice that owns the tool.
	AgentName string `json:"agent_name"`
	// ToolName identifies the tool to invoke on the agent.
	ToolName string `json:"tool_name"`
	// Description explains what this step accomplishes.
	Description string `json:"description,omitempty"`
	// Inputs maps parameter names to literal values or {{variable}} references.
	Inputs map[string]any `json:"inputs"`
	// OutputVariables maps produced variable names to human descriptions.
	OutputVariables map[string]string `json:"output_variables,omitempty"`
}

// Plan is the ordered sequence of steps the planner produced for one workflow.
type Plan struct {
	// Steps are executed strictly in order; a step may reference only
	// variables declared by earlier steps.
	Steps []Step `json:"steps"`
}

// varRefPattern matches {{variable_name}} placeholders in step inputs.
var varRefPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// VarRefs returns the variable names referenced by the given input value.
// Only string values can carry references; other types are returned empty.
func VarRefs(value any) []string {
	s, ok := value.(string)
	if !ok {
		return nil
	}

	matches := varRefPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	refs := make([]string, 0, len(matches))
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

// StepVarRefs returns all variable names referenced across a step's inputs,
// sorted for deterministic iteration.
func StepVarRefs(step Step) []string {
	seen := make(map[string]bool)
	for _, value := range step.Inputs {
		for _, ref := range VarRefs(value) {
			seen[ref] = true
		}
	}

	refs := make([]string, 0, len(seen))
	for ref := range seen {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// HasVarRef reports whether the string value contains at least one
// {{variable}} placeholder.
func HasVarRef(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return varRefPattern.MatchString(s)
}

// SubstituteVarRefs replaces every {{variable}} placeholder in value with the
// bound value from the context. It returns an error naming the first
// unresolvable reference; a placeholder is never left in place on a miss.
func SubstituteVarRefs(value any, context ExecutionContext) (any, error) {
	s, ok := value.(string)
	if !ok {
		return value, nil
	}

	refs := VarRefs(s)
	if len(refs) == 0 {
		return value, nil
	}

	// A lone reference passes the bound value through untyped so that
	// structured outputs survive substitution.
	if trimmed := strings.TrimSpace(s); len(refs) == 1 && varRefPattern.FindString(trimmed) == trimmed {
		bound, exists := context[refs[0]]
		if !exists {
			return nil, fmt.Errorf("variable %q is not bound", refs[0])
		}
		return bound, nil
	}

	var missing string
	result := varRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := varRefPattern.FindStringSubmatch(match)[1]
		bound, exists := context[name]
		if !exists {
			if missing == "" {
				missing = name
			}
			return match
		}
		if bound == nil {
			return ""
		}
		return fmt.Sprintf("%v", bound)
	})
	if missing != "" {
		return nil, fmt.Errorf("variable %q is not bound", missing)
	}
	return result, nil
}

// ExecutionContext is the append-only variable store for one workflow run.
// Values are merged as steps succeed and never removed.
type ExecutionContext map[string]any

// Merge binds each declared output variable to its value. Variables absent
// from the result are bound to nil so that later steps can still substitute
// an empty value rather than fail.
func (c ExecutionContext) Merge(outputs map[string]string, result map[string]any) {
	for name := range outputs {
		if result != nil {
			if value, ok := result[name]; ok {
				c[name] = value
				continue
			}
		}
		c[name] = nil
	}
}

// Clone returns a shallow copy of the context.
func (c ExecutionContext) Clone() ExecutionContext {
	clone := make(ExecutionContext, len(c))
	for k, v := range c {
		clone[k] = v
	}
	return clone
}
