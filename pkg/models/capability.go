package models

// RiskLevel classifies how dangerous a tool invocation is.
type RiskLevel string

const (
	// RiskLow marks read-only or freely repeatable tools.
	RiskLow RiskLevel = "low"
	// RiskMedium marks tools that mutate state but are reversible.
	RiskMedium RiskLevel = "medium"
	// RiskHigh marks tools with externally visible, hard-to-undo effects.
	RiskHigh RiskLevel = "high"
)

// Valid returns true if the risk level is a known value.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	default:
		return false
	}
}

// AgentCapability describes one tool exposed by an agent microservice.
// Capabilities are loaded from the catalog at startup and never mutated.
type AgentCapability struct {
	// AgentName identifies the owning agent microservice.
	AgentName string `json:"agent_name" yaml:"agent_name"`
	// ToolName is the tool identifier passed to the agent's execute endpoint.
	ToolName string `json:"tool_name" yaml:"tool_name"`
	// Description explains what the tool does, for planner prompts.
	Description string `json:"description" yaml:"description"`
	// InputSchema maps input parameter names to type/usage hints.
	InputSchema map[string]string `json:"input_schema,omitempty" yaml:"input_schema,omitempty"`
	// OutputSchema maps output variable names to type/usage hints.
	OutputSchema map[string]string `json:"output_schema,omitempty" yaml:"output_schema,omitempty"`
	// RiskLevel classifies the tool's blast radius.
	RiskLevel RiskLevel `json:"risk_level" yaml:"risk_level"`
	// Reversible indicates the tool's effect can be undone. High-risk
	// irreversible tools are subject to the draft-first policy.
	Reversible bool `json:"reversible" yaml:"reversible"`
	// RequiresDraft names the tool that must produce a draft/staging
	// artifact earlier in the plan before this tool may run.
	RequiresDraft string `json:"requires_draft,omitempty" yaml:"requires_draft,omitempty"`
	// Keywords feed the relevance filter's cheap keyword pass.
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

// DraftGated reports whether the draft-first policy applies to this tool.
func (c AgentCapability) DraftGated() bool {
	return c.RiskLevel == RiskHigh && !c.Reversible && c.RequiresDraft != ""
}
