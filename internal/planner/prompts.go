package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoyhq/convoy/pkg/models"
)

// planSystemPrompt sets the planner's role and the plan grammar.
const planSystemPrompt = `You are a workflow planner. You turn a user request into an ordered plan of agent tool invocations.

Respond with a JSON object in this exact format:
{
  "steps": [
    {
      "step_number": 1,
      "agent_name": "gmail",
      "tool_name": "search_emails",
      "description": "What this step accomplishes",
      "inputs": {"query": "literal value or {{variable}}"},
      "output_variables": {"variable_name": "what this variable holds"}
    }
  ]
}

Rules:
- Use only the agents and tools listed in the capabilities section.
- A step may reference a variable with {{name}} only if an earlier step lists that name under output_variables.
- Irreversible high-risk tools must be preceded by their draft-producing counterpart unless the user explicitly asked to send immediately.
- Keep plans minimal: no redundant steps.
- Ensure the JSON is valid and complete. Do not include any text before or after the JSON object.`

// planExamples shows worked cross-step variable referencing patterns.
const planExamples = `Examples of correct variable flow:

Read-then-reply:
  Step 1 read_email -> output_variables {"message_id": "...", "sender": "..."}
  Step 2 create_draft_email inputs {"to": "{{sender}}", "in_reply_to": "{{message_id}}"}
  Step 3 reply_to_email inputs {"draft_id": "{{draft_id}}"} (after step 2 declared draft_id)

Create-then-link:
  Step 1 create_document -> output_variables {"document_url": "..."}
  Step 2 create_draft_email inputs {"body": "Here is the doc: {{document_url}}"}

Search-then-forward:
  Step 1 search_emails -> output_variables {"found_count": "...", "summary": "..."}
  Step 2 create_draft_email inputs {"body": "Found {{found_count}} emails: {{summary}}"}
  Step 3 send_email_with_attachment inputs {"draft_id": "{{draft_id}}"}`

// BuildPrompt assembles the planning prompt from the user input, an optional
// context hint, and the filtered capability catalog.
func BuildPrompt(userInput, contextHint string, capabilities map[string][]models.AgentCapability) string {
	var b strings.Builder

	b.WriteString("Available capabilities:\n")
	for agent, caps := range capabilities {
		fmt.Fprintf(&b, "\nAgent %q:\n", agent)
		for _, c := range caps {
			schema, _ := json.Marshal(map[string]any{
				"inputs":  c.InputSchema,
				"outputs": c.OutputSchema,
			})
			fmt.Fprintf(&b, "- %s (risk: %s): %s\n  schema: %s\n", c.ToolName, c.RiskLevel, c.Description, schema)
			if c.DraftGated() {
				fmt.Fprintf(&b, "  requires a preceding %s step\n", c.RequiresDraft)
			}
		}
	}

	b.WriteString("\n")
	b.WriteString(planExamples)
	b.WriteString("\n\n")

	if contextHint != "" {
		fmt.Fprintf(&b, "Context from the caller:\n%s\n\n", contextHint)
	}

	fmt.Fprintf(&b, "User request:\n%s\n", userInput)
	return b.String()
}

// AppendViolation extends a planning prompt with the validator's objection so
// the next attempt can correct it.
func AppendViolation(prompt, violation string) string {
	return prompt + "\n\n" + violation + "\nProduce a corrected plan."
}
