package planner

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/convoyhq/convoy/pkg/models"
)

// ParsePlan extracts the plan JSON from raw model output. The model is asked
// for bare JSON, but fenced or prefixed responses are tolerated by slicing
// the outermost object.
func ParsePlan(raw string) (*models.Plan, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in planner output")
	}

	var plan models.Plan
	if err := json.Unmarshal([]byte(raw[start:end+1]), &plan); err != nil {
		return nil, fmt.Errorf("parse plan JSON: %w", err)
	}

	// Step numbers are assigned by position; the model's own numbering is
	// advisory only.
	for i := range plan.Steps {
		plan.Steps[i].StepNumber = i + 1
		if plan.Steps[i].Inputs == nil {
			plan.Steps[i].Inputs = map[string]any{}
		}
	}
	return &plan, nil
}
