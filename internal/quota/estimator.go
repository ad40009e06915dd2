// Package quota implements three-tier token/request accounting and admission
// control. The manager is the only component that mutates usage state.
package quota

import "unicode/utf8"

// runesPerToken is the deterministic estimation ratio. The same count is used
// for admission decisions and for accounting when a call reports no usage, so
// the ledger and the boundary checks can never disagree.
const runesPerToken = 4

// EstimateTokens returns the deterministic token count for a text.
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	n := int64(utf8.RuneCountInString(text))
	return (n + runesPerToken - 1) / runesPerToken
}

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// fallbackPricing is used for models absent from the pricing table.
var fallbackPricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}

// EstimateCost returns the dollar cost of a call's token usage. When the
// input/output split is unknown, callers pass the full count as input.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	pricing, ok := DefaultModelPricing[model]
	if !ok {
		pricing = fallbackPricing
	}
	return float64(inputTokens)/1_000_000*pricing.InputPerMillion +
		float64(outputTokens)/1_000_000*pricing.OutputPerMillion
}
