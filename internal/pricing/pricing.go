// Package pricing estimates USD cost for provider token usage and keeps a
// running total per process via a hook on the LLM lifecycle.
package pricing

import (
	"strings"
)

// ModelPricing holds per-million-token costs in USD.
type ModelPricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

// Known Anthropic pricing as of mid 2026. Matching is by prefix so dated
// snapshots (claude-sonnet-4-20250514) resolve to their family.
var knownModels = map[string]ModelPricing{
	"claude-opus-4":     {15.00, 75.00},
	"claude-sonnet-4":   {3.00, 15.00},
	"claude-3-7-sonnet": {3.00, 15.00},
	"claude-3-5-haiku":  {0.80, 4.00},
	"claude-haiku-4":    {1.00, 5.00},
}

// EstimateCost returns the estimated USD cost for one call. Unknown models
// cost zero rather than guessing.
func EstimateCost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := lookup(model)
	if !ok {
		return 0.0
	}
	return (float64(inputTokens)/1_000_000)*p.InputPer1M +
		(float64(outputTokens)/1_000_000)*p.OutputPer1M
}

// Known reports whether a model has a pricing entry.
func Known(model string) bool {
	_, ok := lookup(model)
	return ok
}

func lookup(model string) (ModelPricing, bool) {
	if p, ok := knownModels[model]; ok {
		return p, true
	}
	for prefix, p := range knownModels {
		if strings.HasPrefix(model, prefix) {
			return p, true
		}
	}
	return ModelPricing{}, false
}
