package llmbridge

import (
	"strings"

	"github.com/forgehq/foreman/internal/llm"
)

// modelPricing holds per-million-token USD rates for a model. Used only to
// translate llm.Usage token counts into the TotalCostUSD the budget tracker
// (internal/budget) and every agent's ledger expect — the llm package itself
// is priced-agnostic, since it's meant to front arbitrary OpenAI-compatible
// endpoints that don't all report cost.
type modelPricing struct {
	promptPerMillion     float64
	completionPerMillion float64
}

// defaultPricing is used for any model not found in knownPricing. It's
// deliberately conservative so an unrecognized model doesn't silently run
// unbudgeted.
var defaultPricing = modelPricing{promptPerMillion: 3.0, completionPerMillion: 15.0}

// knownPricing covers the model families exercised by internal/llm's
// provider clients (anthropic.go, openai-compatible). Matched by substring
// against llm.ModelInfo.ID so minor version suffixes (e.g. "-20241022")
// still resolve.
var knownPricing = map[string]modelPricing{
	"claude-opus":     {promptPerMillion: 15.0, completionPerMillion: 75.0},
	"claude-sonnet":   {promptPerMillion: 3.0, completionPerMillion: 15.0},
	"claude-haiku":    {promptPerMillion: 0.8, completionPerMillion: 4.0},
	"gpt-4o":          {promptPerMillion: 2.5, completionPerMillion: 10.0},
	"gpt-4o-mini":     {promptPerMillion: 0.15, completionPerMillion: 0.6},
	"gpt-4-turbo":     {promptPerMillion: 10.0, completionPerMillion: 30.0},
	"gpt-3.5-turbo":   {promptPerMillion: 0.5, completionPerMillion: 1.5},
}

func pricingFor(modelID string) modelPricing {
	id := strings.ToLower(modelID)
	best, bestLen := defaultPricing, 0
	for name, p := range knownPricing {
		if len(name) > bestLen && strings.Contains(id, name) {
			best, bestLen = p, len(name)
		}
	}
	return best
}

// estimateCostUSD converts a usage reading into a dollar amount.
func estimateCostUSD(modelID string, usage *llm.Usage) float64 {
	if usage == nil {
		return 0
	}
	p := pricingFor(modelID)
	return (float64(usage.PromptTokens)/1_000_000)*p.promptPerMillion +
		(float64(usage.CompletionTokens)/1_000_000)*p.completionPerMillion
}
