package config

import (
	"github.com/innerloop-ai/innerloop/pkg/airouter"
)

// Built-in model identifiers. innerloop.yaml overrides any of these per
// complexity; omitted complexities inherit this table.
const (
	modelFrontier = "claude-sonnet-4-5"
	modelMid      = "claude-3-5-haiku-latest"
	modelCheap    = "gpt-4o-mini"

	// DefaultEmbeddingModel feeds the vectorization lane.
	DefaultEmbeddingModel = "text-embedding-3-small"
)

// BuiltinTiers returns the built-in model selection table. Deep analysis
// prefers the frontier model, daily reflection the mid model, and simple
// acknowledgements go straight to the cheap model. The free tier is pinned
// to the cheap model except for deep analysis, which keeps the mid model so
// trait extraction quality does not collapse.
func BuiltinTiers() airouter.Tiers {
	frontier := airouter.ModelSpec{
		Provider: "anthropic", Model: modelFrontier,
		CostPer1KInput: 0.003, CostPer1KOutput: 0.015, MaxTokens: 8192,
	}
	mid := airouter.ModelSpec{
		Provider: "anthropic", Model: modelMid,
		CostPer1KInput: 0.0008, CostPer1KOutput: 0.004, MaxTokens: 4096,
	}
	cheap := airouter.ModelSpec{
		Provider: "openai", Model: modelCheap,
		CostPer1KInput: 0.00015, CostPer1KOutput: 0.0006, MaxTokens: 4096,
	}

	return airouter.Tiers{
		airouter.ComplexityDeep: {
			Premium: []airouter.ModelSpec{frontier, mid, cheap},
			Free:    []airouter.ModelSpec{mid, cheap},
		},
		airouter.ComplexityDaily: {
			Premium: []airouter.ModelSpec{mid, cheap},
			Free:    []airouter.ModelSpec{cheap},
		},
		airouter.ComplexitySimple: {
			Premium: []airouter.ModelSpec{cheap, mid},
			Free:    []airouter.ModelSpec{cheap},
		},
	}
}
