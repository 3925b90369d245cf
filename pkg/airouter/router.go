// Package airouter routes completion requests to model providers by inferred
// complexity, with circuit-gated fallback chains and per-model retries.
package airouter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/innerloop-ai/innerloop/pkg/breaker"
	"github.com/innerloop-ai/innerloop/pkg/llm"
	"github.com/innerloop-ai/innerloop/pkg/retry"
)

// ErrNoModelAvailable is returned when every model in the chain is either
// circuit-open or exhausted its retries.
var ErrNoModelAvailable = errors.New("no model available for request")

// ModelSpec is one entry of a tier chain.
type ModelSpec struct {
	// Provider selects the llm.Client, e.g. "anthropic".
	Provider string `yaml:"provider" json:"provider"`
	// Model is the provider-specific identifier.
	Model string `yaml:"model" json:"model"`
	// CostPer1KInput and CostPer1KOutput are USD prices for estimation.
	CostPer1KInput  float64 `yaml:"cost_per_1k_input" json:"cost_per_1k_input"`
	CostPer1KOutput float64 `yaml:"cost_per_1k_output" json:"cost_per_1k_output"`
	// MaxTokens caps completions through this model when the request does
	// not specify its own.
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// Key identifies the model for breakers and counters.
func (m ModelSpec) Key() string { return m.Provider + "/" + m.Model }

// UserTier selects the premium or free side of the selection table.
type UserTier string

const (
	TierPremium UserTier = "premium"
	TierFree    UserTier = "free"
)

// ChainSet holds the fallback chains of one complexity for both user tiers.
// An empty Free chain inherits Premium.
type ChainSet struct {
	Premium []ModelSpec `yaml:"premium" json:"premium"`
	Free    []ModelSpec `yaml:"free" json:"free"`
}

// Tiers is the model selection table: complexity to tier chains. Position
// zero of a chain is the preferred model; later entries are downgrades.
type Tiers map[Complexity]ChainSet

// Config assembles a router.
type Config struct {
	Tiers Tiers
	// Retry is the per-model attempt policy.
	Retry retry.Policy
	// BreakerDefaults configures the per-model circuit breakers.
	BreakerDefaults breaker.Config
}

// RouteRequest is one routed completion.
type RouteRequest struct {
	System string
	Prompt string
	// Tier selects the premium or free chain. Empty means premium.
	Tier UserTier
	// Complexity overrides inference when set.
	Complexity Complexity
	// ComplexityText is the text complexity is inferred from when no
	// override is given. Defaults to Prompt.
	ComplexityText string
	MaxTokens      int
	Temperature    float64
}

// Result is a routed completion outcome.
type Result struct {
	Response   *llm.Response
	Model      ModelSpec
	Complexity Complexity
	// Downgraded is set when the preferred model was unavailable and a
	// lower chain entry served the request.
	Downgraded bool
	// Reasoning explains the routing decision: circuit-open skips, tier
	// downgrades, chain inheritance, failed attempts. Empty when the
	// preferred model answered directly.
	Reasoning string
	Attempts  int
	CostUSD   float64
}

type modelCounters struct {
	requests  atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64
	skipped   atomic.Int64
}

// Router picks a model chain by complexity and walks it until a model
// answers.
type Router struct {
	clients  map[string]llm.Client
	tiers    Tiers
	retrier  *retry.Retrier
	breakers *breaker.Registry
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]*modelCounters
}

// New builds a router over the given provider clients.
func New(clients []llm.Client, cfg Config, logger *slog.Logger) (*Router, error) {
	if len(clients) == 0 {
		return nil, errors.New("at least one llm client is required")
	}
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("tier table is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	byProvider := make(map[string]llm.Client, len(clients))
	for _, c := range clients {
		byProvider[c.Provider()] = c
	}
	for complexity, set := range cfg.Tiers {
		if len(set.Premium) == 0 {
			return nil, fmt.Errorf("complexity %s has no premium chain", complexity)
		}
		for _, spec := range append(append([]ModelSpec{}, set.Premium...), set.Free...) {
			if _, ok := byProvider[spec.Provider]; !ok {
				return nil, fmt.Errorf("complexity %s references unknown provider %q", complexity, spec.Provider)
			}
		}
	}

	return &Router{
		clients:  byProvider,
		tiers:    cfg.Tiers,
		retrier:  retry.New(cfg.Retry, llm.IsTransient),
		breakers: breaker.NewRegistry(cfg.BreakerDefaults),
		logger:   logger.With("component", "airouter"),
		counters: make(map[string]*modelCounters),
	}, nil
}

// Route resolves complexity, then walks the chain: each model gets its
// breaker checked first, then retry-wrapped attempts. The first success
// wins; every model failing yields ErrNoModelAvailable.
func (r *Router) Route(ctx context.Context, req RouteRequest) (*Result, error) {
	text := req.ComplexityText
	if text == "" {
		text = req.Prompt
	}
	complexity := InferComplexity(text, req.Complexity)

	set, ok := r.tiers[complexity]
	if !ok || len(set.Premium) == 0 {
		return nil, fmt.Errorf("%w: no chain for complexity %s", ErrNoModelAvailable, complexity)
	}

	chain := set.Premium
	tierDowngraded := false
	var reasons []string
	if req.Tier == TierFree {
		if len(set.Free) > 0 {
			chain = set.Free
			tierDowngraded = set.Free[0].Key() != set.Premium[0].Key()
			if tierDowngraded {
				reasons = append(reasons, "free tier chain")
			}
		} else {
			reasons = append(reasons, "free tier inherits premium chain")
		}
	}

	var lastErr error
	for i, spec := range chain {
		counters := r.countersFor(spec.Key())
		br := r.breakers.GetOrCreate(spec.Key())

		if err := br.Allow(); err != nil {
			counters.skipped.Add(1)
			r.logger.Warn("Model skipped, circuit open", "model", spec.Key())
			if i == 0 {
				reasons = append(reasons, "primary circuit open")
			} else {
				reasons = append(reasons, spec.Key()+" circuit open")
			}
			lastErr = err
			continue
		}

		counters.requests.Add(1)
		attempts := 0
		var resp *llm.Response
		err := r.retrier.Do(ctx, func(ctx context.Context) error {
			attempts++
			return br.Execute(ctx, func(ctx context.Context) error {
				var callErr error
				resp, callErr = r.clients[spec.Provider].Complete(ctx, llm.Request{
					Model:       spec.Model,
					System:      req.System,
					Prompt:      req.Prompt,
					MaxTokens:   firstPositive(req.MaxTokens, spec.MaxTokens),
					Temperature: req.Temperature,
				})
				return callErr
			})
		})
		if err != nil {
			counters.failures.Add(1)
			r.logger.Warn("Model failed, trying next in chain",
				"model", spec.Key(),
				"complexity", complexity,
				"attempts", attempts,
				"error", err)
			reasons = append(reasons, fmt.Sprintf("%s failed after %d attempts", spec.Key(), attempts))
			lastErr = err
			continue
		}

		counters.successes.Add(1)
		return &Result{
			Response:   resp,
			Model:      spec,
			Complexity: complexity,
			Downgraded: tierDowngraded || i > 0,
			Reasoning:  strings.Join(reasons, "; "),
			Attempts:   attempts,
			CostUSD:    EstimateCost(spec, resp),
		}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoModelAvailable, lastErr)
	}
	return nil, ErrNoModelAvailable
}

// EstimateCost prices a response against a model's per-1K-token rates.
func EstimateCost(spec ModelSpec, resp *llm.Response) float64 {
	if resp == nil {
		return 0
	}
	return float64(resp.InputTokens)/1000*spec.CostPer1KInput +
		float64(resp.OutputTokens)/1000*spec.CostPer1KOutput
}

func (r *Router) countersFor(key string) *modelCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[key]
	if !ok {
		c = &modelCounters{}
		r.counters[key] = c
	}
	return c
}

// ModelStats is a snapshot of one model's counters and breaker state.
type ModelStats struct {
	Requests  int64         `json:"requests"`
	Successes int64         `json:"successes"`
	Failures  int64         `json:"failures"`
	Skipped   int64         `json:"skipped"`
	Breaker   breaker.Stats `json:"breaker"`
}

// Stats snapshots every model seen so far.
func (r *Router) Stats() map[string]ModelStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ModelStats, len(r.counters))
	breakerStats := r.breakers.Stats()
	for key, c := range r.counters {
		out[key] = ModelStats{
			Requests:  c.requests.Load(),
			Successes: c.successes.Load(),
			Failures:  c.failures.Load(),
			Skipped:   c.skipped.Load(),
			Breaker:   breakerStats[key],
		}
	}
	return out
}

// HealthLevel summarizes breaker states across every configured model:
// 0 all closed, 1 some open, 2 all open.
func (r *Router) HealthLevel() int {
	stats := r.breakers.Stats()
	if len(stats) == 0 {
		return 0
	}
	open := 0
	for _, s := range stats {
		if s.State == breaker.StateOpen {
			open++
		}
	}
	switch {
	case open == 0:
		return 0
	case open < len(stats):
		return 1
	default:
		return 2
	}
}

func firstPositive(vals ...int) int {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
