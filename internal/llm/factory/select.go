package factory

import (
	"context"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/sony/gobreaker"

	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

// operationAffinity is the fixed per-kind bonus table. Values are small and
// capped at 0.12 so health and latency dominate the composite score.
var operationAffinity = map[models.ProviderKind]map[types.Operation]float64{
	models.ProviderAnthropic: {
		types.OpTranslateFunction: 0.12,
		types.OpOverallSummary:    0.12,
		types.OpExplainImports:    0.06,
		types.OpInterpretStrings:  0.04,
	},
	models.ProviderOpenAI: {
		types.OpTranslateFunction: 0.10,
		types.OpOverallSummary:    0.08,
		types.OpExplainImports:    0.06,
		types.OpInterpretStrings:  0.06,
	},
	models.ProviderGemini: {
		types.OpTranslateFunction: 0.06,
		types.OpOverallSummary:    0.06,
		types.OpExplainImports:    0.08,
		types.OpInterpretStrings:  0.08,
	},
	models.ProviderOllama: {
		types.OpInterpretStrings: 0.05,
		types.OpExplainImports:   0.03,
	},
	models.ProviderCustom: {},
}

// candidate is one provider that survived filtering, with the stat snapshot
// scoring runs against.
type candidate struct {
	id      string
	kind    models.ProviderKind
	stats   models.ProviderStats
	latency float64
	cost    *float64
}

// Select picks the provider to serve op under prefs. Filtering removes
// excluded, circuit-open, and unhealthy providers; the remaining set is
// resolved by explicit preference, cost, performance, or composite score.
func (f *Factory) Select(ctx context.Context, op types.Operation, prefs Preferences) (string, error) {
	candidates := f.candidates(ctx, prefs.Excluded)
	if len(candidates) == 0 {
		return "", f.unavailable()
	}

	has := func(id string) bool {
		return id != "" && slices.ContainsFunc(candidates, func(c candidate) bool { return c.id == id })
	}

	if has(prefs.PreferredProvider) {
		return prefs.PreferredProvider, nil
	}
	if id := prefs.OperationPreferences[op]; has(id) {
		return id, nil
	}

	if prefs.CostOptimization {
		return pickBy(candidates, func(a, b candidate) bool {
			ca, cb := costOrMax(a.cost), costOrMax(b.cost)
			if ca != cb {
				return ca < cb
			}
			if a.latency != b.latency {
				return a.latency < b.latency
			}
			return a.id < b.id
		}), nil
	}
	if prefs.PerformancePriority {
		return pickBy(candidates, func(a, b candidate) bool {
			if a.latency != b.latency {
				return a.latency < b.latency
			}
			ca, cb := costOrMax(a.cost), costOrMax(b.cost)
			if ca != cb {
				return ca < cb
			}
			return a.id < b.id
		}), nil
	}

	best := candidates[0]
	bestScore := f.score(best, op)
	for _, c := range candidates[1:] {
		if s := f.score(c, op); s > bestScore {
			best, bestScore = c, s
		}
	}
	f.log.Debug("selected provider",
		zap.String("provider", best.id),
		zap.String("operation", string(op)),
		zap.Float64("score", bestScore))
	return best.id, nil
}

// candidates filters the registry down to usable providers, probing stale
// health lazily.
func (f *Factory) candidates(ctx context.Context, excluded []string) []candidate {
	out := make([]candidate, 0, len(f.ids))
	for _, id := range f.ids {
		if slices.Contains(excluded, id) {
			continue
		}
		e := f.entries[id]
		if e.breaker.State() == gobreaker.StateOpen {
			continue
		}
		f.probeIfStale(ctx, id, e)

		e.mu.Lock()
		healthy := e.health.IsHealthy && e.health.WithinRateLimits
		c := candidate{
			id:      id,
			kind:    e.provider.Kind(),
			stats:   e.stats,
			latency: e.stats.LatencyEMAMs,
			cost:    e.provider.CostPerToken(),
		}
		if c.latency == 0 {
			c.latency = float64(e.health.LatencyMs)
		}
		e.mu.Unlock()

		if healthy {
			out = append(out, c)
		}
	}
	return out
}

// score computes the composite selection score, clamped to [0, 1].
func (f *Factory) score(c candidate, op types.Operation) float64 {
	score := c.stats.SuccessRate() / 100

	score -= math.Min(0.3, 0.1*float64(c.stats.ConsecutiveFailures))
	score += math.Max(0, (1000-c.latency)/1000) * 0.2
	if c.cost != nil {
		score += math.Max(0, (0.0001-*c.cost)/0.0001) * 0.1
	}
	if !c.stats.LastUsed.IsZero() {
		hours := f.now().Sub(c.stats.LastUsed).Hours()
		score += math.Max(0, (24-hours)/24) * 0.05
	}
	score += operationAffinity[c.kind][op]

	return math.Max(0, math.Min(1, score))
}

func (f *Factory) unavailable() error {
	u := &AllProvidersUnavailable{LastErrors: make(map[string]string, len(f.ids))}
	for _, id := range f.ids {
		e := f.entries[id]
		e.mu.Lock()
		switch {
		case e.lastError != nil:
			u.LastErrors[id] = e.lastError.Error()
		case e.breaker.State() == gobreaker.StateOpen:
			u.LastErrors[id] = "circuit open"
		default:
			u.LastErrors[id] = "filtered from candidate set"
		}
		e.mu.Unlock()
	}
	return models.WrapError(models.KindProviderTransient, "no LLM provider available", u)
}

func pickBy(candidates []candidate, less func(a, b candidate) bool) string {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if less(c, best) {
			best = c
		}
	}
	return best.id
}

func costOrMax(c *float64) float64 {
	if c == nil {
		return math.MaxFloat64
	}
	return *c
}
