// Package pipeline orchestrates the four translation operations over one
// decompilation artifact set and assembles the aggregate result.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/binsight/binsight-ai/internal/cache"
	"github.com/binsight/binsight-ai/internal/llm/adapter"
	"github.com/binsight/binsight-ai/internal/llm/factory"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
	"github.com/binsight/binsight-ai/internal/prompt"
)

// DefaultParallelism bounds concurrent per-function translation calls.
const DefaultParallelism = 4

// Options tune one pipeline instance.
type Options struct {
	Parallelism int

	// Preferences are the service-wide provider selection defaults. A
	// job's explicit provider choice overrides the preferred provider.
	Preferences factory.Preferences
}

// Pipeline fans one artifact set out to the LLM layer and aggregates the
// translations.
type Pipeline struct {
	factory *factory.Factory
	builder *prompt.Builder
	cache   *cache.ResultCache
	opts    Options
	log     *zap.Logger
}

// New builds a pipeline.
func New(f *factory.Factory, b *prompt.Builder, c *cache.ResultCache, opts Options, log *zap.Logger) *Pipeline {
	if opts.Parallelism <= 0 {
		opts.Parallelism = DefaultParallelism
	}
	return &Pipeline{factory: f, builder: b, cache: c, opts: opts, log: log}
}

// Run produces the decompilation result for one artifact set. Individual
// operation failures accrue in the result's error list; the returned error is
// nil unless the run could not start at all.
func (p *Pipeline) Run(ctx context.Context, set *models.ArtifactSet, cfg models.AnalysisConfig) (*models.DecompilationResult, error) {
	if cached, err := p.cache.Get(ctx, set.FileInfo.FileHash, cfg); err == nil {
		cached.CacheHit = true
		metrics.PipelineRuns.WithLabelValues("cache_hit").Inc()
		return cached, nil
	}

	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	chars := prompt.DeriveCharacteristics(set)
	quality, spec := p.builder.Resolve(prompt.Intent(cfg.AnalysisIntent), chars)
	prefs := p.opts.Preferences
	if cfg.LLMProvider != "" {
		prefs.PreferredProvider = cfg.LLMProvider
	}

	run := &runState{
		result: &models.DecompilationResult{
			FileInfo:      set.FileInfo,
			ProvidersUsed: map[string]string{},
		},
		pipeline: p,
	}

	var fnGroup errgroup.Group
	fnGroup.SetLimit(p.opts.Parallelism)

	// Function translations keep artifact order despite concurrent completion.
	functionOut := make([]*models.FunctionTranslation, len(set.Functions))
	for i := range set.Functions {
		fn := set.Functions[i]
		slot := &functionOut[i]
		fnGroup.Go(func() error {
			if ctx.Err() != nil {
				run.fail(fmt.Sprintf("function %s: cancelled before start", fn.Name))
				return nil
			}
			bundle, err := p.builder.FunctionBundle(fn, set, quality, spec[types.OpTranslateFunction])
			if err != nil {
				run.fail(fmt.Sprintf("function %s: %v", fn.Name, err))
				return nil
			}
			var out *models.FunctionTranslation
			id, err := p.factory.Do(ctx, types.OpTranslateFunction, prefs, func(prov adapter.Provider) error {
				var cerr error
				out, cerr = prov.TranslateFunction(ctx, &types.FunctionRequest{Function: fn, Bundle: bundle})
				return cerr
			})
			if err != nil {
				run.fail(fmt.Sprintf("function %s: %v", fn.Name, err))
				return nil
			}
			*slot = out
			run.succeed(types.OpTranslateFunction, id, out.Provider)
			return nil
		})
	}

	// Imports, strings, and summary run alongside the function fan-out.
	var aux errgroup.Group

	if len(set.Imports) > 0 {
		aux.Go(func() error {
			bundle, err := p.builder.ImportsBundle(set, quality, chars)
			if err != nil {
				run.fail(fmt.Sprintf("imports: %v", err))
				return nil
			}
			var out []models.ImportTranslation
			id, err := p.factory.Do(ctx, types.OpExplainImports, prefs, func(prov adapter.Provider) error {
				var cerr error
				out, cerr = prov.ExplainImports(ctx, &types.ImportsRequest{Imports: set.Imports, Bundle: bundle})
				return cerr
			})
			if err != nil {
				run.fail(fmt.Sprintf("imports: %v", err))
				return nil
			}
			run.mu.Lock()
			run.result.Imports = out
			run.mu.Unlock()
			run.succeed(types.OpExplainImports, id, usageOfImports(out)...)
			return nil
		})
	}

	if len(set.Strings) > 0 {
		aux.Go(func() error {
			bundle, err := p.builder.StringsBundle(set, quality, chars)
			if err != nil {
				run.fail(fmt.Sprintf("strings: %v", err))
				return nil
			}
			var out []models.StringTranslation
			id, err := p.factory.Do(ctx, types.OpInterpretStrings, prefs, func(prov adapter.Provider) error {
				var cerr error
				out, cerr = prov.InterpretStrings(ctx, &types.StringsRequest{Strings: set.Strings, Bundle: bundle})
				return cerr
			})
			if err != nil {
				run.fail(fmt.Sprintf("strings: %v", err))
				return nil
			}
			run.mu.Lock()
			run.result.Strings = out
			run.mu.Unlock()
			run.succeed(types.OpInterpretStrings, id, usageOfStrings(out)...)
			return nil
		})
	}

	aux.Go(func() error {
		digest := p.builder.Digest(set, quality)
		bundle, err := p.builder.SummaryBundle(digest, quality, spec[types.OpOverallSummary])
		if err != nil {
			run.fail(fmt.Sprintf("summary: %v", err))
			return nil
		}
		var out *models.OverallSummary
		id, err := p.factory.Do(ctx, types.OpOverallSummary, prefs, func(prov adapter.Provider) error {
			var cerr error
			out, cerr = prov.GenerateOverallSummary(ctx, &types.SummaryRequest{Digest: digest, Bundle: bundle})
			return cerr
		})
		if err != nil {
			run.fail(fmt.Sprintf("summary: %v", err))
			return nil
		}
		run.mu.Lock()
		run.result.Summary = out
		run.mu.Unlock()
		run.succeed(types.OpOverallSummary, id, out.Provider)
		return nil
	})

	_ = fnGroup.Wait()
	_ = aux.Wait()

	result := run.result
	for _, t := range functionOut {
		if t != nil {
			result.Functions = append(result.Functions, *t)
		}
	}

	result.PartialResults = len(result.Errors) > 0
	result.Success = run.succeeded > 0
	result.CompletedAt = time.Now().UTC()

	switch {
	case !result.Success:
		metrics.PipelineRuns.WithLabelValues("failed").Inc()
	case result.PartialResults:
		metrics.PipelineRuns.WithLabelValues("partial").Inc()
	default:
		metrics.PipelineRuns.WithLabelValues("success").Inc()
	}

	if result.Success {
		// The run deadline may already be spent; the cache write gets its own.
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.cache.Set(wctx, set.FileInfo.FileHash, cfg, result, 0); err != nil {
			p.log.Warn("result cache write failed", zap.Error(err))
		}
	}

	p.log.Info("pipeline run complete",
		zap.Bool("success", result.Success),
		zap.Bool("partial", result.PartialResults),
		zap.Int("functions", len(result.Functions)),
		zap.Int("errors", len(result.Errors)),
		zap.Int("tokens", result.TotalLLMTokensUsed))
	return result, nil
}

// runState accumulates shared aggregates under one lock.
type runState struct {
	mu        sync.Mutex
	result    *models.DecompilationResult
	pipeline  *Pipeline
	succeeded int
}

func (r *runState) fail(msg string) {
	r.mu.Lock()
	r.result.Errors = append(r.result.Errors, msg)
	r.mu.Unlock()
}

func (r *runState) succeed(op types.Operation, providerID string, usage ...models.ProviderMetadata) {
	var tokens int
	var cost float64
	r.mu.Lock()
	r.succeeded++
	r.result.ProvidersUsed[string(op)] = providerID
	for _, meta := range usage {
		r.result.TotalLLMTokensUsed += meta.TokensUsed
		r.result.TotalLatencyMs += meta.ProcessingTimeMs
		tokens += meta.TokensUsed
		if meta.CostEstimate != nil {
			r.result.TotalCostUSD += *meta.CostEstimate
			cost += *meta.CostEstimate
		}
	}
	r.mu.Unlock()
	r.pipeline.factory.RecordUsage(providerID, tokens, cost)
}

// usageOfImports extracts the distinct call metadata from a batch reply.
// Imports translated in one backend call share one metadata block.
func usageOfImports(items []models.ImportTranslation) []models.ProviderMetadata {
	if len(items) == 0 {
		return nil
	}
	return []models.ProviderMetadata{items[0].Provider}
}

// usageOfStrings extracts per-chunk metadata: sub-chunked batches carry one
// block per backend call.
func usageOfStrings(items []models.StringTranslation) []models.ProviderMetadata {
	var out []models.ProviderMetadata
	var last *models.ProviderMetadata
	for i := range items {
		meta := items[i].Provider
		if last == nil || *last != meta {
			out = append(out, meta)
			last = &out[len(out)-1]
		}
	}
	return out
}
