// Package factory holds the provider registry and the selection logic that
// routes each translation operation to a backend.
package factory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/llm/adapter"
	"github.com/binsight/binsight-ai/internal/llm/provider/anthropic"
	"github.com/binsight/binsight-ai/internal/llm/provider/gemini"
	"github.com/binsight/binsight-ai/internal/llm/provider/ollama"
	"github.com/binsight/binsight-ai/internal/llm/provider/openai"
	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

const (
	// DefaultHealthInterval bounds how often one provider is probed.
	DefaultHealthInterval = 5 * time.Minute
	// DefaultCircuitTimeout is how long an open circuit excludes a provider.
	DefaultCircuitTimeout = 10 * time.Minute
	// circuitFailureThreshold opens the circuit.
	circuitFailureThreshold = 5
)

// Preferences bias provider selection for one run.
type Preferences struct {
	PreferredProvider    string
	OperationPreferences map[types.Operation]string
	CostOptimization     bool
	PerformancePriority  bool
	Excluded             []string
}

// Options tune the factory.
type Options struct {
	HealthInterval time.Duration
	CircuitTimeout time.Duration
	AdapterOptions adapter.Options
}

func (o Options) withDefaults() Options {
	if o.HealthInterval <= 0 {
		o.HealthInterval = DefaultHealthInterval
	}
	if o.CircuitTimeout <= 0 {
		o.CircuitTimeout = DefaultCircuitTimeout
	}
	return o
}

// entry is one registered provider with its circuit and rolling stats.
// stats and health are guarded by mu; the breaker synchronizes itself.
type entry struct {
	provider adapter.Provider
	breaker  *gobreaker.CircuitBreaker

	mu        sync.Mutex
	stats     models.ProviderStats
	health    models.ProviderHealth
	probed    bool
	probeAt   time.Time
	lastError error
}

// Factory is the process-wide provider registry. The provider set is
// immutable after construction.
type Factory struct {
	log     *zap.Logger
	opts    Options
	entries map[string]*entry
	ids     []string
	now     func() time.Time
}

// New builds the registry from immutable configuration. Provider ids are the
// provider kinds; one instance per kind.
func New(ctx context.Context, configs []models.ProviderConfig, opts Options, log *zap.Logger) (*Factory, error) {
	if len(configs) == 0 {
		return nil, models.ValidationError("providers", "at least one LLM provider must be configured")
	}
	opts = opts.withDefaults()

	f := &Factory{
		log:     log,
		opts:    opts,
		entries: make(map[string]*entry, len(configs)),
		now:     time.Now,
	}
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		id := string(cfg.Kind)
		if _, dup := f.entries[id]; dup {
			return nil, models.ValidationError("providers", fmt.Sprintf("duplicate provider kind %q", cfg.Kind))
		}

		client, err := newClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("building %s provider: %w", cfg.Kind, err)
		}
		prov := adapter.New(id, cfg.Kind, client, opts.AdapterOptions)
		f.entries[id] = &entry{
			provider: prov,
			breaker:  f.newBreaker(id),
			health:   models.ProviderHealth{IsHealthy: true, WithinRateLimits: true},
		}
		f.ids = append(f.ids, id)
		log.Info("registered LLM provider",
			zap.String("provider", id),
			zap.String("model", client.Model()),
			zap.String("api_key", cfg.Redacted()))
	}
	sort.Strings(f.ids)
	return f, nil
}

// NewWithProviders builds a registry around pre-built providers. Used in
// tests and by callers that construct adapters themselves.
func NewWithProviders(providers []adapter.Provider, opts Options, log *zap.Logger) (*Factory, error) {
	if len(providers) == 0 {
		return nil, models.ValidationError("providers", "at least one LLM provider must be configured")
	}
	f := &Factory{
		log:     log,
		opts:    opts.withDefaults(),
		entries: make(map[string]*entry, len(providers)),
		now:     time.Now,
	}
	for _, p := range providers {
		if _, dup := f.entries[p.ID()]; dup {
			return nil, models.ValidationError("providers", fmt.Sprintf("duplicate provider id %q", p.ID()))
		}
		f.entries[p.ID()] = &entry{
			provider: p,
			breaker:  f.newBreaker(p.ID()),
			health:   models.ProviderHealth{IsHealthy: true, WithinRateLimits: true},
		}
		f.ids = append(f.ids, p.ID())
	}
	sort.Strings(f.ids)
	return f, nil
}

func newClient(ctx context.Context, cfg models.ProviderConfig) (adapter.Client, error) {
	switch cfg.Kind {
	case models.ProviderOpenAI, models.ProviderCustom:
		return openai.NewClient(cfg)
	case models.ProviderAnthropic:
		return anthropic.NewClient(cfg)
	case models.ProviderGemini:
		return gemini.NewClient(ctx, cfg)
	case models.ProviderOllama:
		return ollama.NewClient(cfg)
	default:
		return nil, models.ValidationError("provider_kind", fmt.Sprintf("unknown provider kind %q", cfg.Kind))
	}
}

func (f *Factory) newBreaker(id string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        id,
		MaxRequests: 1, // single half-open probe
		Timeout:     f.opts.CircuitTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= circuitFailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			open := 0.0
			if to == gobreaker.StateOpen {
				open = 1.0
			}
			metrics.CircuitState.WithLabelValues(name).Set(open)
			f.log.Warn("provider circuit state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// Provider returns the registered provider by id, ErrNotFound otherwise.
func (f *Factory) Provider(id string) (adapter.Provider, error) {
	e, ok := f.entries[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return e.provider, nil
}

// IDs lists registered provider ids in sorted order.
func (f *Factory) IDs() []string {
	out := make([]string, len(f.ids))
	copy(out, f.ids)
	return out
}

// Stats returns a copy of the rolling stats for one provider.
func (f *Factory) Stats(id string) (models.ProviderStats, error) {
	e, ok := f.entries[id]
	if !ok {
		return models.ProviderStats{}, models.ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats, nil
}

// Health returns the last probe outcome for one provider, probing first when
// the cached result is stale.
func (f *Factory) Health(ctx context.Context, id string) (models.ProviderHealth, error) {
	e, ok := f.entries[id]
	if !ok {
		return models.ProviderHealth{}, models.ErrNotFound
	}
	f.probeIfStale(ctx, id, e)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, nil
}

// ForceHealthCheck probes one provider immediately.
func (f *Factory) ForceHealthCheck(ctx context.Context, id string) (models.ProviderHealth, error) {
	e, ok := f.entries[id]
	if !ok {
		return models.ProviderHealth{}, models.ErrNotFound
	}
	f.probe(ctx, id, e)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.health, nil
}

// probeIfStale runs a health probe when none ran within the interval.
func (f *Factory) probeIfStale(ctx context.Context, id string, e *entry) {
	e.mu.Lock()
	stale := !e.probed || f.now().Sub(e.probeAt) >= f.opts.HealthInterval
	e.mu.Unlock()
	if stale {
		f.probe(ctx, id, e)
	}
}

func (f *Factory) probe(ctx context.Context, id string, e *entry) {
	health := e.provider.HealthCheck(ctx)

	e.mu.Lock()
	e.health = health
	e.probed = true
	e.probeAt = f.now()
	if !health.IsHealthy {
		e.stats.HealthCheckFailures++
		e.lastError = models.NewError(models.KindProviderTransient, health.ErrorMessage)
	}
	e.mu.Unlock()

	f.log.Debug("provider health probe",
		zap.String("provider", id),
		zap.Bool("healthy", health.IsHealthy),
		zap.Int64("latency_ms", health.LatencyMs))
}

// Do selects a provider for op under prefs, runs fn against it inside the
// provider's circuit breaker, and records the outcome. It returns the id of
// the provider that served the call.
func (f *Factory) Do(ctx context.Context, op types.Operation, prefs Preferences, fn func(adapter.Provider) error) (string, error) {
	id, err := f.Select(ctx, op, prefs)
	if err != nil {
		return "", err
	}
	e := f.entries[id]

	start := f.now()
	_, err = e.breaker.Execute(func() (any, error) {
		return nil, fn(e.provider)
	})
	elapsed := f.now().Sub(start)

	if err != nil {
		f.recordFailure(e, err)
		return id, err
	}
	f.recordSuccess(e, elapsed)
	return id, nil
}

// RecordUsage folds token and cost figures into the provider's stats after a
// successful call.
func (f *Factory) RecordUsage(id string, tokens int, costUSD float64) {
	e, ok := f.entries[id]
	if !ok {
		return
	}
	e.mu.Lock()
	e.stats.TotalTokens += int64(tokens)
	e.stats.TotalCostUSD += costUSD
	e.mu.Unlock()
}

func (f *Factory) recordSuccess(e *entry, latency time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalRequests++
	e.stats.SuccessfulRequests++
	e.stats.ConsecutiveFailures = 0
	e.stats.LastUsed = f.now()
	sample := float64(latency.Milliseconds())
	if e.stats.LatencyEMAMs == 0 {
		e.stats.LatencyEMAMs = sample
	} else {
		e.stats.LatencyEMAMs = 0.7*e.stats.LatencyEMAMs + 0.3*sample
	}
}

func (f *Factory) recordFailure(e *entry, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.TotalRequests++
	e.stats.FailedRequests++
	e.stats.ConsecutiveFailures++
	e.stats.LastUsed = f.now()
	e.lastError = err
}

// AllProvidersUnavailable reports an empty candidate set, carrying the last
// seen error per configured provider.
type AllProvidersUnavailable struct {
	LastErrors map[string]string
}

func (e *AllProvidersUnavailable) Error() string {
	parts := make([]string, 0, len(e.LastErrors))
	for id, msg := range e.LastErrors {
		parts = append(parts, fmt.Sprintf("%s: %s", id, msg))
	}
	sort.Strings(parts)
	return "no LLM provider available: " + strings.Join(parts, "; ")
}
