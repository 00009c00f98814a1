// Package adapter provides the uniform four-operation surface over
// heterogeneous LLM backends.
//
// Responsibilities:
//   - One Provider interface for all backends (OpenAI-compatible, Anthropic,
//     Gemini, local Ollama)
//   - Retry with exponential backoff and jitter; backend retry-after hints
//     are honored, authentication failures are never retried
//   - Token accounting: authoritative backend counts when present, chars/4
//     estimation with a bounded LRU otherwise
//   - Cost estimation per model; unknown costs stay nil and downstream
//     selection treats nil as "no preference"
//   - Best-effort structured parsing of free-form responses: JSON first,
//     section-header regex fallback, raw text as the floor
//   - Heuristic confidence scoring in [0,1] with a 0.5 floor on any
//     non-empty output
//
// The wire format of each backend lives in its provider package; everything
// above the wire is shared here.
package adapter

import (
	"context"
	"time"

	"github.com/binsight/binsight-ai/internal/llm/types"
	"github.com/binsight/binsight-ai/internal/models"
)

// Provider is the uniform capability surface the pipeline and factory see.
type Provider interface {
	// ID is the registry identifier, unique per configured provider.
	ID() string
	// Kind is the backend family.
	Kind() models.ProviderKind

	TranslateFunction(ctx context.Context, req *types.FunctionRequest) (*models.FunctionTranslation, error)
	ExplainImports(ctx context.Context, req *types.ImportsRequest) ([]models.ImportTranslation, error)
	InterpretStrings(ctx context.Context, req *types.StringsRequest) ([]models.StringTranslation, error)
	GenerateOverallSummary(ctx context.Context, req *types.SummaryRequest) (*models.OverallSummary, error)

	// HealthCheck never returns an error; failures are captured in the
	// returned struct.
	HealthCheck(ctx context.Context) models.ProviderHealth
	// CostPerToken is the blended per-token cost, nil when unknown.
	CostPerToken() *float64
}

// Client is the minimal wire contract a backend package implements.
type Client interface {
	// Complete sends one prompt and returns the completion.
	Complete(ctx context.Context, req types.CompletionRequest) (*types.CompletionResponse, error)
	// ListModels returns models available at the backend, best-effort.
	ListModels(ctx context.Context) ([]string, error)
	// Model is the configured default model.
	Model() string
	// Costs returns USD per 1K input/output tokens; known=false for local
	// or custom endpoints with unknown pricing.
	Costs() (inputPer1K, outputPer1K float64, known bool)
}

// Options tune the shared adapter machinery.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxTokens      int
	Temperature    float64
	// StringBatchSize bounds how many strings go into one backend call.
	StringBatchSize int
}

// DefaultOptions returns the adapter defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		InitialBackoff:  time.Second,
		MaxTokens:       4096,
		Temperature:     0.2,
		StringBatchSize: 30,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = d.InitialBackoff
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = d.MaxTokens
	}
	if o.StringBatchSize <= 0 {
		o.StringBatchSize = d.StringBatchSize
	}
	return o
}
