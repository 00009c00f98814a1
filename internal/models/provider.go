package models

import (
	"fmt"
	"time"
)

// ProviderKind is the backend family of an LLM provider.
type ProviderKind string

const (
	ProviderOpenAI    ProviderKind = "openai"
	ProviderAnthropic ProviderKind = "anthropic"
	ProviderGemini    ProviderKind = "gemini"
	ProviderOllama    ProviderKind = "ollama"
	ProviderCustom    ProviderKind = "custom" // OpenAI-compatible endpoint
)

// IsValid reports membership in the closed provider-kind set.
func (k ProviderKind) IsValid() bool {
	switch k {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini, ProviderOllama, ProviderCustom:
		return true
	}
	return false
}

// ProviderConfig configures one LLM backend. APIKey is a secret and must
// never appear in logs or serialized output; use Redacted for display.
type ProviderConfig struct {
	Kind         ProviderKind  `json:"provider_kind"`
	APIKey       string        `json:"-"`
	DefaultModel string        `json:"default_model"`
	EndpointURL  string        `json:"endpoint_url,omitempty"`
	Temperature  float64       `json:"temperature"`
	MaxTokens    int           `json:"max_tokens"`
	Timeout      time.Duration `json:"timeout"`
	Organization string        `json:"organization,omitempty"`
}

// Validate checks provider configuration bounds.
func (c *ProviderConfig) Validate() error {
	if !c.Kind.IsValid() {
		return ValidationError("provider_kind", fmt.Sprintf("unknown provider kind %q", c.Kind))
	}
	switch c.Kind {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		if c.APIKey == "" {
			return ValidationError("api_key", fmt.Sprintf("%s provider requires an API key", c.Kind))
		}
	case ProviderCustom:
		if c.EndpointURL == "" {
			return ValidationError("endpoint_url", "custom provider requires an endpoint URL")
		}
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		return ValidationError("temperature", "must be between 0 and 2")
	}
	if c.MaxTokens < 0 {
		return ValidationError("max_tokens", "cannot be negative")
	}
	return nil
}

// Redacted returns the API key reduced to an identification prefix, safe
// for logs ("sk-ab...").
func (c *ProviderConfig) Redacted() string {
	if c.APIKey == "" {
		return ""
	}
	if len(c.APIKey) <= 5 {
		return "*****"
	}
	return c.APIKey[:5] + "..."
}

// ProviderHealth is the outcome of a health probe. Probes never fail; errors
// are captured in ErrorMessage with IsHealthy=false.
type ProviderHealth struct {
	IsHealthy        bool      `json:"is_healthy"`
	WithinRateLimits bool      `json:"within_rate_limits"`
	LastProbeTime    time.Time `json:"last_probe_time"`
	LatencyMs        int64     `json:"latency_ms,omitempty"`
	CostPerToken     *float64  `json:"cost_per_token,omitempty"`
	AvailableModels  []string  `json:"available_models,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// ProviderStats holds in-process rolling counters for one provider. Access
// is serialized by the factory's per-provider lock.
type ProviderStats struct {
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	TotalTokens         int64     `json:"total_tokens"`
	TotalCostUSD        float64   `json:"total_cost_usd"`
	LatencyEMAMs        float64   `json:"latency_ema_ms"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastUsed            time.Time `json:"last_used"`
	HealthCheckFailures int64     `json:"health_check_failures"`
}

// SuccessRate returns the percentage of successful requests, 100 when idle.
func (s *ProviderStats) SuccessRate() float64 {
	if s.TotalRequests == 0 {
		return 100
	}
	return float64(s.SuccessfulRequests) / float64(s.TotalRequests) * 100
}
