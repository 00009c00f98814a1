// Package config loads, validates, and watches the service configuration.
//
// Sources, highest priority first:
//  1. Environment variables (BINSIGHT_* prefix, plus the literal provider
//     key variables such as OPENAI_API_KEY)
//  2. YAML config file (default /etc/binsight/config.yaml)
//  3. Built-in defaults
package config

import (
	"context"
	"time"

	"github.com/binsight/binsight-ai/internal/models"
)

// Config holds every tunable of the service.
type Config struct {
	// Environment is "development" or "production". Production validation is
	// fail-loud: missing providers or disabled auth abort startup.
	Environment string

	Server struct {
		Port                  int
		TLSEnabled            bool
		TLSCertPath           string
		TLSKeyPath            string
		AllowedOrigins        []string
		UploadDir             string
		MaxUploadBytes        int64
		AllowPrivateCallbacks bool
	}

	KV struct {
		Addr           string
		Password       string
		DB             int
		TimeoutSeconds int
	}

	Jobs struct {
		Workers           int
		SQLitePath        string
		RetentionDays     int
		MaxTimeoutSeconds int
	}

	Decompiler struct {
		Command        string
		Args           []string
		TimeoutSeconds int
	}

	LLM struct {
		PreferredProvider   string
		CostOptimization    bool
		PerformancePriority bool
		Excluded            []string
		// OperationPreferences pins an operation name to a provider id,
		// e.g. translate_function: openai.
		OperationPreferences map[string]string

		OpenAI    map[string]any
		Anthropic map[string]any
		Gemini    map[string]any
		Ollama    map[string]any
		Custom    map[string]any
	}

	Pipeline struct {
		Parallelism int
	}

	Cache struct {
		Enabled    bool
		TTLSeconds int
	}

	RateLimit struct {
		Enabled        bool
		PerIPPerSecond float64
		PerIPBurst     int
	}

	Auth struct {
		Enabled  bool
		KeysFile string
	}

	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
	}
}

// Providers assembles the enabled LLM provider configurations. Cloud backends
// participate when an API key is present, Ollama when explicitly enabled, and
// the custom backend when an endpoint URL is set.
func (c *Config) Providers() []models.ProviderConfig {
	var out []models.ProviderConfig

	cloud := []struct {
		kind models.ProviderKind
		raw  map[string]any
	}{
		{models.ProviderOpenAI, c.LLM.OpenAI},
		{models.ProviderAnthropic, c.LLM.Anthropic},
		{models.ProviderGemini, c.LLM.Gemini},
	}
	for _, p := range cloud {
		if getString(p.raw, "api_key") == "" {
			continue
		}
		out = append(out, providerFromMap(p.kind, p.raw))
	}

	if getBool(c.LLM.Ollama, "enabled") {
		cfg := providerFromMap(models.ProviderOllama, c.LLM.Ollama)
		cfg.EndpointURL = getString(c.LLM.Ollama, "base_url")
		out = append(out, cfg)
	}

	if url := getString(c.LLM.Custom, "base_url"); url != "" {
		cfg := providerFromMap(models.ProviderCustom, c.LLM.Custom)
		cfg.EndpointURL = url
		out = append(out, cfg)
	}
	return out
}

func providerFromMap(kind models.ProviderKind, raw map[string]any) models.ProviderConfig {
	cfg := models.ProviderConfig{
		Kind:         kind,
		APIKey:       getString(raw, "api_key"),
		DefaultModel: getString(raw, "model"),
		Temperature:  getFloat(raw, "temperature"),
		MaxTokens:    getInt(raw, "max_tokens"),
		Organization: getString(raw, "organization"),
	}
	if secs := getInt(raw, "timeout_seconds"); secs > 0 {
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	return cfg
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}

func getInt(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func getFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Manager is the configuration access interface.
type Manager interface {
	// Load reads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get() *Config

	// Validate checks the configuration is correct and complete.
	Validate() error

	// Watch emits updated configurations when the config file changes.
	// Only logging.level is applied at runtime; other changes require a
	// restart.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads configuration from sources.
	Reload(ctx context.Context) error
}

// NewManager creates a configuration manager reading from configPath.
func NewManager(configPath string) Manager {
	return &viperManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
}

// DefaultConfigPath is used when no path is given on the command line.
const DefaultConfigPath = "/etc/binsight/config.yaml"
