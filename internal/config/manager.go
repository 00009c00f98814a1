package config

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperManager implements Manager using Viper.
type viperManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix("BINSIGHT")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	// Config file is optional; defaults plus env vars are enough to run.
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// use defaults
		} else if os.IsNotExist(err) {
			// use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	m.unmarshalConfig()
	m.applyEnvOverrides()
	return nil
}

// Get returns the current configuration.
func (m *viperManager) Get() *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperManager) Validate() error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration file changes and emits the reloaded config.
func (m *viperManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		m.unmarshalConfig()
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update.
		}
	})
	return m.watchChan
}

// Reload re-reads configuration from sources.
func (m *viperManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	m.unmarshalConfig()
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperManager) setDefaults() {
	defaults := DefaultConfig()

	m.viper.SetDefault("environment", defaults.Environment)

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)
	m.viper.SetDefault("server.upload_dir", defaults.Server.UploadDir)
	m.viper.SetDefault("server.max_upload_bytes", defaults.Server.MaxUploadBytes)
	m.viper.SetDefault("server.allow_private_callbacks", defaults.Server.AllowPrivateCallbacks)

	// Key-value store defaults
	m.viper.SetDefault("kv.addr", defaults.KV.Addr)
	m.viper.SetDefault("kv.password", defaults.KV.Password)
	m.viper.SetDefault("kv.db", defaults.KV.DB)
	m.viper.SetDefault("kv.timeout_seconds", defaults.KV.TimeoutSeconds)

	// Job engine defaults
	m.viper.SetDefault("jobs.workers", defaults.Jobs.Workers)
	m.viper.SetDefault("jobs.sqlite_path", defaults.Jobs.SQLitePath)
	m.viper.SetDefault("jobs.retention_days", defaults.Jobs.RetentionDays)
	m.viper.SetDefault("jobs.max_timeout_seconds", defaults.Jobs.MaxTimeoutSeconds)

	// Decompiler defaults
	m.viper.SetDefault("decompiler.command", defaults.Decompiler.Command)
	m.viper.SetDefault("decompiler.args", defaults.Decompiler.Args)
	m.viper.SetDefault("decompiler.timeout_seconds", defaults.Decompiler.TimeoutSeconds)

	// LLM defaults
	m.viper.SetDefault("llm.preferred_provider", defaults.LLM.PreferredProvider)
	m.viper.SetDefault("llm.cost_optimization", defaults.LLM.CostOptimization)
	m.viper.SetDefault("llm.performance_priority", defaults.LLM.PerformancePriority)
	m.viper.SetDefault("llm.excluded", defaults.LLM.Excluded)
	m.viper.SetDefault("llm.openai", defaults.LLM.OpenAI)
	m.viper.SetDefault("llm.anthropic", defaults.LLM.Anthropic)
	m.viper.SetDefault("llm.gemini", defaults.LLM.Gemini)
	m.viper.SetDefault("llm.ollama", defaults.LLM.Ollama)
	m.viper.SetDefault("llm.custom", defaults.LLM.Custom)

	// Pipeline defaults
	m.viper.SetDefault("pipeline.parallelism", defaults.Pipeline.Parallelism)

	// Cache defaults
	m.viper.SetDefault("cache.enabled", defaults.Cache.Enabled)
	m.viper.SetDefault("cache.ttl_seconds", defaults.Cache.TTLSeconds)

	// Rate limit defaults
	m.viper.SetDefault("ratelimit.enabled", defaults.RateLimit.Enabled)
	m.viper.SetDefault("ratelimit.per_ip_per_second", defaults.RateLimit.PerIPPerSecond)
	m.viper.SetDefault("ratelimit.per_ip_burst", defaults.RateLimit.PerIPBurst)

	// Auth defaults
	m.viper.SetDefault("auth.enabled", defaults.Auth.Enabled)
	m.viper.SetDefault("auth.keys_file", defaults.Auth.KeysFile)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)
	m.viper.SetDefault("logging.file_path", defaults.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", defaults.Logging.MaxAgeDays)
}

// unmarshalConfig unmarshals viper config into the Config struct.
func (m *viperManager) unmarshalConfig() {
	cfg := &Config{}

	cfg.Environment = m.viper.GetString("environment")

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")
	cfg.Server.UploadDir = m.viper.GetString("server.upload_dir")
	cfg.Server.MaxUploadBytes = m.viper.GetInt64("server.max_upload_bytes")
	cfg.Server.AllowPrivateCallbacks = m.viper.GetBool("server.allow_private_callbacks")

	// Key-value store
	cfg.KV.Addr = m.viper.GetString("kv.addr")
	cfg.KV.Password = m.viper.GetString("kv.password")
	cfg.KV.DB = m.viper.GetInt("kv.db")
	cfg.KV.TimeoutSeconds = m.viper.GetInt("kv.timeout_seconds")

	// Job engine
	cfg.Jobs.Workers = m.viper.GetInt("jobs.workers")
	cfg.Jobs.SQLitePath = m.viper.GetString("jobs.sqlite_path")
	cfg.Jobs.RetentionDays = m.viper.GetInt("jobs.retention_days")
	cfg.Jobs.MaxTimeoutSeconds = m.viper.GetInt("jobs.max_timeout_seconds")

	// Decompiler
	cfg.Decompiler.Command = m.viper.GetString("decompiler.command")
	cfg.Decompiler.Args = m.viper.GetStringSlice("decompiler.args")
	cfg.Decompiler.TimeoutSeconds = m.viper.GetInt("decompiler.timeout_seconds")

	// LLM
	cfg.LLM.PreferredProvider = m.viper.GetString("llm.preferred_provider")
	cfg.LLM.CostOptimization = m.viper.GetBool("llm.cost_optimization")
	cfg.LLM.PerformancePriority = m.viper.GetBool("llm.performance_priority")
	cfg.LLM.Excluded = m.viper.GetStringSlice("llm.excluded")
	cfg.LLM.OperationPreferences = m.viper.GetStringMapString("llm.operation_preferences")
	cfg.LLM.OpenAI = m.viper.GetStringMap("llm.openai")
	cfg.LLM.Anthropic = m.viper.GetStringMap("llm.anthropic")
	cfg.LLM.Gemini = m.viper.GetStringMap("llm.gemini")
	cfg.LLM.Ollama = m.viper.GetStringMap("llm.ollama")
	cfg.LLM.Custom = m.viper.GetStringMap("llm.custom")

	// Pipeline
	cfg.Pipeline.Parallelism = m.viper.GetInt("pipeline.parallelism")

	// Cache
	cfg.Cache.Enabled = m.viper.GetBool("cache.enabled")
	cfg.Cache.TTLSeconds = m.viper.GetInt("cache.ttl_seconds")

	// Rate limit
	cfg.RateLimit.Enabled = m.viper.GetBool("ratelimit.enabled")
	cfg.RateLimit.PerIPPerSecond = m.viper.GetFloat64("ratelimit.per_ip_per_second")
	cfg.RateLimit.PerIPBurst = m.viper.GetInt("ratelimit.per_ip_burst")

	// Auth
	cfg.Auth.Enabled = m.viper.GetBool("auth.enabled")
	cfg.Auth.KeysFile = m.viper.GetString("auth.keys_file")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")
	cfg.Logging.FilePath = m.viper.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = m.viper.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = m.viper.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = m.viper.GetInt("logging.max_age_days")

	m.config = cfg
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
// Provider API keys never live in the config file; they come from the standard
// environment variables each vendor documents.
func (m *viperManager) applyEnvOverrides() {
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		if m.config.LLM.OpenAI == nil {
			m.config.LLM.OpenAI = make(map[string]any)
		}
		m.config.LLM.OpenAI["api_key"] = apiKey
	}

	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		if m.config.LLM.Anthropic == nil {
			m.config.LLM.Anthropic = make(map[string]any)
		}
		m.config.LLM.Anthropic["api_key"] = apiKey
	}

	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		if m.config.LLM.Gemini == nil {
			m.config.LLM.Gemini = make(map[string]any)
		}
		m.config.LLM.Gemini["api_key"] = apiKey
	}

	if baseURL := os.Getenv("OLLAMA_BASE_URL"); baseURL != "" {
		if m.config.LLM.Ollama == nil {
			m.config.LLM.Ollama = make(map[string]any)
		}
		m.config.LLM.Ollama["base_url"] = baseURL
		m.config.LLM.Ollama["enabled"] = true
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		m.config.KV.Password = password
	}
	if password := os.Getenv("KV_PASSWORD"); password != "" {
		m.config.KV.Password = password
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		m.config.KV.Addr = addr
	}
	if host := os.Getenv("KV_HOST"); host != "" {
		port := "6379"
		if _, p, err := net.SplitHostPort(m.config.KV.Addr); err == nil && p != "" {
			port = p
		}
		if p := os.Getenv("KV_PORT"); p != "" {
			port = p
		}
		m.config.KV.Addr = net.JoinHostPort(host, port)
	}
	if dbEnv := os.Getenv("KV_DB"); dbEnv != "" {
		if db, err := strconv.Atoi(dbEnv); err == nil {
			m.config.KV.DB = db
		}
	}

	if env := os.Getenv("APP_ENVIRONMENT"); env != "" {
		m.config.Environment = env
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		m.config.Logging.Level = level
	}
	for _, name := range []string{"API_PORT", "BINSIGHT_PORT"} {
		if portEnv := os.Getenv(name); portEnv != "" {
			if port, err := strconv.Atoi(portEnv); err == nil {
				m.config.Server.Port = port
			}
		}
	}
	if mbEnv := os.Getenv("ANALYSIS_MAX_FILE_SIZE_MB"); mbEnv != "" {
		if mb, err := strconv.Atoi(mbEnv); err == nil && mb > 0 {
			m.config.Server.MaxUploadBytes = int64(mb) << 20
		}
	}
	if secsEnv := os.Getenv("ANALYSIS_MAX_TIMEOUT_SECONDS"); secsEnv != "" {
		if secs, err := strconv.Atoi(secsEnv); err == nil && secs > 0 {
			m.config.Jobs.MaxTimeoutSeconds = secs
		}
	}
	if secsEnv := os.Getenv("CACHE_ANALYSIS_RESULT_TTL_SECONDS"); secsEnv != "" {
		if secs, err := strconv.Atoi(secsEnv); err == nil && secs >= 0 {
			m.config.Cache.TTLSeconds = secs
		}
	}
}
