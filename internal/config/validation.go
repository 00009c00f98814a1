package config

import (
	"fmt"
	"net"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate checks the configuration and returns every violation found.
// Development tolerates missing providers (the service degrades to 503 on
// translation requests); production does not.
func (c *Config) Validate() []error {
	var errs []error

	if c.Environment != "development" && c.Environment != "production" {
		errs = append(errs, &ValidationError{
			Field:   "environment",
			Message: fmt.Sprintf("invalid environment '%s', must be development or production", c.Environment),
		})
	}

	// Server
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	if c.Server.MaxUploadBytes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "server.max_upload_bytes",
			Message: fmt.Sprintf("max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes),
		})
	}
	if c.Server.UploadDir == "" {
		errs = append(errs, &ValidationError{
			Field:   "server.upload_dir",
			Message: "upload_dir is required",
		})
	}

	// Key-value store
	if c.KV.Addr == "" {
		errs = append(errs, &ValidationError{
			Field:   "kv.addr",
			Message: "kv address is required",
		})
	} else if host, port, err := net.SplitHostPort(c.KV.Addr); err != nil {
		errs = append(errs, &ValidationError{
			Field:   "kv.addr",
			Message: fmt.Sprintf("invalid address format (expected host:port): %v", err),
		})
	} else if host == "" || port == "" {
		errs = append(errs, &ValidationError{
			Field:   "kv.addr",
			Message: "kv host and port cannot be empty",
		})
	}

	if c.KV.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "kv.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.KV.TimeoutSeconds),
		})
	}

	// Job engine
	if c.Jobs.Workers < 1 {
		errs = append(errs, &ValidationError{
			Field:   "jobs.workers",
			Message: fmt.Sprintf("workers must be at least 1, got %d", c.Jobs.Workers),
		})
	}
	if c.Jobs.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "jobs.sqlite_path",
			Message: "sqlite_path is required",
		})
	}
	if c.Jobs.RetentionDays < 1 {
		errs = append(errs, &ValidationError{
			Field:   "jobs.retention_days",
			Message: fmt.Sprintf("retention days must be at least 1, got %d", c.Jobs.RetentionDays),
		})
	}
	if c.Jobs.MaxTimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "jobs.max_timeout_seconds",
			Message: fmt.Sprintf("max_timeout_seconds must be at least 1, got %d", c.Jobs.MaxTimeoutSeconds),
		})
	}

	// Decompiler
	if c.Decompiler.Command == "" {
		errs = append(errs, &ValidationError{
			Field:   "decompiler.command",
			Message: "decompiler command is required",
		})
	}
	if c.Decompiler.TimeoutSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "decompiler.timeout_seconds",
			Message: fmt.Sprintf("timeout must be at least 1 second, got %d", c.Decompiler.TimeoutSeconds),
		})
	}

	// LLM providers
	providers := c.Providers()
	for i := range providers {
		if err := providers[i].Validate(); err != nil {
			errs = append(errs, &ValidationError{
				Field:   "llm." + string(providers[i].Kind),
				Message: err.Error(),
			})
		}
	}
	if c.LLM.PreferredProvider != "" {
		found := false
		for _, p := range providers {
			if string(p.Kind) == c.LLM.PreferredProvider {
				found = true
				break
			}
		}
		if !found {
			errs = append(errs, &ValidationError{
				Field:   "llm.preferred_provider",
				Message: fmt.Sprintf("preferred provider '%s' is not configured", c.LLM.PreferredProvider),
			})
		}
	}

	// Pipeline
	if c.Pipeline.Parallelism < 1 {
		errs = append(errs, &ValidationError{
			Field:   "pipeline.parallelism",
			Message: fmt.Sprintf("parallelism must be at least 1, got %d", c.Pipeline.Parallelism),
		})
	}

	// Cache
	if c.Cache.TTLSeconds < 0 {
		errs = append(errs, &ValidationError{
			Field:   "cache.ttl_seconds",
			Message: fmt.Sprintf("ttl_seconds cannot be negative, got %d", c.Cache.TTLSeconds),
		})
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.PerIPPerSecond <= 0 {
			errs = append(errs, &ValidationError{
				Field:   "ratelimit.per_ip_per_second",
				Message: fmt.Sprintf("per_ip_per_second must be positive, got %g", c.RateLimit.PerIPPerSecond),
			})
		}
		if c.RateLimit.PerIPBurst < 1 {
			errs = append(errs, &ValidationError{
				Field:   "ratelimit.per_ip_burst",
				Message: fmt.Sprintf("per_ip_burst must be at least 1, got %d", c.RateLimit.PerIPBurst),
			})
		}
	}

	// Auth
	if c.Auth.Enabled && c.Auth.KeysFile == "" {
		errs = append(errs, &ValidationError{
			Field:   "auth.keys_file",
			Message: "keys_file is required when auth is enabled",
		})
	}

	// Logging
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Production hardening: refuse to start half-configured.
	if c.Environment == "production" {
		if len(providers) == 0 {
			errs = append(errs, &ValidationError{
				Field:   "llm",
				Message: "at least one LLM provider must be configured in production",
			})
		}
		if !c.Auth.Enabled {
			errs = append(errs, &ValidationError{
				Field:   "auth.enabled",
				Message: "auth must be enabled in production",
			})
		}
		if len(c.Server.AllowedOrigins) == 1 && c.Server.AllowedOrigins[0] == "*" {
			errs = append(errs, &ValidationError{
				Field:   "server.allowed_origins",
				Message: "wildcard CORS origin is not allowed in production",
			})
		}
	}

	return errs
}
