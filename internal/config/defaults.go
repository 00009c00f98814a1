package config

// DefaultConfig returns a configuration with all default values. The defaults
// describe a development setup: local Redis, local Ollama, auth off.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Environment = "development"

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.UploadDir = "/var/lib/binsight/uploads"
	cfg.Server.MaxUploadBytes = 100 << 20
	cfg.Server.AllowPrivateCallbacks = false

	// Key-value store defaults
	cfg.KV.Addr = "localhost:6379"
	cfg.KV.DB = 0
	cfg.KV.TimeoutSeconds = 5

	// Job engine defaults
	cfg.Jobs.Workers = 4
	cfg.Jobs.SQLitePath = "/var/lib/binsight/jobs.db"
	cfg.Jobs.RetentionDays = 7
	cfg.Jobs.MaxTimeoutSeconds = 3600

	// Decompiler defaults
	cfg.Decompiler.Command = "binlift"
	cfg.Decompiler.Args = []string{"--json"}
	cfg.Decompiler.TimeoutSeconds = 300

	// LLM defaults: no cloud keys, local Ollama enabled
	cfg.LLM.Ollama = map[string]any{
		"enabled":  true,
		"base_url": "http://localhost:11434",
		"model":    "codellama:13b",
	}

	// Pipeline defaults
	cfg.Pipeline.Parallelism = 4

	// Cache defaults
	cfg.Cache.Enabled = true
	cfg.Cache.TTLSeconds = 86400

	// Rate limit defaults
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.PerIPPerSecond = 10
	cfg.RateLimit.PerIPBurst = 20

	// Auth defaults
	cfg.Auth.Enabled = false
	cfg.Auth.KeysFile = "/var/lib/binsight/keys.json"

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 5
	cfg.Logging.MaxAgeDays = 30

	return cfg
}
