package model

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// DatabaseConfig locates the SQLite database holding sessions, thread
// history and the processed ledger.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// CredentialsConfig controls how credential refs are resolved.
type CredentialsConfig struct {
	// ServiceName is the keyring service the secrets are stored under.
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`

	// FileDir is used by the encrypted file backend when no OS keyring exists.
	FileDir string `mapstructure:"file_dir" yaml:"file_dir"`

	// FilePassword unlocks the file backend.
	FilePassword string `mapstructure:"file_password" yaml:"file_password"`
}

// ManagerConfig holds the supervision policy of the session manager.
type ManagerConfig struct {
	StopGrace           time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	BackoffFloor        time.Duration `mapstructure:"backoff_floor" yaml:"backoff_floor"`
	BackoffCeiling      time.Duration `mapstructure:"backoff_ceiling" yaml:"backoff_ceiling"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffResetAfter   time.Duration `mapstructure:"backoff_reset_after" yaml:"backoff_reset_after"`
	MaxInternalRestarts int           `mapstructure:"max_internal_restarts" yaml:"max_internal_restarts"`
	MinPollInterval     time.Duration `mapstructure:"min_poll_interval" yaml:"min_poll_interval"`
	MaxPollInterval     time.Duration `mapstructure:"max_poll_interval" yaml:"max_poll_interval"`
	SyncInterval        time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
}

// WorkerConfig holds the per-message retry budget of session workers.
type WorkerConfig struct {
	GenerationAttempts int           `mapstructure:"generation_attempts" yaml:"generation_attempts"`
	GenerationBackoff  time.Duration `mapstructure:"generation_backoff" yaml:"generation_backoff"`
	GenerationTimeout  time.Duration `mapstructure:"generation_timeout" yaml:"generation_timeout"`
	SendAttempts       int           `mapstructure:"send_attempts" yaml:"send_attempts"`
	SendRetryDelay     time.Duration `mapstructure:"send_retry_delay" yaml:"send_retry_delay"`

	// SendTimeout bounds a reply's whole delivery, retries and retry delays
	// included. It must be shorter than the manager's StopGrace so a stop
	// never abandons a send mid-flight.
	SendTimeout time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`

	HistoryLimit int `mapstructure:"history_limit" yaml:"history_limit"`
}

// AIConfig holds settings for the reply generator.
type AIConfig struct {
	Provider    string  `mapstructure:"provider" yaml:"provider"`
	Model       string  `mapstructure:"model" yaml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" yaml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" yaml:"temperature"`

	// APIKeyRef names the keyring entry holding the process-wide API key.
	APIKeyRef string `mapstructure:"api_key_ref" yaml:"api_key_ref"`

	// RatePerSecond and Burst throttle generation calls per session.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
	Burst         int     `mapstructure:"burst" yaml:"burst"`
}

// LedgerConfig selects where processed-message ledgers are persisted.
type LedgerConfig struct {
	// Backend is "sqlite", "redis" or "memory".
	Backend     string `mapstructure:"backend" yaml:"backend"`
	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// ObservabilityConfig holds the metrics server and tracing settings.
type ObservabilityConfig struct {
	MetricsAddr   string `mapstructure:"metrics_addr" yaml:"metrics_addr"`
	ServiceName   string `mapstructure:"service_name" yaml:"service_name"`
	TraceExporter string `mapstructure:"trace_exporter" yaml:"trace_exporter"`
	OTLPEndpoint  string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
}

// LoggingConfig holds process and per-session log settings.
type LoggingConfig struct {
	Level     string `mapstructure:"level" yaml:"level"`
	Dir       string `mapstructure:"dir" yaml:"dir"`
	TailLines int    `mapstructure:"tail_lines" yaml:"tail_lines"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Database      DatabaseConfig      `mapstructure:"database" yaml:"database"`
	Credentials   CredentialsConfig   `mapstructure:"credentials" yaml:"credentials"`
	Manager       ManagerConfig       `mapstructure:"manager" yaml:"manager"`
	Worker        WorkerConfig        `mapstructure:"worker" yaml:"worker"`
	AI            AIConfig            `mapstructure:"ai" yaml:"ai"`
	Ledger        LedgerConfig        `mapstructure:"ledger" yaml:"ledger"`
	Observability ObservabilityConfig `mapstructure:"observability" yaml:"observability"`
	Logging       LoggingConfig       `mapstructure:"logging" yaml:"logging"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/reply-optimizer/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "reply-optimizer", "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Database: DatabaseConfig{Path: "reply-optimizer.db"},
		Credentials: CredentialsConfig{
			ServiceName: "reply-optimizer",
			FileDir:     "~/.config/reply-optimizer/credentials",
		},
		Manager: ManagerConfig{
			StopGrace:           30 * time.Second,
			BackoffFloor:        5 * time.Second,
			BackoffCeiling:      5 * time.Minute,
			BackoffMultiplier:   2.0,
			BackoffResetAfter:   2 * time.Minute,
			MaxInternalRestarts: 5,
			MinPollInterval:     5 * time.Second,
			MaxPollInterval:     time.Hour,
			SyncInterval:        30 * time.Second,
		},
		Worker: WorkerConfig{
			GenerationAttempts: 3,
			GenerationBackoff:  time.Second,
			GenerationTimeout:  60 * time.Second,
			SendAttempts:       2,
			SendRetryDelay:     time.Second,
			SendTimeout:        20 * time.Second,
			HistoryLimit:       20,
		},
		AI: AIConfig{
			Provider:      "gemini",
			Model:         "gemini-2.0-pro",
			MaxTokens:     400,
			Temperature:   0.2,
			RatePerSecond: 1,
			Burst:         3,
		},
		Ledger: LedgerConfig{
			Backend:     "sqlite",
			RedisPrefix: "reply-optimizer:",
		},
		Observability: ObservabilityConfig{
			MetricsAddr:   ":9090",
			ServiceName:   "reply-optimizer",
			TraceExporter: "none",
		},
		Logging: LoggingConfig{
			Level:     "info",
			Dir:       "logs",
			TailLines: 100,
		},
	}
}

// setDefaults registers every default so missing keys resolve to the
// values of DefaultAppConfig.
func setDefaults(v *viper.Viper) {
	d := DefaultAppConfig()

	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("credentials.service_name", d.Credentials.ServiceName)
	v.SetDefault("credentials.file_dir", d.Credentials.FileDir)

	v.SetDefault("manager.stop_grace", d.Manager.StopGrace)
	v.SetDefault("manager.backoff_floor", d.Manager.BackoffFloor)
	v.SetDefault("manager.backoff_ceiling", d.Manager.BackoffCeiling)
	v.SetDefault("manager.backoff_multiplier", d.Manager.BackoffMultiplier)
	v.SetDefault("manager.backoff_reset_after", d.Manager.BackoffResetAfter)
	v.SetDefault("manager.max_internal_restarts", d.Manager.MaxInternalRestarts)
	v.SetDefault("manager.min_poll_interval", d.Manager.MinPollInterval)
	v.SetDefault("manager.max_poll_interval", d.Manager.MaxPollInterval)
	v.SetDefault("manager.sync_interval", d.Manager.SyncInterval)

	v.SetDefault("worker.generation_attempts", d.Worker.GenerationAttempts)
	v.SetDefault("worker.generation_backoff", d.Worker.GenerationBackoff)
	v.SetDefault("worker.generation_timeout", d.Worker.GenerationTimeout)
	v.SetDefault("worker.send_attempts", d.Worker.SendAttempts)
	v.SetDefault("worker.send_retry_delay", d.Worker.SendRetryDelay)
	v.SetDefault("worker.send_timeout", d.Worker.SendTimeout)
	v.SetDefault("worker.history_limit", d.Worker.HistoryLimit)

	v.SetDefault("ai.provider", d.AI.Provider)
	v.SetDefault("ai.model", d.AI.Model)
	v.SetDefault("ai.max_tokens", d.AI.MaxTokens)
	v.SetDefault("ai.temperature", d.AI.Temperature)
	v.SetDefault("ai.rate_per_second", d.AI.RatePerSecond)
	v.SetDefault("ai.burst", d.AI.Burst)

	v.SetDefault("ledger.backend", d.Ledger.Backend)
	v.SetDefault("ledger.redis_prefix", d.Ledger.RedisPrefix)

	v.SetDefault("observability.metrics_addr", d.Observability.MetricsAddr)
	v.SetDefault("observability.service_name", d.Observability.ServiceName)
	v.SetDefault("observability.trace_exporter", d.Observability.TraceExporter)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.dir", d.Logging.Dir)
	v.SetDefault("logging.tail_lines", d.Logging.TailLines)
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// Environment variables prefixed with REPLY_OPTIMIZER_ override file values.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPLY_OPTIMIZER")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return DefaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the supervision bounds for internal consistency.
func (c *AppConfig) Validate() error {
	m := c.Manager
	if m.BackoffFloor <= 0 || m.BackoffCeiling <= 0 {
		return fmt.Errorf("backoff floor and ceiling must be positive")
	}
	if m.BackoffFloor > m.BackoffCeiling {
		return fmt.Errorf("backoff floor %s exceeds ceiling %s", m.BackoffFloor, m.BackoffCeiling)
	}
	if m.BackoffMultiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1, got %v", m.BackoffMultiplier)
	}
	if m.MinPollInterval <= 0 || m.MinPollInterval > m.MaxPollInterval {
		return fmt.Errorf("poll interval bounds [%s, %s] are invalid", m.MinPollInterval, m.MaxPollInterval)
	}
	if c.Worker.GenerationAttempts < 1 || c.Worker.SendAttempts < 1 {
		return fmt.Errorf("worker attempts must be at least 1")
	}
	if c.Worker.SendTimeout <= 0 {
		return fmt.Errorf("send timeout must be positive")
	}
	if c.Worker.SendTimeout >= m.StopGrace {
		return fmt.Errorf("send timeout %s must be shorter than stop grace %s", c.Worker.SendTimeout, m.StopGrace)
	}
	switch c.Ledger.Backend {
	case "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend)
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("database", cfg.Database)
	v.Set("credentials", cfg.Credentials)
	v.Set("manager", cfg.Manager)
	v.Set("worker", cfg.Worker)
	v.Set("ai", cfg.AI)
	v.Set("ledger", cfg.Ledger)
	v.Set("observability", cfg.Observability)
	v.Set("logging", cfg.Logging)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
