// Package config provides configuration management for kynetic.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kynetic/kynetic/internal/common/logger"
)

// Config holds all configuration sections for kynetic.
type Config struct {
	BaseDir   string                `mapstructure:"baseDir"`
	Agent     AgentConfig           `mapstructure:"agent"`
	Discord   DiscordConfig         `mapstructure:"discord"`
	Session   SessionConfig         `mapstructure:"session"`
	Streaming StreamingConfig       `mapstructure:"streaming"`
	Storage   StorageConfig         `mapstructure:"storage"`
	NATS      NATSConfig            `mapstructure:"nats"`
	Server    ServerConfig          `mapstructure:"server"`
	Logging   logger.LoggingConfig  `mapstructure:"logging"`
}

// AgentConfig holds the agent subprocess configuration.
type AgentConfig struct {
	// Name identifies the agent in session keys and routing.
	Name    string            `mapstructure:"name"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Cwd     string            `mapstructure:"cwd"`

	HealthCheckIntervalSec int     `mapstructure:"healthCheckIntervalSec"`
	FailureThreshold       int     `mapstructure:"failureThreshold"`
	BackoffInitialMs       int     `mapstructure:"backoffInitialMs"`
	BackoffMaxMs           int     `mapstructure:"backoffMaxMs"`
	BackoffMultiplier      float64 `mapstructure:"backoffMultiplier"`
	ShutdownTimeoutSec     int     `mapstructure:"shutdownTimeoutSec"`
	ReadyTimeoutSec        int     `mapstructure:"readyTimeoutSec"`
}

// DiscordConfig holds the Discord platform adapter configuration.
type DiscordConfig struct {
	Token     string `mapstructure:"token"`
	SoftCap   int    `mapstructure:"softCap"`
	HardCap   int    `mapstructure:"hardCap"`
	UseEmbeds bool   `mapstructure:"useEmbeds"`
	EmbedCap  int    `mapstructure:"embedCap"`
}

// SessionConfig holds session rotation and recovery configuration.
type SessionConfig struct {
	RotationThreshold   float64 `mapstructure:"rotationThreshold"`
	RecencyWindowMin    int     `mapstructure:"recencyWindowMin"`
	UsageDebounceSec    int     `mapstructure:"usageDebounceSec"`
	UsageTimeoutSec     int     `mapstructure:"usageTimeoutSec"`
}

// StreamingConfig holds output coalescing configuration.
type StreamingConfig struct {
	MinChars int `mapstructure:"minChars"`
	IdleMs   int `mapstructure:"idleMs"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Driver selects the store backend: memory, sqlite, or postgres.
	Driver     string         `mapstructure:"driver"`
	SQLitePath string         `mapstructure:"sqlitePath"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection configuration.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// HealthCheckInterval returns the health check interval as a time.Duration.
func (a *AgentConfig) HealthCheckInterval() time.Duration {
	return time.Duration(a.HealthCheckIntervalSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout as a time.Duration.
func (a *AgentConfig) ShutdownTimeout() time.Duration {
	return time.Duration(a.ShutdownTimeoutSec) * time.Second
}

// ReadyTimeout returns the agent-ready timeout as a time.Duration.
func (a *AgentConfig) ReadyTimeout() time.Duration {
	return time.Duration(a.ReadyTimeoutSec) * time.Second
}

// BackoffInitial returns the initial respawn backoff as a time.Duration.
func (a *AgentConfig) BackoffInitial() time.Duration {
	return time.Duration(a.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the maximum respawn backoff as a time.Duration.
func (a *AgentConfig) BackoffMax() time.Duration {
	return time.Duration(a.BackoffMaxMs) * time.Millisecond
}

// RecencyWindow returns the conversation recency window as a time.Duration.
func (s *SessionConfig) RecencyWindow() time.Duration {
	return time.Duration(s.RecencyWindowMin) * time.Minute
}

// UsageDebounce returns the usage sampling debounce as a time.Duration.
func (s *SessionConfig) UsageDebounce() time.Duration {
	return time.Duration(s.UsageDebounceSec) * time.Second
}

// UsageTimeout returns the usage sampling timeout as a time.Duration.
func (s *SessionConfig) UsageTimeout() time.Duration {
	return time.Duration(s.UsageTimeoutSec) * time.Second
}

// Idle returns the coalescer idle flush interval as a time.Duration.
func (s *StreamingConfig) Idle() time.Duration {
	return time.Duration(s.IdleMs) * time.Millisecond
}

// DSN returns the PostgreSQL connection string.
func (p *PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode,
	)
}

// IdentityPath returns the path of the optional identity file.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.BaseDir, "identity.yaml")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("baseDir", defaultBaseDir())

	// Agent defaults
	v.SetDefault("agent.name", "kynetic")
	v.SetDefault("agent.command", "")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.cwd", "")
	v.SetDefault("agent.healthCheckIntervalSec", 30)
	v.SetDefault("agent.failureThreshold", 3)
	v.SetDefault("agent.backoffInitialMs", 1000)
	v.SetDefault("agent.backoffMaxMs", 60000)
	v.SetDefault("agent.backoffMultiplier", 2.0)
	v.SetDefault("agent.shutdownTimeoutSec", 10)
	v.SetDefault("agent.readyTimeoutSec", 30)

	// Discord defaults
	v.SetDefault("discord.token", "")
	v.SetDefault("discord.softCap", 1800)
	v.SetDefault("discord.hardCap", 2000)
	v.SetDefault("discord.useEmbeds", false)
	v.SetDefault("discord.embedCap", 4096)

	// Session defaults
	v.SetDefault("session.rotationThreshold", 0.70)
	v.SetDefault("session.recencyWindowMin", 30)
	v.SetDefault("session.usageDebounceSec", 30)
	v.SetDefault("session.usageTimeoutSec", 10)

	// Streaming defaults
	v.SetDefault("streaming.minChars", 1500)
	v.SetDefault("streaming.idleMs", 1000)

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlitePath", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", 5432)
	v.SetDefault("storage.postgres.user", "kynetic")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbName", "kynetic")
	v.SetDefault("storage.postgres.sslMode", "disable")
	v.SetDefault("storage.postgres.maxConns", 10)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "kynetic")
	v.SetDefault("nats.maxReconnects", 10)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7411)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")
}

// detectDefaultLogFormat returns "json" in production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("KYNETIC_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kynetic"
	}
	return filepath.Join(home, ".kynetic")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KYNETIC_ with snake_case naming.
// The config file should be named config.yaml and placed in the current
// directory, the base dir, or /etc/kynetic/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("KYNETIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// keys where the env var naming differs are bound explicitly.
	_ = v.BindEnv("discord.token", "KYNETIC_DISCORD_TOKEN", "DISCORD_TOKEN")
	_ = v.BindEnv("agent.command", "KYNETIC_AGENT_COMMAND")
	_ = v.BindEnv("storage.sqlitePath", "KYNETIC_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("storage.postgres.dbName", "KYNETIC_STORAGE_POSTGRES_DB_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultBaseDir())
	v.AddConfigPath("/etc/kynetic/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = filepath.Join(cfg.BaseDir, "kynetic.db")
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Agent.Name == "" {
		errs = append(errs, "agent.name is required")
	}
	if cfg.Agent.Command == "" {
		errs = append(errs, "agent.command is required")
	}
	if cfg.Agent.FailureThreshold <= 0 {
		errs = append(errs, "agent.failureThreshold must be positive")
	}
	if cfg.Agent.BackoffMultiplier < 1 {
		errs = append(errs, "agent.backoffMultiplier must be >= 1")
	}

	if cfg.Discord.HardCap <= 0 || cfg.Discord.SoftCap <= 0 {
		errs = append(errs, "discord caps must be positive")
	}
	if cfg.Discord.SoftCap > cfg.Discord.HardCap {
		errs = append(errs, "discord.softCap must not exceed discord.hardCap")
	}

	if cfg.Session.RotationThreshold <= 0 || cfg.Session.RotationThreshold > 1 {
		errs = append(errs, "session.rotationThreshold must be in (0, 1]")
	}

	switch cfg.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Storage.Postgres.Host == "" {
			errs = append(errs, "storage.postgres.host is required when storage.driver is postgres")
		}
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Server.Enabled {
		if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
			errs = append(errs, "server.port must be between 1 and 65535")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
