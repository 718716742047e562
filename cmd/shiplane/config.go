package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	Provision ProvisionConfig `mapstructure:"provision"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Reaper    ReaperConfig    `mapstructure:"reaper"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ArtifactsConfig holds artifact store configuration.
type ArtifactsConfig struct {
	Dir string `mapstructure:"dir"`
}

// PlatformConfig holds vendor platform CLI configuration.
type PlatformConfig struct {
	// CLIPath is the path to the vendor platform CLI binary.
	CLIPath string `mapstructure:"cli_path"`

	// Account is the platform account the pipeline authenticates as.
	Account string `mapstructure:"account"`
}

// SecretsConfig holds signing key configuration.
type SecretsConfig struct {
	// KeyPath is the path to the encrypted signing key file.
	KeyPath string `mapstructure:"key_path"`

	// Passphrase decrypts the signing key file.
	// Set via SHIPLANE_SECRETS_PASSPHRASE in production.
	Passphrase string `mapstructure:"passphrase"`
}

// ProvisionConfig holds environment provisioning configuration.
type ProvisionConfig struct {
	// TTL is the lifetime requested for each ephemeral environment.
	TTL time.Duration `mapstructure:"ttl"`

	// PollInterval is how often environment readiness is checked.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// ReadyTimeout bounds the wait for an environment to become ready.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

// PipelineConfig holds the release pipeline configuration.
type PipelineConfig struct {
	// Definition is the path to the pipeline definition file.
	Definition string `mapstructure:"definition"`

	// PackageName is the platform package released by this pipeline.
	PackageName string `mapstructure:"package_name"`

	// EnvDefinition is the environment definition file passed to the
	// platform on environment creation.
	EnvDefinition string `mapstructure:"env_definition"`

	// PermissionSet is assigned in the environment before tests run.
	PermissionSet string `mapstructure:"permission_set"`

	// DataPlan seeds the environment with fixture data.
	DataPlan string `mapstructure:"data_plan"`
}

// ReaperConfig holds expired-environment reaper configuration.
type ReaperConfig struct {
	// Enabled turns on the background TTL sweep. Off by default:
	// environments left behind by failed runs stay up for debugging
	// until their TTL elapses on the platform side.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often the sweep runs.
	Interval time.Duration `mapstructure:"interval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("database.dsn", "./data/shiplane.db")
	v.SetDefault("artifacts.dir", "./data/artifacts")
	v.SetDefault("platform.cli_path", "platform-cli")
	v.SetDefault("platform.account", "")
	v.SetDefault("secrets.key_path", "./data/signing.key")
	v.SetDefault("secrets.passphrase", "") // Must be set via environment
	v.SetDefault("provision.ttl", "168h")  // 7 days
	v.SetDefault("provision.poll_interval", "30s")
	v.SetDefault("provision.ready_timeout", "15m")
	v.SetDefault("pipeline.definition", "./pipeline.yaml")
	v.SetDefault("pipeline.package_name", "")
	v.SetDefault("pipeline.env_definition", "./config/env-def.json")
	v.SetDefault("pipeline.permission_set", "")
	v.SetDefault("pipeline.data_plan", "")
	v.SetDefault("reaper.enabled", false)
	v.SetDefault("reaper.interval", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Load from file if provided
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// Only return error if file was explicitly specified and is invalid
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// File not found is OK, we'll use defaults
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Unmarshal config
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
