// Package config provides configuration management for agentflow.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agentflow.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Backends  BackendsConfig  `mapstructure:"backends"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StorageConfig selects and configures the run repository backend.
type StorageConfig struct {
	// Driver selects the repository: memory, sqlite, or postgres.
	Driver string `mapstructure:"driver"`

	// SQLitePath is the database file for the sqlite driver.
	SQLitePath string `mapstructure:"sqlitePath"`

	// Postgres connection settings, used by the postgres driver.
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EngineConfig holds workflow engine defaults and bounds.
type EngineConfig struct {
	// MaxConcurrentRuns bounds how many runs execute in parallel.
	// Additional submissions wait in the queue with status "queued".
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`

	// DefaultMaxIterations applies when a step does not set max_iterations.
	DefaultMaxIterations int `mapstructure:"defaultMaxIterations"`

	// DefaultMaxRetries applies when a workflow does not set max_retries.
	DefaultMaxRetries int `mapstructure:"defaultMaxRetries"`

	// StepTimeout is the wall-clock budget per agent invocation, in seconds.
	StepTimeout int `mapstructure:"stepTimeout"`

	// FirstOutputTimeout kills an agent that produces no output within
	// this window, in seconds. Some backends silently wait on unavailable
	// credentials or network resources.
	FirstOutputTimeout int `mapstructure:"firstOutputTimeout"`

	// StopGracePeriod is how long Stop waits after SIGTERM before
	// force-killing, in seconds.
	StopGracePeriod int `mapstructure:"stopGracePeriod"`
}

// WorkspaceConfig holds workspace isolation configuration.
type WorkspaceConfig struct {
	// BasePath is where empty/whitelist temp directories are created.
	// Empty means the OS temp directory.
	BasePath string `mapstructure:"basePath"`
}

// BackendsConfig holds agent backend registry configuration.
type BackendsConfig struct {
	// File is an optional YAML file with backend launch specs that
	// override or extend the built-in defaults.
	File string `mapstructure:"file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// StepTimeoutDuration returns the per-invocation wall-clock budget.
func (e *EngineConfig) StepTimeoutDuration() time.Duration {
	return time.Duration(e.StepTimeout) * time.Second
}

// FirstOutputTimeoutDuration returns the stall-detection window.
func (e *EngineConfig) FirstOutputTimeoutDuration() time.Duration {
	return time.Duration(e.FirstOutputTimeout) * time.Second
}

// StopGracePeriodDuration returns the graceful-stop window.
func (e *EngineConfig) StopGracePeriodDuration() time.Duration {
	return time.Duration(e.StopGracePeriod) * time.Second
}

// DSN returns the PostgreSQL connection string for the postgres driver.
func (s *StorageConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTFLOW_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Storage defaults - memory keeps everything in-process
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.sqlitePath", "agentflow.db")
	v.SetDefault("storage.host", "")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "agentflow")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbName", "agentflow")
	v.SetDefault("storage.sslMode", "disable")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "agentflow")
	v.SetDefault("nats.maxReconnects", 10)

	// Engine defaults
	v.SetDefault("engine.maxConcurrentRuns", 4)
	v.SetDefault("engine.defaultMaxIterations", 3)
	v.SetDefault("engine.defaultMaxRetries", 1)
	v.SetDefault("engine.stepTimeout", 1800)
	v.SetDefault("engine.firstOutputTimeout", 60)
	v.SetDefault("engine.stopGracePeriod", 10)

	// Workspace defaults - empty base path means os.TempDir
	v.SetDefault("workspace.basePath", "")

	// Backends defaults
	v.SetDefault("backends.file", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENTFLOW_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/agentflow/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENTFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentflow/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Driver {
	case "memory", "sqlite":
	case "postgres":
		if cfg.Storage.Host == "" {
			errs = append(errs, "storage.host is required for the postgres driver")
		}
		if cfg.Storage.User == "" {
			errs = append(errs, "storage.user is required for the postgres driver")
		}
		if cfg.Storage.DBName == "" {
			errs = append(errs, "storage.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "storage.driver must be one of: memory, sqlite, postgres")
	}

	if cfg.Engine.MaxConcurrentRuns <= 0 {
		errs = append(errs, "engine.maxConcurrentRuns must be positive")
	}
	if cfg.Engine.DefaultMaxIterations <= 0 {
		errs = append(errs, "engine.defaultMaxIterations must be positive")
	}
	if cfg.Engine.StepTimeout <= 0 {
		errs = append(errs, "engine.stepTimeout must be positive")
	}
	if cfg.Engine.FirstOutputTimeout <= 0 {
		errs = append(errs, "engine.firstOutputTimeout must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	// "console" is the logger's alias for "text".
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
