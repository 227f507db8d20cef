// Package config provides configuration management for Elemental.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/elementalhq/elemental/internal/common/constants"
)

// Config holds all configuration sections for Elemental.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Spawner   SpawnerConfig   `mapstructure:"spawner"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// StoreConfig holds task-store connection configuration.
// Driver selects the backing implementation: memory, sqlite, or postgres.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// ProviderConfig holds upstream LLM CLI provider configuration.
type ProviderConfig struct {
	// Default is the provider used when a start request does not name one.
	Default string `mapstructure:"default"`

	// RegistryPath is an optional YAML file overriding provider binaries and args.
	RegistryPath string `mapstructure:"registryPath"`

	// WorkspaceRoot is forwarded to spawned agents as ELEMENTAL_ROOT.
	WorkspaceRoot string `mapstructure:"workspaceRoot"`
}

// SpawnerConfig holds subprocess supervision configuration.
type SpawnerConfig struct {
	// InitTimeout bounds the wait for the headless init handshake, in seconds.
	// Zero means the application default; values below 5 are clamped to 5.
	InitTimeout int `mapstructure:"initTimeout"`

	// GracefulStopTimeout is the grace window before force-kill, in seconds.
	GracefulStopTimeout int `mapstructure:"gracefulStopTimeout"`

	// SubscriberBuffer is the per-subscriber event buffer depth.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`

	// PTY dimensions for interactive sessions.
	PTYCols int `mapstructure:"ptyCols"`
	PTYRows int `mapstructure:"ptyRows"`
}

// DispatchConfig holds dispatch daemon configuration.
type DispatchConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	TickInterval int  `mapstructure:"tickInterval"` // in seconds
	BatchSize    int  `mapstructure:"batchSize"`
	StoreTimeout int  `mapstructure:"storeTimeout"` // per store call, in seconds
	MaxBackoff   int  `mapstructure:"maxBackoff"`   // store outage backoff cap, in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TelemetryConfig holds OpenTelemetry configuration.
type TelemetryConfig struct {
	// Endpoint is the OTLP HTTP endpoint; empty disables export.
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"serviceName"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// InitTimeoutDuration returns the init handshake timeout. Unset values fall
// back to the application default, and anything below the floor is clamped.
func (s *SpawnerConfig) InitTimeoutDuration() time.Duration {
	if s.InitTimeout <= 0 {
		return constants.InitHandshakeTimeout
	}
	d := time.Duration(s.InitTimeout) * time.Second
	if d < constants.MinInitHandshakeTimeout {
		return constants.MinInitHandshakeTimeout
	}
	return d
}

// GracefulStopDuration returns the graceful-stop grace window.
func (s *SpawnerConfig) GracefulStopDuration() time.Duration {
	return time.Duration(s.GracefulStopTimeout) * time.Second
}

// TickDuration returns the dispatch tick interval.
func (d *DispatchConfig) TickDuration() time.Duration {
	return time.Duration(d.TickInterval) * time.Second
}

// StoreTimeoutDuration returns the per-store-call timeout.
func (d *DispatchConfig) StoreTimeoutDuration() time.Duration {
	return time.Duration(d.StoreTimeout) * time.Second
}

// MaxBackoffDuration returns the backoff cap for store outages.
func (d *DispatchConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(d.MaxBackoff) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("ELEMENTAL_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Store defaults - memory unless a driver is configured
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.path", "elemental.db")
	v.SetDefault("store.host", "localhost")
	v.SetDefault("store.port", 5432)
	v.SetDefault("store.user", "elemental")
	v.SetDefault("store.password", "")
	v.SetDefault("store.dbName", "elemental")
	v.SetDefault("store.sslMode", "disable")
	v.SetDefault("store.maxConns", 25)
	v.SetDefault("store.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "elemental-core")
	v.SetDefault("nats.maxReconnects", 10)

	// Provider defaults
	v.SetDefault("provider.default", "claude")
	v.SetDefault("provider.registryPath", "")
	v.SetDefault("provider.workspaceRoot", "")

	// Spawner defaults
	v.SetDefault("spawner.initTimeout", 120)
	v.SetDefault("spawner.gracefulStopTimeout", 5)
	v.SetDefault("spawner.subscriberBuffer", 64)
	v.SetDefault("spawner.ptyCols", 120)
	v.SetDefault("spawner.ptyRows", 30)

	// Dispatch defaults
	v.SetDefault("dispatch.enabled", true)
	v.SetDefault("dispatch.tickInterval", 5)
	v.SetDefault("dispatch.batchSize", 16)
	v.SetDefault("dispatch.storeTimeout", 30)
	v.SetDefault("dispatch.maxBackoff", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Telemetry defaults - disabled unless an endpoint is set
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.serviceName", "elemental")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ELEMENTAL_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/elemental/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("ELEMENTAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("provider.workspaceRoot", "ELEMENTAL_ROOT", "ELEMENTAL_PROVIDER_WORKSPACE_ROOT")
	_ = v.BindEnv("provider.registryPath", "ELEMENTAL_PROVIDER_REGISTRY_PATH")
	_ = v.BindEnv("spawner.initTimeout", "ELEMENTAL_SPAWNER_INIT_TIMEOUT")
	_ = v.BindEnv("telemetry.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT", "ELEMENTAL_TELEMETRY_ENDPOINT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/elemental/")

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
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Store.Driver {
	case "memory":
	case "sqlite":
		if cfg.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Store.Port <= 0 || cfg.Store.Port > 65535 {
			errs = append(errs, "store.port must be between 1 and 65535")
		}
		if cfg.Store.User == "" {
			errs = append(errs, "store.user is required for the postgres driver")
		}
		if cfg.Store.DBName == "" {
			errs = append(errs, "store.dbName is required for the postgres driver")
		}
	default:
		errs = append(errs, "store.driver must be one of: memory, sqlite, postgres")
	}

	// NATS validation - optional (uses in-memory event bus if not set)

	if cfg.Provider.Default == "" {
		errs = append(errs, "provider.default is required")
	}

	if cfg.Spawner.SubscriberBuffer <= 0 {
		errs = append(errs, "spawner.subscriberBuffer must be positive")
	}
	if cfg.Spawner.PTYCols <= 0 || cfg.Spawner.PTYRows <= 0 {
		errs = append(errs, "spawner.ptyCols and spawner.ptyRows must be positive")
	}

	if cfg.Dispatch.TickInterval <= 0 {
		errs = append(errs, "dispatch.tickInterval must be positive")
	}
	if cfg.Dispatch.BatchSize <= 0 {
		errs = append(errs, "dispatch.batchSize must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text, console")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (s *StoreConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		s.Host, s.Port, s.User, s.Password, s.DBName, s.SSLMode,
	)
}
