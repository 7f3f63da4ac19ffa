package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete edgeflow agent configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (EDGEFLOW_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
//
// Store Configuration Pattern:
// Each backend defines its own configuration type. The Config struct holds
// type-specific option maps (e.g., content.filesystem, flowfiles.log) and
// only the map matching the selected type is decoded.
type Config struct {
	// Logging controls log output behavior
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Agent contains agent-wide settings
	Agent AgentConfig `mapstructure:"agent" yaml:"agent"`

	// Content selects and configures the content store
	Content ContentConfig `mapstructure:"content" yaml:"content"`

	// FlowFiles selects and configures the flow file repository
	FlowFiles FlowFilesConfig `mapstructure:"flowfiles" yaml:"flowfiles"`

	// Claims configures the claim manager's removal worker
	Claims ClaimsConfig `mapstructure:"claims" yaml:"claims"`

	// GC configures the orphaned content collector
	GC GCConfig `mapstructure:"gc" yaml:"gc"`

	// Metrics configures the Prometheus endpoint
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`

	// Connections defines the queues between processing units
	Connections []ConnectionConfig `mapstructure:"connections" yaml:"connections" validate:"dive"`

	// AutoTerminate lists, per unit, the relationships whose records are
	// dropped at commit
	AutoTerminate map[string][]string `mapstructure:"auto_terminate" yaml:"auto_terminate,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive, normalized to uppercase)
	Level string `mapstructure:"level" yaml:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error"`

	// Format specifies the log output format
	// Valid values: text, json
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`

	// Output specifies where logs are written
	// Valid values: stdout, stderr, or a file path
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// AgentConfig contains agent-wide settings.
type AgentConfig struct {
	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"required,gt=0"`

	// SessionLease is how long a session may stay open before the sweeper
	// rolls it back
	SessionLease time.Duration `mapstructure:"session_lease" yaml:"session_lease" validate:"required,gt=0"`

	// SweepInterval is how often abandoned sessions are looked for
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval" validate:"required,gt=0"`

	// PenaltyDuration is how long penalized records are held back
	PenaltyDuration time.Duration `mapstructure:"penalty_duration" yaml:"penalty_duration" validate:"required,gt=0"`

	// ExpireInterval is how often connections are pruned of expired
	// records
	ExpireInterval time.Duration `mapstructure:"expire_interval" yaml:"expire_interval" validate:"required,gt=0"`

	// HandleIdleTimeout closes content handles unused for this long and
	// paces content store maintenance
	HandleIdleTimeout time.Duration `mapstructure:"handle_idle_timeout" yaml:"handle_idle_timeout" validate:"required,gt=0"`
}

// ContentConfig specifies content store configuration.
type ContentConfig struct {
	// Type specifies which content store implementation to use
	// Valid values: memory, filesystem, badger, s3
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory filesystem badger s3"`

	// Filesystem is used when Type = "filesystem"
	Filesystem map[string]any `mapstructure:"filesystem" yaml:"filesystem,omitempty"`

	// Badger is used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`

	// S3 is used when Type = "s3"
	S3 map[string]any `mapstructure:"s3" yaml:"s3,omitempty"`
}

// FlowFilesConfig specifies flow file repository configuration.
type FlowFilesConfig struct {
	// Type specifies which repository implementation to use
	// Valid values: memory, log, badger
	Type string `mapstructure:"type" yaml:"type" validate:"required,oneof=memory log badger"`

	// Memory is used when Type = "memory"
	Memory map[string]any `mapstructure:"memory" yaml:"memory,omitempty"`

	// Log is used when Type = "log"
	Log map[string]any `mapstructure:"log" yaml:"log,omitempty"`

	// Badger is used when Type = "badger"
	Badger map[string]any `mapstructure:"badger" yaml:"badger,omitempty"`
}

// ClaimsConfig configures asynchronous claim removal.
type ClaimsConfig struct {
	// FlushInterval is how often scheduled removals are processed
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval" validate:"required,gt=0"`

	// BatchSize triggers an early flush when this many removals are pending
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"required,gt=0"`
}

// GCConfig configures the orphaned content collector.
type GCConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	Interval time.Duration `mapstructure:"interval" yaml:"interval" validate:"required,gt=0"`

	// BatchSize is capped at 1000, the S3 DeleteObjects limit
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size" validate:"required,min=1,max=1000"`

	DryRun bool `mapstructure:"dry_run" yaml:"dry_run"`

	// RemovalRate caps removed claims per second (0 = unlimited)
	RemovalRate uint `mapstructure:"removal_rate" yaml:"removal_rate,omitempty"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port for the /metrics HTTP endpoint
	Port int `mapstructure:"port" yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// ConnectionConfig defines one connection. IDs must stay stable across
// restarts: recovery places records back on the connection whose id they
// were persisted with.
type ConnectionConfig struct {
	ID   string `mapstructure:"id" yaml:"id" validate:"required"`
	Name string `mapstructure:"name" yaml:"name,omitempty"`

	Source      string `mapstructure:"source" yaml:"source" validate:"required"`
	Destination string `mapstructure:"destination" yaml:"destination" validate:"required"`

	Relationships []string `mapstructure:"relationships" yaml:"relationships" validate:"required,min=1,dive,required"`

	// Prioritizer: fifo, priority, oldest_first, newest_first
	Prioritizer string `mapstructure:"prioritizer" yaml:"prioritizer,omitempty" validate:"omitempty,oneof=fifo priority oldest_first newest_first oldest newest"`

	// Backpressure thresholds (0 = unlimited)
	MaxQueueSize  int   `mapstructure:"max_queue_size" yaml:"max_queue_size,omitempty" validate:"gte=0"`
	MaxQueueBytes int64 `mapstructure:"max_queue_bytes" yaml:"max_queue_bytes,omitempty" validate:"gte=0"`

	// Expiration drops records older than this (0 = never)
	Expiration time.Duration `mapstructure:"expiration" yaml:"expiration,omitempty" validate:"gte=0"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the EDGEFLOW_ prefix and underscores.
	// Example: EDGEFLOW_LOGGING_LEVEL=DEBUG
	v.SetEnvPrefix("EDGEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only applies to keys viper already knows about.
	for _, key := range []string{
		"logging.level", "logging.format", "logging.output",
		"agent.shutdown_timeout", "agent.session_lease", "agent.sweep_interval",
		"agent.penalty_duration", "agent.expire_interval", "agent.handle_idle_timeout",
		"content.type", "flowfiles.type",
		"claims.flush_interval", "claims.batch_size",
		"gc.enabled", "gc.interval", "gc.batch_size", "gc.dry_run", "gc.removal_rate",
		"metrics.enabled", "metrics.port",
	} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Default location: $XDG_CONFIG_HOME/edgeflow/config.yaml
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		// A missing file at the default location is fine: defaults apply.
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// getConfigDir returns the configuration directory path.
//
// Uses XDG_CONFIG_HOME if set, otherwise ~/.config, or falls back to the
// current directory if the home directory cannot be determined.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "edgeflow")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "edgeflow")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// ConfigExists checks if a config file exists at the default location.
func ConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
