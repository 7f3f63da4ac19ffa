package config

import (
	"path/filepath"
	"strings"
	"time"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
//   - Backend-specific defaults are handled by the backends themselves
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyAgentDefaults(&cfg.Agent)
	applyContentDefaults(&cfg.Content)
	applyFlowFilesDefaults(&cfg.FlowFiles)
	applyClaimsDefaults(&cfg.Claims)
	applyGCDefaults(&cfg.GC)
	applyMetricsDefaults(&cfg.Metrics)
	applyConnectionDefaults(cfg.Connections)

	if cfg.AutoTerminate == nil {
		cfg.AutoTerminate = make(map[string][]string)
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.SessionLease == 0 {
		cfg.SessionLease = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.PenaltyDuration == 0 {
		cfg.PenaltyDuration = 30 * time.Second
	}
	if cfg.ExpireInterval == 0 {
		cfg.ExpireInterval = 10 * time.Second
	}
	if cfg.HandleIdleTimeout == 0 {
		cfg.HandleIdleTimeout = 5 * time.Minute
	}
}

// defaultDataDir is the root of every on-disk default path.
var defaultDataDir = filepath.Join("/tmp", "edgeflow")

func applyContentDefaults(cfg *ContentConfig) {
	if cfg.Type == "" {
		cfg.Type = "filesystem"
	}

	if cfg.Filesystem == nil {
		cfg.Filesystem = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	// Defaults for every backend so a generated file documents them all
	if _, ok := cfg.Filesystem["path"]; !ok {
		cfg.Filesystem["path"] = filepath.Join(defaultDataDir, "content")
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(defaultDataDir, "content-db")
	}
}

func applyFlowFilesDefaults(cfg *FlowFilesConfig) {
	if cfg.Type == "" {
		cfg.Type = "log"
	}

	if cfg.Memory == nil {
		cfg.Memory = make(map[string]any)
	}
	if cfg.Log == nil {
		cfg.Log = make(map[string]any)
	}
	if cfg.Badger == nil {
		cfg.Badger = make(map[string]any)
	}

	if _, ok := cfg.Log["dir"]; !ok {
		cfg.Log["dir"] = filepath.Join(defaultDataDir, "flowfiles")
	}
	if _, ok := cfg.Log["sync"]; !ok {
		cfg.Log["sync"] = true
	}
	if _, ok := cfg.Badger["db_path"]; !ok {
		cfg.Badger["db_path"] = filepath.Join(defaultDataDir, "flowfiles-db")
	}
}

func applyClaimsDefaults(cfg *ClaimsConfig) {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 128
	}
}

func applyGCDefaults(cfg *GCConfig) {
	if cfg.Interval == 0 {
		cfg.Interval = time.Hour
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1000
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Port == 0 {
		cfg.Port = 9090
	}
}

func applyConnectionDefaults(conns []ConnectionConfig) {
	for i := range conns {
		c := &conns[i]
		if c.Name == "" {
			c.Name = c.ID
		}
		if c.Prioritizer == "" {
			c.Prioritizer = "fifo"
		}
		c.Prioritizer = strings.ToLower(c.Prioritizer)
	}
}

// GetDefaultConfig returns a Config with all default values applied and a
// sample two-unit topology.
//
// This is useful for:
//   - Generating sample configuration files
//   - Testing
func GetDefaultConfig() *Config {
	cfg := &Config{
		GC: GCConfig{Enabled: true},
		Connections: []ConnectionConfig{
			{
				ID:            "ingest-to-transform",
				Source:        "ingest",
				Destination:   "transform",
				Relationships: []string{"success"},
				MaxQueueSize:  10000,
				MaxQueueBytes: 1 << 30,
			},
		},
		AutoTerminate: map[string][]string{
			"transform": {"success", "failure"},
		},
	}

	ApplyDefaults(cfg)
	return cfg
}
