package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Write minimal config
	configContent := `
logging:
  level: "info"

content:
  type: "memory"

connections:
  - id: "a-to-b"
    source: "a"
    destination: "b"
    relationships: ["success"]
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify defaults were applied
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected normalized level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Agent.ShutdownTimeout != 30*time.Second {
		t.Errorf("Expected default shutdown_timeout 30s, got %v", cfg.Agent.ShutdownTimeout)
	}
	if cfg.FlowFiles.Type != "log" {
		t.Errorf("Expected default flowfiles type 'log', got %q", cfg.FlowFiles.Type)
	}
	if len(cfg.Connections) != 1 {
		t.Fatalf("Expected 1 connection, got %d", len(cfg.Connections))
	}
	if cfg.Connections[0].Name != "a-to-b" {
		t.Errorf("Expected connection name to default to its id, got %q", cfg.Connections[0].Name)
	}
	if cfg.Connections[0].Prioritizer != "fifo" {
		t.Errorf("Expected default prioritizer 'fifo', got %q", cfg.Connections[0].Prioritizer)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	// A non-existent explicit path keeps the user's ~/.config/edgeflow out
	// of the test.
	tmpDir := t.TempDir()
	nonExistentPath := filepath.Join(tmpDir, "nonexistent.yaml")

	cfg, err := Load(nonExistentPath)
	if err != nil {
		t.Fatalf("Expected no error with missing config file, got: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Content.Type != "filesystem" {
		t.Errorf("Expected default content type 'filesystem', got %q", cfg.Content.Type)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "invalid.yaml")

	configContent := `
logging:
  level: INFO
  invalid yaml here [[[
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Expected error with invalid YAML, got nil")
	}
}

func TestLoad_TOML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")

	configContent := `
[logging]
level = "WARN"
format = "json"

[agent]
session_lease = "2m"

[flowfiles]
type = "memory"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load TOML config: %v", err)
	}

	if cfg.Logging.Level != "WARN" {
		t.Errorf("Expected level 'WARN', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Expected format 'json', got %q", cfg.Logging.Format)
	}
	if cfg.Agent.SessionLease != 2*time.Minute {
		t.Errorf("Expected session lease 2m, got %v", cfg.Agent.SessionLease)
	}
	if cfg.FlowFiles.Type != "memory" {
		t.Errorf("Expected flowfiles type 'memory', got %q", cfg.FlowFiles.Type)
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
content:
  type: "tape"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Fatal("Expected validation error for unknown content type")
	}
}

func TestGetDefaultConfig(t *testing.T) {
	cfg := GetDefaultConfig()

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default log level 'INFO', got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Output != "stdout" {
		t.Errorf("Expected default log output 'stdout', got %q", cfg.Logging.Output)
	}
	if cfg.Agent.SessionLease != 5*time.Minute {
		t.Errorf("Expected default session lease 5m, got %v", cfg.Agent.SessionLease)
	}
	if cfg.Content.Type != "filesystem" {
		t.Errorf("Expected default content type 'filesystem', got %q", cfg.Content.Type)
	}
	if cfg.FlowFiles.Type != "log" {
		t.Errorf("Expected default flowfiles type 'log', got %q", cfg.FlowFiles.Type)
	}
	if len(cfg.Connections) != 1 {
		t.Fatalf("Expected 1 sample connection, got %d", len(cfg.Connections))
	}
	if cfg.Connections[0].Source != "ingest" || cfg.Connections[0].Destination != "transform" {
		t.Errorf("Unexpected sample connection %s -> %s",
			cfg.Connections[0].Source, cfg.Connections[0].Destination)
	}
	if !cfg.GC.Enabled {
		t.Error("Expected gc enabled in the sample config")
	}
	if cfg.Metrics.Enabled {
		t.Error("Expected metrics disabled by default")
	}
}

func TestGetDefaultConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	path := GetDefaultConfigPath()

	if !filepath.IsAbs(path) {
		t.Errorf("Expected absolute path, got %q", path)
	}
	if filepath.Base(path) != "config.yaml" {
		t.Errorf("Expected filename 'config.yaml', got %q", filepath.Base(path))
	}
}

func TestGetConfigDir(t *testing.T) {
	xdg := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", xdg)

	dir := GetConfigDir()
	if dir != filepath.Join(xdg, "edgeflow") {
		t.Errorf("Expected %q, got %q", filepath.Join(xdg, "edgeflow"), dir)
	}
}

func TestConfigExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if ConfigExists() {
		t.Fatal("Expected no config in a fresh config dir")
	}
	if _, err := InitConfig(false); err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}
	if !ConfigExists() {
		t.Fatal("Expected config to exist after InitConfig")
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("EDGEFLOW_LOGGING_LEVEL", "ERROR")
	t.Setenv("EDGEFLOW_AGENT_SESSION_LEASE", "90s")
	t.Setenv("EDGEFLOW_GC_BATCH_SIZE", "250")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
logging:
  level: "INFO"

agent:
  session_lease: "10m"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Environment variables override the config file
	if cfg.Logging.Level != "ERROR" {
		t.Errorf("Expected level 'ERROR' from env var, got %q", cfg.Logging.Level)
	}
	if cfg.Agent.SessionLease != 90*time.Second {
		t.Errorf("Expected session lease 90s from env var, got %v", cfg.Agent.SessionLease)
	}
	if cfg.GC.BatchSize != 250 {
		t.Errorf("Expected gc batch size 250 from env var, got %d", cfg.GC.BatchSize)
	}
}
