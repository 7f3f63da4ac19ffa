package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestInitConfig_Success(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("InitConfig failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	contentStr := string(content)
	expectedSections := []string{
		"# edgeflow configuration file",
		"logging:",
		"agent:",
		"content:",
		"flowfiles:",
		"connections:",
		"auto_terminate:",
	}
	for _, section := range expectedSections {
		if !strings.Contains(contentStr, section) {
			t.Errorf("Config file missing section: %s", section)
		}
	}

	// Verify the generated file is valid YAML
	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		t.Fatalf("Generated config is not valid YAML: %v", err)
	}
}

func TestInitConfig_AlreadyExists(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	if _, err := InitConfig(false); err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	_, err := InitConfig(false)
	if err == nil {
		t.Fatal("Expected error when config already exists")
	}
	if !strings.Contains(err.Error(), "already exists") {
		t.Errorf("Expected 'already exists' error, got: %v", err)
	}
}

func TestInitConfig_ForceOverwrite(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	configPath, err := InitConfig(false)
	if err != nil {
		t.Fatalf("First InitConfig failed: %v", err)
	}

	if err := os.WriteFile(configPath, []byte("modified"), 0644); err != nil {
		t.Fatalf("Failed to modify config: %v", err)
	}

	if _, err := InitConfig(true); err != nil {
		t.Fatalf("InitConfig with force failed: %v", err)
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("Failed to read config: %v", err)
	}
	if string(content) == "modified" {
		t.Error("Config was not overwritten")
	}
}

func TestInitConfigToPath_CreatesDirectories(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nested", "dir", "edgeflow.yaml")

	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}
	if _, err := os.Stat(configPath); err != nil {
		t.Fatalf("Config file was not created: %v", err)
	}
}

func TestGenerateYAMLWithComments_ValidConfig(t *testing.T) {
	data, err := generateYAMLWithComments(GetDefaultConfig())
	if err != nil {
		t.Fatalf("generateYAMLWithComments failed: %v", err)
	}

	out := string(data)
	if !strings.Contains(out, "# Content store: memory, filesystem, badger or s3") {
		t.Error("Expected section comment above content")
	}
	// Durations are written in their human-readable form
	if !strings.Contains(out, "session_lease: 5m0s") {
		t.Errorf("Expected session_lease rendered as 5m0s:\n%s", out)
	}
}

func TestGeneratedConfigIsLoadable(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := InitConfigToPath(configPath, false); err != nil {
		t.Fatalf("InitConfigToPath failed: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Generated config does not load: %v", err)
	}

	want := GetDefaultConfig()
	if cfg.Agent.SessionLease != want.Agent.SessionLease {
		t.Errorf("session lease: expected %v, got %v", want.Agent.SessionLease, cfg.Agent.SessionLease)
	}
	if len(cfg.Connections) != len(want.Connections) {
		t.Fatalf("connections: expected %d, got %d", len(want.Connections), len(cfg.Connections))
	}
	if cfg.Connections[0].ID != want.Connections[0].ID {
		t.Errorf("connection id: expected %q, got %q", want.Connections[0].ID, cfg.Connections[0].ID)
	}
	if cfg.Connections[0].MaxQueueBytes != want.Connections[0].MaxQueueBytes {
		t.Errorf("max_queue_bytes: expected %d, got %d",
			want.Connections[0].MaxQueueBytes, cfg.Connections[0].MaxQueueBytes)
	}
	if len(cfg.AutoTerminate["transform"]) != 2 {
		t.Errorf("auto_terminate: expected 2 relationships for transform, got %v", cfg.AutoTerminate)
	}
}
