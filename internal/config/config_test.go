package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.BatchIntervalSeconds != 5 {
		t.Errorf("BatchIntervalSeconds = %d, want 5", cfg.BatchIntervalSeconds)
	}
	if len(cfg.LogFiles) != 2 {
		t.Errorf("LogFiles = %v, want 2 entries", cfg.LogFiles)
	}
	if cfg.NetworkTag != "[Agent]" {
		t.Errorf("NetworkTag = %q, want [Agent]", cfg.NetworkTag)
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.LLM.Model != "qwen/qwen3-4b-2507" {
		t.Errorf("LLM.Model = %q, want default", cfg.LLM.Model)
	}
}

func TestLoadConfig_YAMLOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "batch_interval_seconds: 30\nsensitivity: 8\nlog_files:\n  - /var/log/custom.log\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BatchIntervalSeconds != 30 {
		t.Errorf("BatchIntervalSeconds = %d, want 30", cfg.BatchIntervalSeconds)
	}
	if cfg.Sensitivity != 8 {
		t.Errorf("Sensitivity = %d, want 8", cfg.Sensitivity)
	}
	if len(cfg.LogFiles) != 1 || cfg.LogFiles[0] != "/var/log/custom.log" {
		t.Errorf("LogFiles = %v, want override", cfg.LogFiles)
	}
}

func TestLoadConfig_IntervalClamped(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("batch_interval_seconds: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.BatchIntervalSeconds != 1 {
		t.Errorf("BatchIntervalSeconds = %d, want clamped to 1", cfg.BatchIntervalSeconds)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("AGENT_PTY_SOCKET", "/tmp/custom-pty.sock")
	t.Setenv("SENTINEL_API_KEY", "test-key-123")

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.PTYSocket != "/tmp/custom-pty.sock" {
		t.Errorf("PTYSocket = %q, want env override", cfg.PTYSocket)
	}
	if cfg.DashboardAPIKey != "test-key-123" {
		t.Errorf("DashboardAPIKey = %q, want env override", cfg.DashboardAPIKey)
	}
	if cfg.LLM.APIKey != "test-key-123" {
		t.Errorf("LLM.APIKey = %q, want fallback to SENTINEL_API_KEY", cfg.LLM.APIKey)
	}
}

func TestDBPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StateDir = "/var/lib/agentic-c-eda"
	if got := cfg.DBPath(); got != "/var/lib/agentic-c-eda/agentic-c-eda.db" {
		t.Errorf("DBPath() = %q", got)
	}
}
