package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
	if cfg.Health.Attempts != 30 {
		t.Errorf("Health.Attempts = %d, want 30", cfg.Health.Attempts)
	}
	if cfg.Health.Interval != 2*time.Second {
		t.Errorf("Health.Interval = %v, want 2s", cfg.Health.Interval)
	}
	if cfg.Health.Timeout != 10*time.Second {
		t.Errorf("Health.Timeout = %v, want 10s", cfg.Health.Timeout)
	}
	if cfg.Runner.WorkDir == "" {
		t.Error("Runner.WorkDir should have a default")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9999")
	t.Setenv("HEALTHCHECK_ATTEMPTS", "5")
	t.Setenv("HEALTHCHECK_INTERVAL", "500ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIPort != 9999 {
		t.Errorf("APIPort = %d, want 9999", cfg.APIPort)
	}
	if cfg.Health.Attempts != 5 {
		t.Errorf("Health.Attempts = %d, want 5", cfg.Health.Attempts)
	}
	if cfg.Health.Interval != 500*time.Millisecond {
		t.Errorf("Health.Interval = %v, want 500ms", cfg.Health.Interval)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestLoadConfigFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte("api_port: 7070\nlog_level: warn\nhealth_attempts: 12\n")
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("SHIPLANE_CONFIG", path)
	t.Setenv("LOG_LEVEL", "error")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIPort != 7070 {
		t.Errorf("APIPort = %d, want file value 7070", cfg.APIPort)
	}
	if cfg.Health.Attempts != 12 {
		t.Errorf("Health.Attempts = %d, want file value 12", cfg.Health.Attempts)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("LogLevel = %q, env must win over file", cfg.LogLevel)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	t.Setenv("SHIPLANE_CONFIG", "/nonexistent/config.yaml")
	if _, err := Load(); err == nil {
		t.Fatal("Load() should fail when the named config file is missing")
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Health: HealthConfig{Attempts: 30, Interval: 2 * time.Second},
		Runner: RunnerConfig{WorkDir: "/tmp/ws"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}

	bad := *cfg
	bad.Health.Attempts = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero attempts should be rejected")
	}

	bad = *cfg
	bad.Health.Interval = 0
	if err := bad.Validate(); err == nil {
		t.Error("zero interval should be rejected")
	}
}
