// Package config provides environment-based configuration for the deploy service.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the deploy service.
type Config struct {
	// Database configuration
	DatabaseDSN string

	// Server configuration
	APIHost string
	APIPort int

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Identity bootstrap: requests authenticated by the reverse proxy whose
	// email matches this value are always granted the admin role.
	BootstrapAdminEmail string

	// Logging
	LogLevel string
	LogJSON  bool

	// Runner configuration
	Runner RunnerConfig

	// Health verifier configuration
	Health HealthConfig

	// SSH client configuration for the deployment host channel
	SSH SSHConfig
}

// RunnerConfig holds run-supervisor specific configuration.
type RunnerConfig struct {
	// WorkDir is the root directory for per-pipeline checkout workspaces.
	WorkDir string
	// StepTimeout bounds a single step's command execution.
	StepTimeout time.Duration
}

// HealthConfig holds health-verifier configuration. The retry budget is
// explicit: there are no implicit defaults beyond the documented ones below.
type HealthConfig struct {
	// Attempts is the maximum number of HTTP probes per verification.
	Attempts int
	// Interval is the pause between consecutive probes.
	Interval time.Duration
	// Timeout bounds a single HTTP probe.
	Timeout time.Duration
}

// SSHConfig holds configuration for the remote-shell channel.
type SSHConfig struct {
	// KeyPath is the path to the private key used for the deployment host.
	KeyPath string
	// KnownHostsPath is the path to a known_hosts file. Empty disables host
	// key verification (development only).
	KnownHostsPath string
	// DialTimeout bounds establishing the SSH connection.
	DialTimeout time.Duration
}

// fileConfig mirrors the optional YAML config file. Values present in the
// file become defaults that environment variables can still override.
type fileConfig struct {
	DatabaseDSN         string `yaml:"database_dsn"`
	APIHost             string `yaml:"api_host"`
	APIPort             int    `yaml:"api_port"`
	BootstrapAdminEmail string `yaml:"bootstrap_admin_email"`
	LogLevel            string `yaml:"log_level"`
	WorkDir             string `yaml:"work_dir"`
	SSHKeyPath          string `yaml:"ssh_key_path"`
	SSHKnownHostsPath   string `yaml:"ssh_known_hosts_path"`
	HealthAttempts      int    `yaml:"health_attempts"`
	HealthInterval      string `yaml:"health_interval"`
}

// Load reads configuration from the optional YAML file named by
// SHIPLANE_CONFIG, then from environment variables.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("SHIPLANE_CONFIG"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseDSN:         getEnv("DATABASE_URL", or(file.DatabaseDSN, "postgres://localhost:5432/shiplane?sslmode=disable")),
		APIHost:             getEnv("API_HOST", or(file.APIHost, "0.0.0.0")),
		APIPort:             getIntEnv("API_PORT", orInt(file.APIPort, 8080)),
		ShutdownTimeout:     getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		BootstrapAdminEmail: getEnv("BOOTSTRAP_ADMIN_EMAIL", file.BootstrapAdminEmail),
		LogLevel:            getEnv("LOG_LEVEL", or(file.LogLevel, "info")),
		LogJSON:             getEnv("LOG_FORMAT", "json") == "json",
		Runner: RunnerConfig{
			WorkDir:     getEnv("RUNNER_WORKDIR", or(file.WorkDir, defaultWorkDir())),
			StepTimeout: getDurationEnv("RUNNER_STEP_TIMEOUT", 30*time.Minute),
		},
		Health: HealthConfig{
			Attempts: getIntEnv("HEALTHCHECK_ATTEMPTS", orInt(file.HealthAttempts, 30)),
			Interval: getDurationEnv("HEALTHCHECK_INTERVAL", orDuration(file.HealthInterval, 2*time.Second)),
			Timeout:  getDurationEnv("HEALTHCHECK_TIMEOUT", 10*time.Second),
		},
		SSH: SSHConfig{
			KeyPath:        getEnv("SSH_KEY_PATH", file.SSHKeyPath),
			KnownHostsPath: getEnv("SSH_KNOWN_HOSTS", file.SSHKnownHostsPath),
			DialTimeout:    getDurationEnv("SSH_DIAL_TIMEOUT", 15*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration values are coherent.
func (c *Config) Validate() error {
	if c.Health.Attempts < 1 {
		return fmt.Errorf("HEALTHCHECK_ATTEMPTS must be at least 1")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("HEALTHCHECK_INTERVAL must be positive")
	}
	if c.Runner.WorkDir == "" {
		return fmt.Errorf("RUNNER_WORKDIR is required")
	}
	return nil
}

func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return fc, nil
}

func defaultWorkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/tmp/shiplane/workspaces"
	}
	return home + "/.shiplane/workspaces"
}

func or(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orDuration(v string, def time.Duration) time.Duration {
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
