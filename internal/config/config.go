package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config contains all runtime settings for the task daemon.
type Config struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DatabaseURL  string `yaml:"database_url"`
	SQLitePath   string `yaml:"sqlite_path"`
	SettingsPath string `yaml:"settings_path"`

	ApprovalTimeout         time.Duration `yaml:"approval_timeout"`
	ExecutorTTL             time.Duration `yaml:"executor_ttl"`
	SweepInterval           time.Duration `yaml:"executor_sweep_interval"`
	MaxCompletedExecutors   int           `yaml:"max_completed_executors"`
	ExecutorShutdownTimeout time.Duration `yaml:"executor_shutdown_timeout"`
	IdempotencyRetention    time.Duration `yaml:"idempotency_retention"`

	AgentAdapterMode string        `yaml:"agent_adapter_mode"`
	AgentHTTPURL     string        `yaml:"agent_http_url"`
	AgentHTTPTimeout time.Duration `yaml:"agent_http_timeout"`

	// ConfigFile is the YAML overlay that was applied, if any.
	ConfigFile string `yaml:"-"`
}

func defaults() Config {
	return Config{
		BindAddr:                ":8080",
		ShutdownTimeout:         15 * time.Second,
		MetricsNamespace:        "taskd",
		LogLevel:                "info",
		LogFormat:               "json",
		SettingsPath:            "data/task-settings.json",
		ApprovalTimeout:         5 * time.Minute,
		ExecutorTTL:             30 * time.Minute,
		SweepInterval:           5 * time.Minute,
		MaxCompletedExecutors:   10,
		ExecutorShutdownTimeout: 5 * time.Second,
		AgentAdapterMode:        "auto",
		AgentHTTPTimeout:        2 * time.Minute,
	}
}

// Load applies defaults, then the YAML file named by APP_CONFIG_FILE, then
// environment variables.
func Load() (Config, error) {
	cfg := defaults()

	if path := stringsTrimSpace("APP_CONFIG_FILE"); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
		cfg.ConfigFile = path
	}

	cfg.BindAddr = envOrDefault("APP_BIND_ADDR", cfg.BindAddr)
	cfg.MetricsNamespace = envOrDefault("APP_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.LogLevel = strings.ToLower(envOrDefault("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envOrDefault("LOG_FORMAT", cfg.LogFormat))
	cfg.DatabaseURL = envOrDefault("DATABASE_URL", cfg.DatabaseURL)
	cfg.SQLitePath = envOrDefault("SQLITE_PATH", cfg.SQLitePath)
	cfg.SettingsPath = envOrDefault("TASK_SETTINGS_PATH", cfg.SettingsPath)
	cfg.AgentAdapterMode = envOrDefault("AGENT_ADAPTER_MODE", cfg.AgentAdapterMode)
	cfg.AgentHTTPURL = envOrDefault("AGENT_HTTP_URL", cfg.AgentHTTPURL)

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"TASK_APPROVAL_TIMEOUT", &cfg.ApprovalTimeout},
		{"TASK_EXECUTOR_TTL", &cfg.ExecutorTTL},
		{"TASK_EXECUTOR_SWEEP_INTERVAL", &cfg.SweepInterval},
		{"TASK_EXECUTOR_SHUTDOWN_TIMEOUT", &cfg.ExecutorShutdownTimeout},
		{"TASK_IDEMPOTENCY_RETENTION", &cfg.IdempotencyRetention},
		{"AGENT_HTTP_TIMEOUT", &cfg.AgentHTTPTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}
	cfg.MaxCompletedExecutors, err = intFromEnv("TASK_MAX_COMPLETED_EXECUTORS", cfg.MaxCompletedExecutors)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if cfg.IdempotencyRetention == 0 {
		cfg.IdempotencyRetention = 2 * cfg.ApprovalTimeout
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the daemon cannot run with.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BindAddr) == "" {
		return errors.New("APP_BIND_ADDR must not be empty")
	}
	if c.ApprovalTimeout < time.Second {
		return errors.New("TASK_APPROVAL_TIMEOUT must be at least 1s")
	}
	if c.ExecutorTTL <= 0 || c.SweepInterval <= 0 {
		return errors.New("TASK_EXECUTOR_TTL and TASK_EXECUTOR_SWEEP_INTERVAL must be positive")
	}
	if c.MaxCompletedExecutors < 0 {
		return errors.New("TASK_MAX_COMPLETED_EXECUTORS must be >= 0")
	}
	if c.IdempotencyRetention < 0 {
		return errors.New("TASK_IDEMPOTENCY_RETENTION must be >= 0")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	switch strings.ToLower(c.AgentAdapterMode) {
	case "auto", "mock", "http":
	default:
		return fmt.Errorf("AGENT_ADAPTER_MODE must be auto, mock or http, got %q", c.AgentAdapterMode)
	}
	return nil
}

func applyFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
