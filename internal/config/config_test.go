package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.AgentAdapterMode != "auto" {
		t.Fatalf("AgentAdapterMode = %q, want %q", cfg.AgentAdapterMode, "auto")
	}
	if cfg.AgentHTTPURL != "" {
		t.Fatalf("AgentHTTPURL = %q, want empty default", cfg.AgentHTTPURL)
	}
	if cfg.ApprovalTimeout != 5*time.Minute {
		t.Fatalf("ApprovalTimeout = %v, want 5m", cfg.ApprovalTimeout)
	}
	if cfg.IdempotencyRetention != 10*time.Minute {
		t.Fatalf("IdempotencyRetention = %v, want twice the approval timeout", cfg.IdempotencyRetention)
	}
	if cfg.MaxCompletedExecutors != 10 {
		t.Fatalf("MaxCompletedExecutors = %d, want 10", cfg.MaxCompletedExecutors)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9191")
	t.Setenv("AGENT_HTTP_URL", "http://localhost:7777/agent")
	t.Setenv("TASK_APPROVAL_TIMEOUT", "30s")
	t.Setenv("TASK_MAX_COMPLETED_EXECUTORS", "4")
	t.Setenv("APP_ALLOW_ANY_ORIGIN", "yes")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" {
		t.Fatalf("BindAddr = %q", cfg.BindAddr)
	}
	if cfg.AgentHTTPURL != "http://localhost:7777/agent" {
		t.Fatalf("AgentHTTPURL = %q, want explicit value", cfg.AgentHTTPURL)
	}
	if cfg.ApprovalTimeout != 30*time.Second || cfg.IdempotencyRetention != time.Minute {
		t.Fatalf("ApprovalTimeout = %v, IdempotencyRetention = %v", cfg.ApprovalTimeout, cfg.IdempotencyRetention)
	}
	if cfg.MaxCompletedExecutors != 4 || !cfg.AllowAnyOrigin {
		t.Fatalf("MaxCompletedExecutors = %d, AllowAnyOrigin = %v", cfg.MaxCompletedExecutors, cfg.AllowAnyOrigin)
	}
}

func TestLoadYAMLFileThenEnv(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	body := "bind_addr: \":7000\"\nsqlite_path: /var/lib/taskd/tasks.db\nexecutor_ttl: 45m\nlog_format: console\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)
	t.Setenv("APP_BIND_ADDR", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":7001" {
		t.Fatalf("BindAddr = %q, env should win over file", cfg.BindAddr)
	}
	if cfg.SQLitePath != "/var/lib/taskd/tasks.db" || cfg.ExecutorTTL != 45*time.Minute || cfg.LogFormat != "console" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.ConfigFile != path {
		t.Fatalf("ConfigFile = %q, want %q", cfg.ConfigFile, path)
	}
}

func TestLoadRejectsUnknownYAMLKeys(t *testing.T) {
	setCoreEnvEmpty(t)
	path := filepath.Join(t.TempDir(), "taskd.yaml")
	if err := os.WriteFile(path, []byte("max_concurrency: 4\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("APP_CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatalf("Load() expected error for unknown key")
	}
}

func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"TASK_APPROVAL_TIMEOUT":        "10ms",
		"TASK_EXECUTOR_TTL":            "nope",
		"TASK_MAX_COMPLETED_EXECUTORS": "-1",
		"LOG_FORMAT":                   "xml",
		"AGENT_ADAPTER_MODE":           "grpc",
		"APP_ALLOW_ANY_ORIGIN":         "maybe",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q expected error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_CONFIG_FILE",
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"SQLITE_PATH",
		"TASK_SETTINGS_PATH",
		"TASK_APPROVAL_TIMEOUT",
		"TASK_EXECUTOR_TTL",
		"TASK_EXECUTOR_SWEEP_INTERVAL",
		"TASK_MAX_COMPLETED_EXECUTORS",
		"TASK_EXECUTOR_SHUTDOWN_TIMEOUT",
		"TASK_IDEMPOTENCY_RETENTION",
		"AGENT_ADAPTER_MODE",
		"AGENT_HTTP_URL",
		"AGENT_HTTP_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
