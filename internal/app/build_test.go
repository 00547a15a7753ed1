package app

import (
	"context"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskd/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		BindAddr:                freeAddr(t),
		ShutdownTimeout:         2 * time.Second,
		MetricsNamespace:        "taskd_app_test",
		LogFormat:               "json",
		SQLitePath:              filepath.Join(dir, "tasks.db"),
		SettingsPath:            filepath.Join(dir, "settings.json"),
		ApprovalTimeout:         time.Minute,
		ExecutorTTL:             time.Minute,
		SweepInterval:           time.Minute,
		MaxCompletedExecutors:   2,
		ExecutorShutdownTimeout: time.Second,
		AgentAdapterMode:        "mock",
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", "console")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)
	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}

func TestBuildAndRunServesHealth(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	built, err := Build(ctx, cfg, nil, prometheus.NewRegistry())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", built.StoreMode)

	done := make(chan error, 1)
	go func() { done <- built.Run(ctx) }()

	require.Eventually(t, func() bool {
		res, err := http.Get("http://" + cfg.BindAddr + "/healthz")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	assert.True(t, built.Daemon.Closed())
}

func TestBuildRejectsUnknownAdapterMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.AgentAdapterMode = "telepathy"
	_, err := Build(context.Background(), cfg, nil, prometheus.NewRegistry())
	assert.Error(t, err)
}
