package cli

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/taskd/internal/queue"
)

func TestRootCommandExposesConfigFlag(t *testing.T) {
	flag := lookupFlag(rootCmd, "config")
	require.NotNil(t, flag, "root command should expose the --config flag")
	require.Equal(t, "c", flag.Shorthand)
}

func TestRootCommandDelegatesToServe(t *testing.T) {
	original := serveCmd.RunE
	t.Cleanup(func() {
		serveCmd.RunE = original
		rootCmd.SetArgs(nil)
	})

	called := false
	serveCmd.RunE = func(cmd *cobra.Command, args []string) error {
		called = true
		return nil
	}

	rootCmd.SetArgs([]string{})
	require.NoError(t, rootCmd.Execute())
	require.True(t, called, "root command should delegate to serve")
}

func TestSettingsSetThenShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	out := execute(t, "settings", "set", "--path", path, "--max-concurrent", "7")

	var saved queue.Settings
	require.NoError(t, json.Unmarshal(out, &saved))
	require.Equal(t, 7, saved.MaxConcurrentTasks)

	out = execute(t, "settings", "show", "--path", path)
	var shown queue.Settings
	require.NoError(t, json.Unmarshal(out, &shown))
	require.Equal(t, 7, shown.MaxConcurrentTasks)
}

func TestSettingsSetClampsOutOfRange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	out := execute(t, "settings", "set", "--path", path, "--max-concurrent", "99")

	var saved queue.Settings
	require.NoError(t, json.Unmarshal(out, &saved))
	require.Equal(t, queue.MaxConcurrentTasks, saved.MaxConcurrentTasks)
}

func TestSettingsSetRequiresAValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	t.Cleanup(func() { resetCommand(settingsSetCmd) })

	rootCmd.SetArgs([]string{"settings", "set", "--path", path})
	rootCmd.SetOut(&bytes.Buffer{})
	require.Error(t, rootCmd.Execute())
}

func TestStatusPrintsQueue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/queue" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"runningCount":2,"queuedCount":1,"maxConcurrent":3}`))
	}))
	defer srv.Close()

	out := execute(t, "status", "--server", srv.URL)
	var status map[string]any
	require.NoError(t, json.Unmarshal(out, &status))
	require.EqualValues(t, 2, status["runningCount"])
	require.EqualValues(t, 1, status["queuedCount"])
}

func TestStatusReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	t.Cleanup(func() { resetCommand(statusCmd) })

	rootCmd.SetArgs([]string{"status", "--server", srv.URL})
	rootCmd.SetOut(&bytes.Buffer{})
	err := rootCmd.Execute()
	require.Error(t, err)
	require.Contains(t, err.Error(), "503")
}

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		for _, cmd := range []*cobra.Command{settingsCmd, settingsShowCmd, settingsSetCmd, statusCmd} {
			resetCommand(cmd)
		}
	})
	require.NoError(t, rootCmd.Execute())
	return out.Bytes()
}

func resetCommand(cmd *cobra.Command) {
	reset := func(flag *pflag.Flag) {
		_ = flag.Value.Set(flag.DefValue)
		flag.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
}

func lookupFlag(cmd *cobra.Command, name string) *pflag.Flag {
	if flag := cmd.Flags().Lookup(name); flag != nil {
		return flag
	}
	return cmd.PersistentFlags().Lookup(name)
}
