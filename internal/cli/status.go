package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue status from a running daemon",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().String("server", "http://127.0.0.1:8080", "Base URL of the running daemon")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	server, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	url := strings.TrimRight(server, "/") + "/v1/queue"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("query %s: %w", url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("query %s: status %d: %s", url, res.StatusCode, strings.TrimSpace(string(body)))
	}

	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("decode queue status: %w", err)
	}
	return printJSON(cmd, status)
}
