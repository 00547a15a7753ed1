package cli

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ent0n29/taskd/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskd",
	Short: "Task orchestration daemon",
	Long: `taskd runs agent tasks behind a bounded concurrency queue, gates risky
actions on human approval, and streams task events over HTTP and websockets.

Running 'taskd' without a subcommand is equivalent to 'taskd serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serveCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(statusCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML config file (overrides APP_CONFIG_FILE)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig resolves configuration, letting --config take precedence over
// APP_CONFIG_FILE.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	if path = strings.TrimSpace(path); path != "" {
		if err := os.Setenv("APP_CONFIG_FILE", path); err != nil {
			return config.Config{}, err
		}
	}
	return config.Load()
}
