package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ent0n29/taskd/internal/queue"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect or change persisted queue settings",
	Long: `Reads and writes the queue settings file directly. A running daemon
watches the file and applies changes without a restart.`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current queue settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := settingsStore(cmd)
		if err != nil {
			return err
		}
		settings, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, settings)
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Update queue settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if !cmd.Flags().Changed("max-concurrent") {
			return fmt.Errorf("nothing to update: pass --max-concurrent")
		}
		n, err := cmd.Flags().GetInt("max-concurrent")
		if err != nil {
			return err
		}
		store, err := settingsStore(cmd)
		if err != nil {
			return err
		}
		current, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		next := current.Merge(queue.SettingsPatch{MaxConcurrentTasks: &n})
		if err := store.Save(cmd.Context(), next); err != nil {
			return err
		}
		return printJSON(cmd, next)
	},
}

func init() {
	settingsCmd.PersistentFlags().String("path", "", "Settings file (overrides TASK_SETTINGS_PATH)")
	settingsSetCmd.Flags().Int("max-concurrent", queue.DefaultConcurrentTasks,
		fmt.Sprintf("Concurrency cap, clamped to %d..%d", queue.MinConcurrentTasks, queue.MaxConcurrentTasks))

	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetCmd)
}

func settingsStore(cmd *cobra.Command) (*queue.FileSettingsStore, error) {
	path, err := cmd.Flags().GetString("path")
	if err != nil {
		return nil, err
	}
	if path == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		path = cfg.SettingsPath
	}
	return queue.NewFileSettingsStore(path), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
