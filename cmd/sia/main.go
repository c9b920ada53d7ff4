// Package main implements the sia CLI: the self-improving assistant control
// loop and its on-demand commands.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"sia/internal/config"
	"sia/internal/history"
	"sia/internal/logging"
	"sia/internal/pipeline"
)

var (
	// Global flags
	verbose    bool
	workspace  string
	configPath string

	// Set by the root pre-run
	cfg  *config.Config
	pipe *pipeline.Pipeline
	hist *history.Store
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "sia",
	Short: "sia - self-improving assistant control loop",
	Long: `sia answers questions under an active system prompt and keeps improving it:
it ingests web content, generates candidate prompts, evaluates them against a
keyword-scored test suite, promotes winners behind a cooldown and gain gate,
and can propose guarded patches to its own workspace.

Run 'sia serve' to start the background loop.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ws := workspace
		if ws == "" {
			var err error
			if ws, err = os.Getwd(); err != nil {
				return err
			}
		}
		abs, err := filepath.Abs(ws)
		if err != nil {
			return fmt.Errorf("failed to resolve workspace: %w", err)
		}
		workspace = abs

		pc := pipeline.Config{Workspace: workspace, ConfigPath: configPath}
		cfg, err = pipeline.New(pc).LoadConfig()
		if err != nil {
			return err
		}
		if err := logging.Initialize(cfg.LogsDir(), cfg.Logging.Options()); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		if verbose {
			_ = logging.SetLevel("debug")
		}

		if cfg.History.Enabled {
			hist, err = history.Open(cfg.Path(cfg.History.Path))
			if err != nil {
				logging.BootWarn("history disabled: %v", err)
				hist = nil
			}
		}
		pc.History = hist
		pipe = pipeline.New(pc)
		logging.Boot("workspace %s (provider=%s)", workspace, cfg.Provider)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if hist != nil {
			_ = hist.Close()
		}
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: <workspace>/configs/config.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(cycleCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(learnCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(promptCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// configFile returns the file the loop watches for changes.
func configFile() string {
	if configPath != "" {
		return configPath
	}
	return config.ConfigPath(workspace)
}
