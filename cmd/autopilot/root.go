package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/config"
)

var (
	configPath string
	stateDir   string
	debug      bool

	// cfg is loaded once per invocation before any subcommand runs.
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Autonomous task-graph orchestrator",
	Long: `autopilot runs a graph of dependent tasks against a reasoning backend.

It dispatches ready tasks to workers, routes every failure through an
automated recovery step (retry elsewhere, decompose, skip, rewrite, or
escalate), records durable lessons, and reports progress as it goes.

Core capabilities:
- Dependency-ordered dispatch under a global concurrency ceiling
- Specialist workers spawned on demand from a keyword table
- Knowledge-informed recovery with a per-task attempt budget
- Pause, resume and cancel from the CLI, HTTP or signal files
- Audit journal of runs, issues and decisions`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		var err error
		if configPath != "" {
			cfg, err = config.LoadFromPath(configPath)
		} else {
			cfg, err = config.Load()
		}
		if err != nil {
			return err
		}
		if stateDir != "" {
			cfg.StateDir = stateDir
		}
		return nil
	},
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCode(err))
	}
}

// exitError carries a specific process exit status.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: user config plus .autopilot.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "", "Directory for the journal, debug log and signal files")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Write a debug log under <state-dir>/logs")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(lessonsCmd)
	rootCmd.AddCommand(signalCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
