package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/signals"
)

var signalCmd = &cobra.Command{
	Use:   "signal <pause|resume|cancel> [run-id]",
	Short: "Control a running engine through signal files",
	Long: `Signal drops a control file into <state-dir>/signals for a running
"autopilot run" or "autopilot serve" to pick up.

Without a run ID the signal applies to every run of that engine.`,
	Args:      cobra.RangeArgs(1, 2),
	ValidArgs: []string{string(signals.Pause), string(signals.Resume), string(signals.Cancel)},
	RunE: func(cmd *cobra.Command, args []string) error {
		sig := signals.Signal(args[0])
		if !sig.Valid() {
			return fmt.Errorf("unknown signal %q (want pause, resume or cancel)", args[0])
		}
		runID := ""
		if len(args) == 2 {
			runID = args[1]
		}
		if err := signals.Send(cfg.StateDir, sig, runID); err != nil {
			return err
		}
		target := "all runs"
		if runID != "" {
			target = "run " + runID
		}
		printStatus("✓", fmt.Sprintf("Sent %s to %s", sig, target), color.FgGreen)
		return nil
	},
}
