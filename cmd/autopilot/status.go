package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/journal"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show journaled runs",
	Long: `Status reads the audit journal.

Without arguments it lists the most recent runs. With a run ID it shows
that run's final metrics with every issue and decision recorded for it.`,
	Args: cobra.MaximumNArgs(1),
	RunE: showStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 20, "Number of runs to list")
}

func showStatus(cmd *cobra.Command, args []string) error {
	path := cfg.JournalPath()
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		fmt.Println("No runs recorded yet.")
		return nil
	}
	j, err := journal.Open(path)
	if err != nil {
		return err
	}
	defer j.Close()

	ctx := cmd.Context()
	if len(args) == 0 {
		runs, err := j.Runs(ctx, statusLimit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded yet.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tSTATE\tTASKS\tSTARTED\tDURATION")
		for _, r := range runs {
			dur := "-"
			if r.FinishedAt != nil {
				dur = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", r.ID, stateStyle(r.State).Render(r.State), r.TaskCount,
				r.StartedAt.Local().Format("2006-01-02 15:04:05"), dur)
		}
		return w.Flush()
	}

	r, err := j.Run(ctx, args[0])
	if errors.Is(err, journal.ErrNotFound) {
		return fmt.Errorf("run %s not found in %s", args[0], path)
	}
	if err != nil {
		return err
	}
	issues, err := j.Issues(ctx, r.ID)
	if err != nil {
		return err
	}
	decisions, err := j.Decisions(ctx, r.ID)
	if err != nil {
		return err
	}
	fmt.Println(renderJournalRun(r, issues, decisions))
	return nil
}
