package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/internal/plan"
	"github.com/ShayCichocki/autopilot/internal/signals"
)

var (
	runProvider string
	runQuiet    bool
	runTimeout  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Run a task graph to completion",
	Long: `Run loads a plan file (YAML or JSON), submits it as a new run and
streams its events until the run finishes.

Interrupt once to cancel the run gracefully; interrupt again to exit
immediately. The run can also be paused, resumed or cancelled from
another shell with "autopilot signal".

Exit status is 0 when every task completed, 2 when the run finished
failed, stalled or cancelled. A stalled run has no worker able to take
its ready tasks; it is cancelled on exit.`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().StringVar(&runProvider, "provider", "", "Override the configured backend provider (anthropic, gemini, mock)")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the final summary")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "Cancel the run after this long (0 = no limit)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	p, err := plan.Load(args[0])
	if err != nil {
		return err
	}

	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, runProvider)
	if err != nil {
		return err
	}
	defer a.Close()

	// Subscribe before submitting so the first events are not missed.
	events, unsubscribe := a.engine.Subscribe("")
	defer unsubscribe()

	runID, err := a.engine.SubmitGraph(p.Tasks, p.Edges)
	if err != nil {
		return err
	}
	name := p.Name
	if name == "" {
		name = args[0]
	}
	printStatus("▶", fmt.Sprintf("Run %s started: %s (%d tasks)", runID, name, len(p.Tasks)), color.FgCyan)

	watcher, err := signals.NewWatcher(cfg.StateDir, a.engine)
	if err != nil {
		printStatus("⚠", fmt.Sprintf("Signal files disabled: %v", err), color.FgYellow)
	} else {
		watcher.Start()
		defer watcher.Close()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		interrupted := false
		for {
			select {
			case <-sigCh:
				if interrupted {
					fmt.Fprintln(os.Stderr, "\nForced exit")
					os.Exit(130)
				}
				interrupted = true
				printStatus("■", "Cancelling run (interrupt again to force exit)", color.FgYellow)
				a.engine.Cancel(runID)
			case <-ctx.Done():
				return
			}
		}
	}()

	if runTimeout > 0 {
		timer := time.AfterFunc(runTimeout, func() {
			printStatus("■", fmt.Sprintf("Timeout after %s, cancelling run", runTimeout), color.FgYellow)
			a.engine.Cancel(runID)
		})
		defer timer.Stop()
	}

	st, err := followRun(ctx, a.engine, runID, events)
	if err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(renderSummary(st))

	if st.State != orchestrator.RunCompleted {
		return &exitError{code: 2, msg: fmt.Sprintf("run %s finished %s", runID, st.State)}
	}
	return nil
}

// followRun prints the run's events and waits for it to finish. A run with
// no worker able to take its ready tasks cannot recover without an
// operator resetting a worker, so a stall also ends the wait.
func followRun(ctx context.Context, engine *orchestrator.Engine, runID string, events <-chan orchestrator.Event) (*orchestrator.Status, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if ev.RunID != runID {
				continue
			}
			if !runQuiet && ev.Type != orchestrator.EventProgress {
				fmt.Println(formatEvent(ev))
			}
			switch ev.Type {
			case orchestrator.EventRunCompleted, orchestrator.EventRunCancelled:
				return
			case orchestrator.EventRunStalled:
				cancel()
				return
			}
		}
	}()

	st, err := engine.Wait(waitCtx, runID)
	if err != nil && !errors.Is(err, context.Canceled) {
		return nil, err
	}
	select {
	case <-drained:
	case <-time.After(time.Second):
	}
	return st, nil
}
