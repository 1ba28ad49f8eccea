package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/autopilot/internal/config"
	"github.com/ShayCichocki/autopilot/internal/journal"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/signals"
	"github.com/ShayCichocki/autopilot/internal/workers"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

const testPlan = `name: release
tasks:
  - id: schema
    title: Design schema
  - id: api
    title: Build API
    depends_on: [schema]
  - id: docs
    title: Write docs
    depends_on: [api]
`

// useTestConfig points the global config at a scratch state directory.
func useTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	prev := cfg
	cfg = config.Default()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Knowledge.Path = filepath.Join(dir, "knowledge.db")
	cfg.Engine.TickInterval = 20 * time.Millisecond
	cfg.Engine.CancelGrace = 100 * time.Millisecond
	t.Cleanup(func() { cfg = prev })
	return dir
}

func testCommand() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	return cmd
}

func TestRunPlanWithMockBackend(t *testing.T) {
	dir := useTestConfig(t)
	planPath := filepath.Join(dir, "plan.yaml")
	if err := os.WriteFile(planPath, []byte(testPlan), 0644); err != nil {
		t.Fatal(err)
	}

	runProvider, runQuiet = "mock", true
	t.Cleanup(func() { runProvider, runQuiet = "", false })

	if err := runPlan(testCommand(), []string{planPath}); err != nil {
		t.Fatalf("runPlan: %v", err)
	}

	j, err := journal.Open(cfg.JournalPath())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.Close()
	runs, err := j.Runs(context.Background(), 10)
	if err != nil {
		t.Fatalf("Runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d journaled runs, want 1", len(runs))
	}
	if runs[0].State != "completed" || runs[0].TaskCount != 3 {
		t.Errorf("journaled run = %+v", runs[0])
	}

	if err := showStatus(testCommand(), []string{runs[0].ID}); err != nil {
		t.Errorf("status: %v", err)
	}
}

func TestRunPlanRejectsBadPlan(t *testing.T) {
	dir := useTestConfig(t)
	planPath := filepath.Join(dir, "plan.yaml")
	bad := "tasks:\n  - id: a\n    title: A\n    depends_on: [missing]\n"
	if err := os.WriteFile(planPath, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}
	runProvider = "mock"
	t.Cleanup(func() { runProvider = "" })

	err := runPlan(testCommand(), []string{planPath})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
	var ee *exitError
	if errors.As(err, &ee) {
		t.Errorf("graph errors should not map to a run exit status: %v", err)
	}
}

func TestStatusWithoutJournal(t *testing.T) {
	useTestConfig(t)
	if err := showStatus(testCommand(), nil); err != nil {
		t.Errorf("status on empty state dir: %v", err)
	}
}

func TestSignalCommand(t *testing.T) {
	useTestConfig(t)
	if err := signalCmd.RunE(signalCmd, []string{"pause", "abc"}); err != nil {
		t.Fatalf("signal pause: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(signals.Dir(cfg.StateDir), "pause"))
	if err != nil {
		t.Fatalf("signal file: %v", err)
	}
	if string(data) != "abc" {
		t.Errorf("signal file content = %q, want abc", data)
	}
	if err := signalCmd.RunE(signalCmd, []string{"explode"}); err == nil {
		t.Error("expected error for unknown signal")
	}
}

func TestFollowRunReturnsOnStall(t *testing.T) {
	reg := workers.NewRegistry(workers.Config{MaxWorkers: 1})
	if err := reg.Register(&models.Worker{ID: "solo", Kind: models.WorkerPrimary, Specializations: []string{"fullstack"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkError("solo", "crashed earlier"); err != nil {
		t.Fatal(err)
	}
	p := policy.Default()
	p.Loop.TickInterval = 5 * time.Millisecond
	p.Loop.CancelGrace = 0
	e, err := orchestrator.New(llm.NewMockBackend(),
		orchestrator.WithPolicy(p),
		orchestrator.WithRegistry(reg),
		orchestrator.WithTelemetry(orchestrator.MustNewTelemetry(prometheus.NewRegistry())),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Close(context.Background())

	events, unsubscribe := e.Subscribe("")
	defer unsubscribe()
	runID, err := e.SubmitGraph([]*models.Task{{ID: "a", Title: "Only task"}}, nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := followRun(ctx, e, runID, events)
	if err != nil {
		t.Fatalf("followRun: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("followRun waited for the timeout instead of the stall")
	}
	if st.State != orchestrator.RunStalled {
		t.Errorf("expected stalled, got %s", st.State)
	}
}
