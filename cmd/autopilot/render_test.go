package main

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

func init() {
	color.NoColor = true
}

func TestFormatEvent(t *testing.T) {
	ts := time.Date(2026, 1, 2, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		ev   orchestrator.Event
		want []string
	}{
		{
			name: "task completed",
			ev: orchestrator.Event{
				Type: orchestrator.EventTaskCompleted, TaskID: "t1", TaskTitle: "Build API",
				WorkerID: "primary", Timestamp: ts,
			},
			want: []string{"task_completed", "t1 (Build API)", "worker=primary"},
		},
		{
			name: "failure",
			ev: orchestrator.Event{
				Type: orchestrator.EventTaskFailed, TaskID: "t2", Error: "backend timeout", Timestamp: ts,
			},
			want: []string{"task_failed", `error="backend timeout"`},
		},
		{
			name: "decision",
			ev: orchestrator.Event{
				Type: orchestrator.EventDecisionMade, TaskID: "t2", Timestamp: ts,
				Decision: &models.Decision{Chosen: models.StrategyRetryDifferentAgent, Confidence: 70},
			},
			want: []string{"decision_made", "confidence=70"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatEvent(tt.ev)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("formatEvent() = %q, missing %q", got, w)
				}
			}
		})
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a  b\n c", 10); got != "a b c" {
		t.Errorf("whitespace not collapsed: %q", got)
	}
	got := truncate(strings.Repeat("x", 20), 10)
	if len(got) != 10 || !strings.HasSuffix(got, "...") {
		t.Errorf("truncate long = %q", got)
	}
}

func TestRenderSummary(t *testing.T) {
	st := &orchestrator.Status{
		RunID:    "abcd1234",
		State:    orchestrator.RunCompleted,
		Progress: 100,
		Phase:    progress.PhaseCompleted,
		Metrics: &progress.Metrics{
			Total: 2, Completed: 2, QualityScore: 100, AutonomyLevel: 100,
			CriticalPath: []string{"a", "b"}, TokensUsed: 1200,
		},
		Tasks: []*models.Task{
			{ID: "b", Title: "Second", Status: models.TaskStatusCompleted},
			{ID: "a", Title: "First", Status: models.TaskStatusCompleted, Note: "skipped review"},
		},
	}
	out := renderSummary(st)
	for _, w := range []string{"abcd1234", "completed", "2 total", "a → b", "1200 tokens", "skipped review"} {
		if !strings.Contains(out, w) {
			t.Errorf("summary missing %q:\n%s", w, out)
		}
	}
	if strings.Index(out, "First") > strings.Index(out, "Second") {
		t.Error("tasks should be listed by ID")
	}
}

func TestExitCode(t *testing.T) {
	if got := exitCode(errors.New("boom")); got != 1 {
		t.Errorf("plain error exit = %d, want 1", got)
	}
	wrapped := fmt.Errorf("run: %w", &exitError{code: 2, msg: "stalled"})
	if got := exitCode(wrapped); got != 2 {
		t.Errorf("exitError exit = %d, want 2", got)
	}
}
