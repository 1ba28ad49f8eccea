// Package execution drives a single task attempt through
// assigned -> in_progress -> {completed | review | failed}.
//
// The work is split so that only Invoke suspends: Assign, Begin, Finish
// and Abandon mutate the task graph and worker registry and must be called
// by the single writer, while Invoke only talks to the reasoning backend
// and may run on any goroutine.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/workers"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var (
	// ErrCancelled marks an attempt abandoned because its run was cancelled.
	ErrCancelled = errors.New("execution cancelled")
	// ErrWorkerPanic marks an attempt whose backend call panicked.
	ErrWorkerPanic = errors.New("worker panic")
)

// Config tunes attempts.
type Config struct {
	MaxTokens   int
	Temperature float64
	// Timeout bounds each backend call. Zero means no limit beyond the caller's context.
	Timeout time.Duration
	// Review routes successful attempts through the review state.
	Review bool
	// ReviewThreshold is the minimum reported quality that passes review.
	ReviewThreshold float64
}

// Attempt is one in-flight execution. It carries snapshots, never live
// graph or registry objects.
type Attempt struct {
	ID        string
	Task      *models.Task
	Worker    *models.Worker
	Prompt    string
	Options   llm.Options
	StartedAt time.Time
}

// Result is what Invoke hands back to the writer.
type Result struct {
	Attempt  *Attempt
	Response *llm.Response
	Err      error
	Duration time.Duration
}

// Report describes how Finish settled an attempt.
type Report struct {
	TaskID     string
	WorkerID   string
	Status     models.TaskStatus
	Success    bool
	Cancelled  bool
	Quality    float64
	HasQuality bool
	Artifacts  []models.Artifact
	// Issue is set when the attempt failed.
	Issue *models.Issue
	// NewlyReady lists dependents that became ready.
	NewlyReady []string
	// WorkerFault is set when the worker was moved to error.
	WorkerFault error
	Response    *llm.Response
}

// Machine runs task attempts.
type Machine struct {
	graph    *graph.Store
	registry *workers.Registry
	backend  llm.Backend
	cfg      Config
	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// New creates a Machine.
func New(g *graph.Store, r *workers.Registry, backend llm.Backend, cfg Config) *Machine {
	return &Machine{
		graph:    g,
		registry: r,
		backend:  backend,
		cfg:      cfg,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (m *Machine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		m.debugLog = fn
	}
}

// SetClock overrides the time source, for tests.
func (m *Machine) SetClock(fn func() time.Time) {
	m.now = fn
}

// Assign picks a worker for a ready task and records the assignment on
// both the registry and the graph. If the graph refuses the transition the
// registry side is rolled back.
func (m *Machine) Assign(t *models.Task) (*workers.Assignment, error) {
	a, err := m.registry.Assign(t)
	if err != nil {
		return nil, err
	}
	if err := m.graph.Assign(t.ID, a.Worker.ID); err != nil {
		m.registry.Drop(a.Worker.ID, t.ID)
		return nil, fmt.Errorf("assign %s: %w", t.ID, err)
	}
	m.debugLog("[execution.Assign] %s -> %s (score %.1f, spawned %v)", t.ID, a.Worker.ID, a.Score, a.Spawned)
	return a, nil
}

// Begin moves an assigned task to in_progress and synthesizes its prompt.
func (m *Machine) Begin(taskID string) (*Attempt, error) {
	if err := m.graph.Start(taskID); err != nil {
		return nil, err
	}
	task, err := m.graph.Task(taskID)
	if err != nil {
		return nil, err
	}
	w, err := m.registry.Get(task.AssignedWorker)
	if err != nil {
		return nil, err
	}
	return &Attempt{
		ID:     uuid.New().String()[:8],
		Task:   task,
		Worker: w,
		Prompt: BuildPrompt(task, w),
		Options: llm.Options{
			MaxTokens:   m.cfg.MaxTokens,
			Temperature: m.cfg.Temperature,
			ModelHint:   string(models.TierForComplexity(task.Complexity)),
		},
		StartedAt: m.now(),
	}, nil
}

// Invoke calls the backend for an attempt. It never touches shared state.
// A cancellation whose cause wraps llm.ErrTimeout is reported as a
// timeout; any other cancellation is reported as ErrCancelled.
func (m *Machine) Invoke(ctx context.Context, a *Attempt) (res *Result) {
	res = &Result{Attempt: a}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Response = nil
			res.Err = fmt.Errorf("%w: %v", ErrWorkerPanic, r)
		}
		res.Duration = time.Since(start)
	}()

	callCtx := ctx
	if m.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeoutCause(ctx, m.cfg.Timeout,
			fmt.Errorf("%w after %s", llm.ErrTimeout, m.cfg.Timeout))
		defer cancel()
	}

	resp, err := m.backend.Generate(callCtx, a.Prompt, a.Options)
	if callCtx.Err() != nil && (err != nil || resp == nil) {
		cause := context.Cause(callCtx)
		if errors.Is(cause, llm.ErrTimeout) || errors.Is(cause, context.DeadlineExceeded) {
			res.Err = fmt.Errorf("%w: %v", llm.ErrTimeout, cause)
		} else {
			res.Err = fmt.Errorf("%w: %v", ErrCancelled, cause)
		}
		return res
	}
	res.Response = resp
	res.Err = err
	if err == nil && resp == nil {
		res.Err = fmt.Errorf("%w: empty response", llm.ErrUnavailable)
	}
	return res
}

// Finish settles an attempt: completed (possibly via review) or failed
// with an Issue. A cancelled attempt is returned to pending instead and
// counts as neither.
func (m *Machine) Finish(res *Result) (*Report, error) {
	a := res.Attempt
	rep := &Report{TaskID: a.Task.ID, WorkerID: a.Worker.ID, Response: res.Response}

	if errors.Is(res.Err, ErrCancelled) {
		rep.Cancelled = true
		rep.Status = models.TaskStatusPending
		if err := m.graph.SetStatus(a.Task.ID, models.TaskStatusPending); err != nil {
			return rep, err
		}
		m.registry.Drop(a.Worker.ID, a.Task.ID)
		return rep, nil
	}

	var fault error
	switch {
	case res.Err != nil:
		rep.Issue, fault = m.transportIssue(a, res.Err)
	case res.Response.Error != "":
		rep.Issue = m.issue(a, backendErrorSeverity(res.Response.Error),
			fmt.Sprintf("backend error: %s", res.Response.Error))
	default:
		m.interpret(a, res.Response, rep)
	}

	if rep.Issue == nil && m.cfg.Review {
		if err := m.graph.Review(a.Task.ID); err != nil {
			return rep, err
		}
		if rep.HasQuality && rep.Quality < m.cfg.ReviewThreshold {
			rep.Issue = m.issue(a, models.SeverityLow,
				fmt.Sprintf("quality %.0f below review threshold %.0f", rep.Quality, m.cfg.ReviewThreshold))
			rep.Success = false
		}
	}

	if rep.Issue != nil {
		if err := m.graph.Fail(a.Task.ID, rep.Issue); err != nil {
			return rep, err
		}
		rep.Status = models.TaskStatusFailed
	} else {
		ready, err := m.graph.Complete(a.Task.ID, "", rep.Artifacts)
		if err != nil {
			return rep, err
		}
		rep.Success = true
		rep.Status = models.TaskStatusCompleted
		rep.NewlyReady = ready
	}

	rep.WorkerFault = fault
	if err := m.registry.Release(a.Worker.ID, a.Task.ID, workers.Outcome{
		Success:    rep.Success,
		Quality:    rep.Quality,
		HasQuality: rep.HasQuality,
		Duration:   res.Duration,
		Fault:      fault,
	}); err != nil {
		return rep, err
	}
	m.debugLog("[execution.Finish] %s by %s -> %s", a.Task.ID, a.Worker.ID, rep.Status)
	return rep, nil
}

// Abandon returns an attempt's task to pending without recording an
// outcome, used when the run is torn down before Invoke returns.
func (m *Machine) Abandon(a *Attempt) error {
	if err := m.graph.SetStatus(a.Task.ID, models.TaskStatusPending); err != nil {
		return err
	}
	return m.registry.Drop(a.Worker.ID, a.Task.ID)
}

// interpret parses a reply. No JSON at all is a lenient success with the
// raw text kept as an artifact; JSON that cannot be decoded is a failure.
func (m *Machine) interpret(a *Attempt, resp *llm.Response, rep *Report) {
	parsed := llm.Parse[llm.ExecutionReply](resp.Content)
	switch {
	case parsed.NoJSON():
		m.debugLog("[execution.interpret] %s: no structured result, accepting leniently", a.Task.ID)
		rep.Artifacts = m.artifacts(a, nil, resp.Content)
	case !parsed.Parsed():
		rep.Issue = m.issue(a, models.SeverityLow, fmt.Sprintf("%v", parsed.Err))
		rep.Issue.Context = truncate(resp.Content, 500)
	case !parsed.Value.Succeeded():
		reason := parsed.Value.Error
		if reason == "" {
			reason = "worker reported failure"
		}
		rep.Issue = m.issue(a, models.SeverityMedium, reason)
		rep.Issue.Context = truncate(parsed.Value.Output, 500)
	default:
		rep.Artifacts = m.artifacts(a, parsed.Value.Artifacts, parsed.Value.Output)
		if q := parsed.Value.Quality; q != nil {
			rep.Quality = clamp(*q, 0, 100)
			rep.HasQuality = true
		}
	}
}

func (m *Machine) artifacts(a *Attempt, in []llm.ArtifactReply, output string) []models.Artifact {
	now := m.now()
	out := make([]models.Artifact, 0, len(in)+1)
	for _, ar := range in {
		typ := ar.Type
		if typ == "" {
			typ = "text"
		}
		out = append(out, models.Artifact{Type: typ, Name: ar.Name, Content: ar.Content, WorkerID: a.Worker.ID, CreatedAt: now})
	}
	if len(out) == 0 && strings.TrimSpace(output) != "" {
		out = append(out, models.Artifact{Type: "text", Name: "output", Content: output, WorkerID: a.Worker.ID, CreatedAt: now})
	}
	return out
}

// transportIssue builds the issue for a failed call and decides whether
// the worker is at fault. Timeouts and backend outages are expected;
// anything else, a panic included, moves the worker to error.
func (m *Machine) transportIssue(a *Attempt, err error) (*models.Issue, error) {
	switch {
	case errors.Is(err, llm.ErrTimeout):
		return m.issue(a, models.SeverityMedium, err.Error()), nil
	case errors.Is(err, llm.ErrUnavailable):
		return m.issue(a, models.SeverityHigh, err.Error()), nil
	case errors.Is(err, ErrWorkerPanic):
		return m.issue(a, models.SeverityCritical, err.Error()), err
	default:
		return m.issue(a, models.SeverityHigh, fmt.Sprintf("unexpected error: %v", err)), err
	}
}

func (m *Machine) issue(a *Attempt, sev models.Severity, desc string) *models.Issue {
	return &models.Issue{
		ID:          uuid.New().String()[:8],
		TaskID:      a.Task.ID,
		Severity:    sev,
		Category:    models.IssueExecutionFailure,
		Description: desc,
		Reporter:    a.Worker.ID,
		CreatedAt:   m.now(),
	}
}

func backendErrorSeverity(msg string) models.Severity {
	if strings.Contains(strings.ToLower(msg), "timeout") {
		return models.SeverityMedium
	}
	return models.SeverityHigh
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
