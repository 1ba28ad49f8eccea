// Package orchestrator hosts task-graph runs: it dispatches ready tasks to
// workers, routes failures through recovery, and publishes progress.
//
// Each run owns its graph store and is driven by a single loop goroutine,
// the only writer of that graph. Backend calls run concurrently under an
// engine-wide semaphore and hand their results back to the loop.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/ShayCichocki/autopilot/internal/execution"
	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/internal/recovery"
	"github.com/ShayCichocki/autopilot/internal/workers"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var (
	// ErrRunNotFound indicates an unknown run ID.
	ErrRunNotFound = errors.New("run not found")
	// ErrInvalidRunState indicates a control call the run's state does not allow.
	ErrInvalidRunState = errors.New("invalid run state")
	// ErrEngineClosed indicates the engine no longer accepts runs.
	ErrEngineClosed = errors.New("engine closed")
)

// PrimaryWorkerID is the ID of the worker every engine starts with.
const PrimaryWorkerID = "primary"

// Status is a point-in-time view of one run.
type Status struct {
	RunID    string   `json:"run_id"`
	State    RunState `json:"state"`
	Progress float64  `json:"progress"`
	Phase    string   `json:"phase"`
	// PerTaskStatus maps task ID to its current status.
	PerTaskStatus map[string]models.TaskStatus `json:"per_task_status"`
	Metrics       *progress.Metrics            `json:"metrics"`
	Tasks         []*models.Task               `json:"tasks"`
	Decisions     []models.Decision            `json:"decisions"`
	StartedAt     time.Time                    `json:"started_at"`
	FinishedAt    *time.Time                   `json:"finished_at,omitempty"`
}

// Engine runs task graphs. It is safe for concurrent use.
type Engine struct {
	cfg       policy.Config
	backend   llm.Backend
	store     knowledge.Store
	journal   Journal
	telemetry *Telemetry
	registry  *workers.Registry
	recovery  *recovery.Engine
	emitter   *EventEmitter
	sem       *semaphore.Weighted
	now       func() time.Time

	mu     sync.RWMutex
	runs   map[string]*run
	closed bool
}

// New creates an Engine around a reasoning backend.
func New(backend llm.Backend, opts ...Option) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("orchestrator: backend is required")
	}
	o := &engineOptions{}
	for _, opt := range opts {
		opt(o)
	}

	cfg := policy.Default()
	if o.policyConfig != nil {
		c := *o.policyConfig
		cfg = &c
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.telemetry == nil {
		o.telemetry = DefaultTelemetry()
	}
	if o.logger != nil {
		setPackageLogger(o.logger)
	}

	registry := o.registry
	if registry == nil {
		if len(o.table) > 0 {
			if err := o.table.Validate(); err != nil {
				return nil, fmt.Errorf("specialization table: %w", err)
			}
		}
		registry = workers.NewRegistry(workers.Config{
			Table:              o.table,
			MaxWorkers:         cfg.Concurrency.MaxWorkers,
			SpecialistCapacity: cfg.Concurrency.SpecialistCapacity,
		})
		primary := o.primary
		if primary == nil {
			primary = &models.Worker{
				ID:              PrimaryWorkerID,
				Name:            "Primary",
				Kind:            models.WorkerPrimary,
				Specializations: []string{workers.DefaultSpecialization},
				MaxConcurrent:   cfg.Concurrency.MaxConcurrent,
			}
		}
		if err := registry.Register(primary); err != nil {
			return nil, fmt.Errorf("register primary worker: %w", err)
		}
	}
	registry.SetDebugLog(debugLog)
	registry.SetClock(o.now)

	rec := recovery.New(backend, o.store, recovery.Config{
		MaxAttempts: cfg.Recovery.MaxAttempts,
		SkipBackoff: cfg.Recovery.SkipBackoff,
		MaxTokens:   cfg.Backend.MaxTokens,
		Temperature: cfg.Backend.Temperature,
		LessonLimit: cfg.Recovery.LessonLimit,
	})
	rec.SetDebugLog(debugLog)
	rec.SetClock(o.now)

	e := &Engine{
		cfg:       *cfg,
		backend:   backend,
		store:     o.store,
		journal:   o.journal,
		telemetry: o.telemetry,
		registry:  registry,
		recovery:  rec,
		emitter:   NewEventEmitter(cfg.Events.BufferSize),
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency.MaxConcurrent)),
		now:       o.now,
		runs:      make(map[string]*run),
	}
	e.emitter.onDrop = e.telemetry.IncDropped
	return e, nil
}

// Policy returns the effective policy.
func (e *Engine) Policy() policy.Config {
	return e.cfg
}

// SubmitGraph validates a task graph and starts running it. A graph with a
// cycle, an unknown dependency or an invalid task is rejected whole.
func (e *Engine) SubmitGraph(tasks []*models.Task, edges []models.Edge) (string, error) {
	if len(tasks) == 0 {
		return "", fmt.Errorf("submit graph: no tasks")
	}
	g := graph.New()
	g.SetDebugLog(debugLog)
	g.SetClock(e.now)

	owned := make([]*models.Task, len(tasks))
	for i, t := range tasks {
		owned[i] = t.Clone()
	}
	if err := g.Build(owned, edges); err != nil {
		return "", fmt.Errorf("submit graph: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrEngineClosed
	}
	id := uuid.New().String()[:8]
	r := newRun(e, id, g)
	e.runs[id] = r
	e.mu.Unlock()

	if e.journal != nil {
		if err := e.journal.RecordRun(context.Background(), id, r.startedAt, g.Size()); err != nil {
			debugLog("[engine.SubmitGraph] journal run %s: %v", id, err)
		}
	}
	e.telemetry.AddRuns(1)
	debugLog("[engine.SubmitGraph] run %s: %d tasks, %d edges", id, len(tasks), len(edges))

	go r.loop()
	return id, nil
}

func (e *Engine) lookup(runID string) (*run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, nil
}

// Pause stops dispatching new tasks. In-flight calls finish normally.
func (e *Engine) Pause(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}
	return r.requestPause()
}

// Resume restarts dispatching on a paused run.
func (e *Engine) Resume(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}
	return r.requestResume()
}

// Cancel tears a run down. Dispatching stops at once; in-flight calls get
// the cancel grace period to finish before they are cut off and their
// tasks returned to pending. Cancelling a finished run is a no-op.
func (e *Engine) Cancel(runID string) error {
	r, err := e.lookup(runID)
	if err != nil {
		return err
	}
	r.requestCancel()
	return nil
}

// Status returns a snapshot of a run.
func (e *Engine) Status(runID string) (*Status, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	return r.status(), nil
}

// Wait blocks until the run finishes or ctx ends, then returns its status.
func (e *Engine) Wait(ctx context.Context, runID string) (*Status, error) {
	r, err := e.lookup(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-r.done:
		return r.status(), nil
	case <-ctx.Done():
		return r.status(), ctx.Err()
	}
}

// Runs returns every run ID, oldest first.
func (e *Engine) Runs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		rs = append(rs, r)
	}
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].startedAt.Equal(rs[j].startedAt) {
			return rs[i].startedAt.Before(rs[j].startedAt)
		}
		return rs[i].id < rs[j].id
	})
	ids := make([]string, len(rs))
	for i, r := range rs {
		ids[i] = r.id
	}
	return ids
}

// Subscribe streams events for one run, or for every run when runID is
// empty. Call the returned function to unsubscribe.
func (e *Engine) Subscribe(runID string) (<-chan Event, func()) {
	return e.emitter.Subscribe(runID)
}

// DroppedEvents reports how many events full subscribers missed.
func (e *Engine) DroppedEvents() uint64 {
	return e.emitter.DroppedCount()
}

// Workers returns a snapshot of the worker registry.
func (e *Engine) Workers() []*models.Worker {
	return e.registry.Workers()
}

// ResetWorker returns a worker in error status to service and wakes any
// run that was stalled waiting for one.
func (e *Engine) ResetWorker(workerID string) error {
	if err := e.registry.Reset(workerID); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.runs {
		r.wake()
	}
	return nil
}

// Close cancels every unfinished run and waits for their loops to exit or
// ctx to end. Subscriber channels are closed afterwards.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	rs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		rs = append(rs, r)
	}
	e.mu.Unlock()

	for _, r := range rs {
		r.requestCancel()
	}
	for _, r := range rs {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	e.emitter.Close()
	return nil
}

// newMachine builds the execution machine for one run's graph.
func (e *Engine) newMachine(g *graph.Store) *execution.Machine {
	m := execution.New(g, e.registry, e.backend, execution.Config{
		MaxTokens:       e.cfg.Backend.MaxTokens,
		Temperature:     e.cfg.Backend.Temperature,
		Timeout:         e.cfg.Concurrency.BackendTimeout,
		Review:          e.cfg.Review.Enabled,
		ReviewThreshold: e.cfg.Review.Threshold,
	})
	m.SetDebugLog(debugLog)
	m.SetClock(e.now)
	return m
}
