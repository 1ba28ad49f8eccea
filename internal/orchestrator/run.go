package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/ShayCichocki/autopilot/internal/execution"
	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/internal/recovery"
	"github.com/ShayCichocki/autopilot/internal/workers"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// RunState is the lifecycle state of a run.
type RunState string

const (
	RunRunning    RunState = "running"
	RunPaused     RunState = "paused"
	RunCancelling RunState = "cancelling"
	RunCancelled  RunState = "cancelled"
	RunCompleted  RunState = "completed"
	// RunFailed means the run settled with at least one task not completed.
	RunFailed RunState = "failed"
	// RunStalled means ready work exists but no worker can take it.
	RunStalled RunState = "stalled"
)

// Finished reports whether the run's loop has exited.
func (s RunState) Finished() bool {
	return s == RunCancelled || s == RunCompleted || s == RunFailed
}

var (
	errRunCancelled = errors.New("run cancelled")
	errRunFinished  = errors.New("run finished")
)

// call is one in-flight execution attempt.
type call struct {
	attempt *execution.Attempt
	cancel  context.CancelCauseFunc
	started time.Time
}

type analysisResult struct {
	taskID   string
	analysis *recovery.Analysis
}

// run is one submitted graph and its loop.
type run struct {
	id      string
	e       *Engine
	graph   *graph.Store
	machine *execution.Machine
	pause   *PauseController
	tracker *llm.Tracker

	// callCtx bounds every backend call of the run. It is cancelled when
	// the cancel grace expires or the run finishes.
	callCtx   context.Context
	killCalls context.CancelCauseFunc

	results    chan *execution.Result
	analyses   chan analysisResult
	cancelReq  chan struct{}
	cancelOnce sync.Once
	nudge      chan struct{}
	done       chan struct{}

	// Owned by the loop goroutine.
	inflight      map[string]*call
	analyzing     int
	openDecisions map[string]*models.Decision
	starved       bool

	// mu protects the fields below, which Status reads.
	mu          sync.RWMutex
	state       RunState
	startedAt   time.Time
	finishedAt  time.Time
	escalations int
	finished    int
	metrics     *progress.Metrics
	decisions   []*models.Decision
}

func newRun(e *Engine, id string, g *graph.Store) *run {
	callCtx, kill := context.WithCancelCause(context.Background())
	return &run{
		id:            id,
		e:             e,
		graph:         g,
		machine:       e.newMachine(g),
		pause:         NewPauseController(id),
		tracker:       llm.NewTracker(),
		callCtx:       callCtx,
		killCalls:     kill,
		results:       make(chan *execution.Result, e.cfg.Concurrency.MaxConcurrent),
		analyses:      make(chan analysisResult, e.cfg.Concurrency.MaxConcurrent),
		cancelReq:     make(chan struct{}),
		nudge:         make(chan struct{}, 1),
		done:          make(chan struct{}),
		inflight:      make(map[string]*call),
		openDecisions: make(map[string]*models.Decision),
		state:         RunRunning,
		startedAt:     e.now(),
	}
}

// State returns the run's current state.
func (r *run) State() RunState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// loop is the run's single writer. Every graph mutation happens here.
func (r *run) loop() {
	defer close(r.done)

	tick := time.NewTicker(r.e.cfg.Loop.TickInterval)
	defer tick.Stop()
	sweep := time.NewTicker(r.e.cfg.Loop.StuckSweepInterval)
	defer sweep.Stop()
	var grace <-chan time.Time
	cancelReq := r.cancelReq

	for _, t := range r.graph.ReadyTasks() {
		r.emitTask(EventTaskReady, t.ID, "")
	}
	r.step()
	r.checkDone()

	for !r.State().Finished() {
		if r.State() == RunPaused && r.idle() {
			if err := r.pause.WaitIfPaused(r.callCtx); err != nil {
				debugLog("[run.loop] %s: pause wait ended: %v", r.id, err)
			}
		}

		select {
		case res := <-r.results:
			r.onResult(res)
		case ar := <-r.analyses:
			r.onAnalysis(ar)
		case <-tick.C:
			r.step()
		case <-r.nudge:
			r.step()
		case <-sweep.C:
			r.sweep()
		case <-cancelReq:
			cancelReq = nil
			log.Printf("[orchestrator] run %s cancelling with %d calls in flight", r.id, len(r.inflight))
			if r.e.cfg.Loop.CancelGrace <= 0 {
				r.killCalls(errRunCancelled)
			} else {
				grace = time.After(r.e.cfg.Loop.CancelGrace)
			}
		case <-grace:
			grace = nil
			log.Printf("[orchestrator] run %s: cancel grace expired, cutting off %d calls", r.id, len(r.inflight))
			r.killCalls(errRunCancelled)
		}
		r.safely(r.dispatch)
		r.checkDone()
	}
}

func (r *run) idle() bool {
	return len(r.inflight) == 0 && r.analyzing == 0
}

func (r *run) wake() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// step is one scheduling pass.
func (r *run) step() {
	r.safely(func() {
		for _, id := range r.graph.ReleaseDue(r.e.now()) {
			r.emitTask(EventTaskUnblocked, id, "skip backoff elapsed")
		}
		r.dispatch()
		r.refreshMetrics()
	})
}

// safely runs fn, turning a panic into a loop_error event so the loop
// survives to the next tick.
func (r *run) safely(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.loopError(fmt.Errorf("loop panic: %v", p))
		}
	}()
	fn()
}

// dispatch assigns and starts ready tasks in priority order until the
// concurrency ceiling is reached.
func (r *run) dispatch() {
	if st := r.State(); st != RunRunning && st != RunStalled {
		return
	}
	if r.pause.IsPaused() {
		return
	}

	r.starved = false
	dispatched := 0
	for _, t := range r.graph.ReadyTasks() {
		if !r.e.sem.TryAcquire(1) {
			break
		}
		asg, err := r.machine.Assign(t)
		if err != nil {
			r.e.sem.Release(1)
			if errors.Is(err, workers.ErrNoEligibleWorker) {
				r.starved = true
				debugLog("[run.dispatch] %s: %v", r.id, err)
				continue
			}
			r.loopError(fmt.Errorf("assign %s: %w", t.ID, err))
			continue
		}
		if asg.Spawned {
			r.emit(Event{Type: EventWorkerSpawned, TaskID: t.ID, WorkerID: asg.Worker.ID,
				Message: fmt.Sprintf("spawned %s", asg.Worker.Name)})
		}
		r.emit(Event{Type: EventTaskAssigned, TaskID: t.ID, TaskTitle: t.Title, ParentID: t.ParentID,
			WorkerID: asg.Worker.ID, Message: fmt.Sprintf("score %.1f", asg.Score)})

		att, err := r.machine.Begin(t.ID)
		if err != nil {
			r.e.sem.Release(1)
			if uerr := r.graph.Unassign(t.ID); uerr != nil {
				debugLog("[run.dispatch] %s: unassign %s: %v", r.id, t.ID, uerr)
			}
			r.e.registry.Drop(asg.Worker.ID, t.ID)
			r.loopError(fmt.Errorf("start %s: %w", t.ID, err))
			continue
		}
		r.launch(att)
		dispatched++
	}

	if dispatched > 0 && r.State() == RunStalled {
		r.setState(RunRunning)
		r.emit(Event{Type: EventRunResumed, Message: "worker available"})
	}
}

// launch runs the backend call off the loop. The semaphore slot taken in
// dispatch is released when the call returns.
func (r *run) launch(att *execution.Attempt) {
	ctx, cancel := context.WithCancelCause(r.callCtx)
	r.inflight[att.Task.ID] = &call{attempt: att, cancel: cancel, started: time.Now()}
	r.e.telemetry.AddInflight(1)
	r.emit(Event{Type: EventTaskStarted, TaskID: att.Task.ID, TaskTitle: att.Task.Title,
		ParentID: att.Task.ParentID, WorkerID: att.Worker.ID,
		Message: fmt.Sprintf("attempt %d", att.Task.Attempts)})

	go func() {
		defer r.e.sem.Release(1)
		res := r.machine.Invoke(ctx, att)
		cancel(nil)
		r.results <- res
	}()
}

// onResult settles a finished call.
func (r *run) onResult(res *execution.Result) {
	taskID := res.Attempt.Task.ID
	delete(r.inflight, taskID)
	r.e.telemetry.AddInflight(-1)
	r.account(res.Response, callResult(res))

	rep, err := r.machine.Finish(res)
	if err != nil {
		r.loopError(fmt.Errorf("settle %s: %w", taskID, err))
		return
	}
	if rep.Cancelled {
		r.emitTask(EventTaskReady, taskID, "returned to pending after cancellation")
		return
	}

	r.mu.Lock()
	r.finished++
	r.mu.Unlock()
	r.e.telemetry.ObserveAttempt(string(rep.Status), res.Duration)

	if rep.Success {
		msg := ""
		if rep.HasQuality {
			msg = fmt.Sprintf("quality %.0f", rep.Quality)
		}
		r.emitTask(EventTaskCompleted, taskID, msg)
		r.settle(taskID, models.OutcomeSucceeded)
		r.completeParents(taskID)
		for _, id := range rep.NewlyReady {
			r.emitTask(EventTaskReady, id, "")
		}
		return
	}

	if rep.WorkerFault != nil {
		log.Printf("[orchestrator] worker %s moved to error: %v", rep.WorkerID, rep.WorkerFault)
	}
	r.recordIssue(rep.Issue)
	ev := r.taskEvent(EventTaskFailed, taskID, "")
	ev.WorkerID = rep.WorkerID
	ev.Error = rep.Issue.Description
	ev.Issue = copyIssue(rep.Issue)
	r.emit(ev)
	r.settle(taskID, models.OutcomeFailed)
	r.analyze(taskID, rep.Issue)
}

// completeParents reports decomposed parents completed by this task.
func (r *run) completeParents(taskID string) {
	t, err := r.graph.Task(taskID)
	if err != nil {
		return
	}
	for parentID := t.ParentID; parentID != ""; {
		p, err := r.graph.Task(parentID)
		if err != nil || p.Status != models.TaskStatusCompleted {
			return
		}
		r.emitTask(EventTaskCompleted, parentID, p.Note)
		r.settle(parentID, models.OutcomeSucceeded)
		parentID = p.ParentID
	}
}

// analyze runs failure analysis off the loop on a task snapshot.
func (r *run) analyze(taskID string, issue *models.Issue) {
	task, err := r.graph.Task(taskID)
	if err != nil {
		r.loopError(err)
		return
	}
	r.analyzing++
	timeout := 2 * r.e.cfg.Concurrency.BackendTimeout

	go func() {
		res := analysisResult{taskID: taskID}
		defer func() { r.analyses <- res }()
		defer func() {
			if p := recover(); p != nil {
				log.Printf("[orchestrator] run %s: recovery for %s panicked: %v", r.id, taskID, p)
				res.analysis = nil
			}
		}()
		if err := r.e.sem.Acquire(r.callCtx, 1); err != nil {
			return
		}
		defer r.e.sem.Release(1)

		ctx, cancel := context.WithTimeout(r.callCtx, timeout)
		defer cancel()
		res.analysis = r.e.recovery.Analyze(ctx, r.id, task, issue)
	}()
}

// onAnalysis records an analysis and applies its decision.
func (r *run) onAnalysis(ar analysisResult) {
	r.analyzing--
	a := ar.analysis
	if a == nil {
		log.Printf("[orchestrator] run %s: recovery for %s abandoned; task stays failed", r.id, ar.taskID)
		return
	}
	for _, resp := range a.Responses {
		r.account(resp, "ok")
	}
	if r.callCtx.Err() != nil {
		debugLog("[run.onAnalysis] %s: run torn down, not applying %s for %s", r.id, a.Decision.Chosen, ar.taskID)
		return
	}

	if a.Lesson != nil {
		r.e.telemetry.IncLesson()
		r.emit(Event{Type: EventLessonRecorded, TaskID: ar.taskID, Lesson: a.Lesson, Message: a.Lesson.Content})
	}
	for _, d := range a.Degraded {
		r.recordIssue(d)
	}
	r.recordDecision(a.Decision)

	applied, err := r.e.recovery.Apply(r.graph, a)
	if err != nil {
		r.loopError(fmt.Errorf("recover %s: %w", ar.taskID, err))
		return
	}
	r.onApplied(a, applied)
}

func (r *run) onApplied(a *recovery.Analysis, applied *recovery.Applied) {
	taskID := a.Task.ID
	if applied.Escalated {
		r.mu.Lock()
		r.escalations++
		r.mu.Unlock()
		r.setOutcome(a.Decision, models.OutcomeFailed)

		msg := "handed to a human"
		if a.Exhausted {
			msg = recovery.ErrRecoveryExhausted.Error()
		}
		if applied.Fallback != "" {
			msg += ": " + applied.Fallback
		}
		ev := r.taskEvent(EventEscalation, taskID, msg)
		ev.Decision = copyDecision(a.Decision)
		r.emit(ev)

		for _, p := range applied.FailedParents {
			ev := r.taskEvent(EventTaskFailed, p, "sub-task failed permanently")
			ev.Error = fmt.Sprintf("sub-task %s failed permanently", taskID)
			r.emit(ev)
			r.settle(p, models.OutcomeFailed)
		}
		for _, b := range applied.Blocked {
			r.emitTask(EventTaskBlocked, b, "dependency failed permanently")
		}
		return
	}

	r.openDecisions[taskID] = a.Decision
	switch {
	case applied.Requeued:
		r.emitTask(EventTaskReady, taskID, fmt.Sprintf("requeued by %s", applied.Strategy))
	case !applied.SkippedUntil.IsZero():
		r.emitTask(EventTaskBlocked, taskID, fmt.Sprintf("skipped until %s", applied.SkippedUntil.Format(time.RFC3339)))
	case len(applied.Subtasks) > 0:
		r.emitTask(EventTaskBlocked, taskID, fmt.Sprintf("decomposed into %v", applied.Subtasks))
		ready := make(map[string]bool)
		for _, t := range r.graph.ReadyTasks() {
			ready[t.ID] = true
		}
		for _, id := range applied.Subtasks {
			if ready[id] {
				r.emitTask(EventTaskReady, id, "")
			}
		}
	}
}

// sweep cancels calls running past StuckAfter, routing them as timeouts,
// and returns tasks left active without a live call to pending.
func (r *run) sweep() {
	now := time.Now()
	for id, c := range r.inflight {
		if age := now.Sub(c.started); age > r.e.cfg.Loop.StuckAfter {
			debugLog("[run.sweep] %s: %s stuck for %s", r.id, id, age)
			c.cancel(fmt.Errorf("%w: no reply after %s", llm.ErrTimeout, age.Round(time.Millisecond)))
		}
	}
	for _, t := range r.graph.Tasks() {
		if t.Status != models.TaskStatusAssigned && t.Status != models.TaskStatusInProgress {
			continue
		}
		if _, live := r.inflight[t.ID]; live {
			continue
		}
		if err := r.graph.SetStatus(t.ID, models.TaskStatusPending); err != nil {
			debugLog("[run.sweep] %s: reset %s: %v", r.id, t.ID, err)
			continue
		}
		if t.AssignedWorker != "" {
			r.e.registry.Drop(t.AssignedWorker, t.ID)
		}
		log.Printf("[orchestrator] run %s: task %s had no live call, returned to pending", r.id, t.ID)
		r.emitTask(EventTaskReady, t.ID, "recovered from stuck state")
	}
}

// checkDone settles the run state once nothing is in flight.
func (r *run) checkDone() {
	if !r.idle() {
		return
	}
	switch r.State() {
	case RunCancelling:
		r.finish(RunCancelled)
		return
	case RunPaused:
		return
	}

	if r.graph.Settled() {
		if r.graph.Counts()[models.TaskStatusCompleted] == r.graph.Size() {
			r.finish(RunCompleted)
		} else {
			r.finish(RunFailed)
		}
		return
	}

	if r.starved && r.State() == RunRunning && len(r.graph.ReadyTasks()) > 0 {
		r.setState(RunStalled)
		log.Printf("[orchestrator] run %s stalled: ready tasks but no eligible worker", r.id)
		r.emit(Event{Type: EventRunStalled, Message: "ready tasks but no eligible worker; reset a worker to continue"})
	}
}

func (r *run) finish(state RunState) {
	r.refreshMetrics()

	r.mu.Lock()
	r.state = state
	r.finishedAt = r.e.now()
	m := r.metrics
	finishedAt := r.finishedAt
	r.mu.Unlock()

	r.killCalls(errRunFinished)
	r.pause.Stop()
	r.e.telemetry.AddRuns(-1)

	if r.e.journal != nil {
		if err := r.e.journal.FinishRun(context.Background(), r.id, string(state), finishedAt, m); err != nil {
			log.Printf("[orchestrator] run %s: journal: %v", r.id, err)
		}
	}

	evType := EventRunCompleted
	if state == RunCancelled {
		evType = EventRunCancelled
	}
	r.emit(Event{Type: evType, Message: string(state), Metrics: m})
	log.Printf("[orchestrator] run %s %s", r.id, state)
}

func (r *run) refreshMetrics() {
	m, err := r.compute()
	if err != nil {
		r.loopError(fmt.Errorf("metrics: %w", err))
		return
	}
	r.mu.Lock()
	r.metrics = m
	r.mu.Unlock()
	r.emit(Event{Type: EventProgress, Message: m.Phase, Metrics: m})
}

func (r *run) compute() (*progress.Metrics, error) {
	usage, cost, _ := r.tracker.Totals()
	r.mu.RLock()
	in := progress.Inputs{
		StartedAt:        r.startedAt,
		Now:              r.e.now(),
		Escalations:      r.escalations,
		FinishedAttempts: r.finished,
		TokensUsed:       usage.Total,
		Cost:             cost,
	}
	r.mu.RUnlock()
	return progress.Compute(r.graph, in)
}

// account folds a backend response into the run's usage totals.
func (r *run) account(resp *llm.Response, result string) {
	r.tracker.Add(resp)
	var tokens int64
	var cost float64
	if resp != nil {
		tokens, cost = resp.Tokens.Total, resp.Cost
	}
	r.e.telemetry.ObserveCall(result, tokens, cost)
}

func callResult(res *execution.Result) string {
	switch {
	case errors.Is(res.Err, llm.ErrTimeout):
		return "timeout"
	case errors.Is(res.Err, execution.ErrCancelled):
		return "cancelled"
	case errors.Is(res.Err, llm.ErrUnavailable):
		return "unavailable"
	case res.Err != nil, res.Response == nil, res.Response.Error != "":
		return "error"
	default:
		return "ok"
	}
}

func (r *run) recordIssue(is *models.Issue) {
	if is == nil {
		return
	}
	if r.e.journal != nil {
		if err := r.e.journal.RecordIssue(context.Background(), r.id, is); err != nil {
			log.Printf("[orchestrator] run %s: journal issue: %v", r.id, err)
		}
	}
	r.emit(Event{Type: EventIssueRecorded, TaskID: is.TaskID, WorkerID: is.Reporter, Issue: copyIssue(is),
		Message: fmt.Sprintf("%s %s", is.Severity, is.Category)})
}

func (r *run) recordDecision(d *models.Decision) {
	r.mu.Lock()
	r.decisions = append(r.decisions, d)
	r.mu.Unlock()
	if r.e.journal != nil {
		if err := r.e.journal.RecordDecision(context.Background(), d); err != nil {
			log.Printf("[orchestrator] run %s: journal decision: %v", r.id, err)
		}
	}
	r.e.telemetry.IncDecision(string(d.Chosen))
	ev := r.taskEvent(EventDecisionMade, d.TaskID, fmt.Sprintf("%s (confidence %d)", d.Chosen, d.Confidence))
	ev.Decision = copyDecision(d)
	r.emit(ev)
}

// settle fills the outcome of the decision waiting on a task, if any.
func (r *run) settle(taskID, outcome string) {
	d, ok := r.openDecisions[taskID]
	if !ok {
		return
	}
	delete(r.openDecisions, taskID)
	r.setOutcome(d, outcome)
}

func (r *run) setOutcome(d *models.Decision, outcome string) {
	r.mu.Lock()
	d.Outcome = outcome
	r.mu.Unlock()
	if r.e.journal != nil {
		if err := r.e.journal.UpdateOutcome(context.Background(), d.ID, outcome); err != nil {
			log.Printf("[orchestrator] run %s: journal outcome: %v", r.id, err)
		}
	}
}

func (r *run) loopError(err error) {
	log.Printf("[orchestrator] run %s: %v", r.id, err)
	r.emit(Event{Type: EventLoopError, Error: err.Error()})
}

func (r *run) emit(ev Event) {
	ev.RunID = r.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.e.now()
	}
	r.e.emitter.Emit(ev)
}

func (r *run) taskEvent(t EventType, taskID, msg string) Event {
	ev := Event{Type: t, TaskID: taskID, Message: msg}
	if task, err := r.graph.Task(taskID); err == nil {
		ev.TaskTitle = task.Title
		ev.ParentID = task.ParentID
		ev.WorkerID = task.AssignedWorker
	}
	return ev
}

func (r *run) emitTask(t EventType, taskID, msg string) {
	r.emit(r.taskEvent(t, taskID, msg))
}

// requestPause pauses a running or stalled run.
func (r *run) requestPause() error {
	r.mu.Lock()
	if r.state != RunRunning && r.state != RunStalled {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: pause run %s in state %s", ErrInvalidRunState, r.id, st)
	}
	r.pause.Pause()
	r.state = RunPaused
	r.mu.Unlock()
	r.emit(Event{Type: EventRunPaused})
	return nil
}

func (r *run) requestResume() error {
	r.mu.Lock()
	if r.state != RunPaused {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("%w: resume run %s in state %s", ErrInvalidRunState, r.id, st)
	}
	r.pause.Resume()
	r.state = RunRunning
	r.mu.Unlock()
	r.emit(Event{Type: EventRunResumed})
	r.wake()
	return nil
}

func (r *run) requestCancel() {
	r.mu.Lock()
	if r.state.Finished() || r.state == RunCancelling {
		r.mu.Unlock()
		return
	}
	r.state = RunCancelling
	r.mu.Unlock()
	r.pause.Stop()
	r.cancelOnce.Do(func() { close(r.cancelReq) })
}

func (r *run) status() *Status {
	tasks := r.graph.Tasks()
	perTask := make(map[string]models.TaskStatus, len(tasks))
	for _, t := range tasks {
		perTask[t.ID] = t.Status
	}

	m, err := r.compute()
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err != nil {
		m = r.metrics
	}
	st := &Status{
		RunID:         r.id,
		State:         r.state,
		PerTaskStatus: perTask,
		Metrics:       m,
		Tasks:         tasks,
		Decisions:     make([]models.Decision, len(r.decisions)),
		StartedAt:     r.startedAt,
	}
	for i, d := range r.decisions {
		st.Decisions[i] = *d
	}
	if m != nil {
		st.Progress = m.PercentComplete
		st.Phase = m.Phase
	}
	if !r.finishedAt.IsZero() {
		ft := r.finishedAt
		st.FinishedAt = &ft
	}
	return st
}

// Events carry copies so subscribers never share memory with the loop.
func copyIssue(is *models.Issue) *models.Issue {
	cp := *is
	return &cp
}

func copyDecision(d *models.Decision) *models.Decision {
	cp := *d
	cp.Alternatives = slices.Clone(d.Alternatives)
	return &cp
}
