package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/internal/workers"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

func testPolicy() *policy.Config {
	p := policy.Default()
	p.Loop.TickInterval = 5 * time.Millisecond
	p.Loop.StuckSweepInterval = 20 * time.Millisecond
	p.Loop.StuckAfter = time.Hour
	p.Loop.CancelGrace = 0
	p.Concurrency.MaxConcurrent = 2
	p.Concurrency.BackendTimeout = 2 * time.Second
	p.Recovery.SkipBackoff = 10 * time.Millisecond
	return p
}

func newTestEngine(t *testing.T, backend llm.Backend, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithPolicy(testPolicy()),
		WithTelemetry(MustNewTelemetry(prometheus.NewRegistry())),
	}
	e, err := New(backend, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

func wait(t *testing.T, e *Engine, runID string) *Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := e.Wait(ctx, runID)
	if err != nil {
		t.Fatalf("run %s did not finish: %v (state %s, tasks %v)", runID, err, st.State, st.PerTaskStatus)
	}
	return st
}

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: id, Priority: 5, Complexity: 3, DependsOn: deps, EstimatedDuration: time.Minute}
}

func findTask(st *Status, id string) *models.Task {
	for _, t := range st.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// collector drains a subscription so the emitter never drops.
type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func collect(ch <-chan Event) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for ev := range ch {
			c.mu.Lock()
			c.events = append(c.events, ev)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func (c *collector) count(typ EventType, taskID string) int {
	n := 0
	for _, ev := range c.snapshot() {
		if ev.Type == typ && (taskID == "" || ev.TaskID == taskID) {
			n++
		}
	}
	return n
}

// index returns the position of the first matching event, or -1.
func (c *collector) index(typ EventType, taskID string) int {
	for i, ev := range c.snapshot() {
		if ev.Type == typ && ev.TaskID == taskID {
			return i
		}
	}
	return -1
}

func (c *collector) waitFor(t *testing.T, typ EventType, taskID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if c.count(typ, taskID) > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s on %q", typ, taskID)
}

// memJournal records journal calls.
type memJournal struct {
	mu        sync.Mutex
	runs      map[string]string
	issues    []*models.Issue
	decisions map[string]*models.Decision
}

func newMemJournal() *memJournal {
	return &memJournal{runs: map[string]string{}, decisions: map[string]*models.Decision{}}
}

func (j *memJournal) RecordRun(_ context.Context, runID string, _ time.Time, _ int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[runID] = string(RunRunning)
	return nil
}

func (j *memJournal) RecordIssue(_ context.Context, _ string, is *models.Issue) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *is
	j.issues = append(j.issues, &cp)
	return nil
}

func (j *memJournal) RecordDecision(_ context.Context, d *models.Decision) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := *d
	j.decisions[d.ID] = &cp
	return nil
}

func (j *memJournal) UpdateOutcome(_ context.Context, id, outcome string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if d, ok := j.decisions[id]; ok {
		d.Outcome = outcome
	}
	return nil
}

func (j *memJournal) FinishRun(_ context.Context, runID, state string, _ time.Time, _ *progress.Metrics) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.runs[runID] = state
	return nil
}

// errorFieldBackend answers execution prompts with a backend error field
// and delegates recovery prompts.
type errorFieldBackend struct {
	inner *llm.MockBackend
	msg   string
}

func (b *errorFieldBackend) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	if strings.Contains(prompt, "## Reply Format") {
		return &llm.Response{Error: b.msg}, nil
	}
	return b.inner.Generate(ctx, prompt, opts)
}

// gateBackend holds execution calls until released.
type gateBackend struct {
	started chan string
	release chan struct{}
	inner   *llm.MockBackend
}

func newGateBackend() *gateBackend {
	return &gateBackend{started: make(chan string, 16), release: make(chan struct{}), inner: llm.NewMockBackend()}
}

func (b *gateBackend) Generate(ctx context.Context, prompt string, opts llm.Options) (*llm.Response, error) {
	if strings.Contains(prompt, "## Reply Format") {
		b.started <- prompt
		select {
		case <-b.release:
		case <-ctx.Done():
			return nil, llm.Classify(ctx.Err())
		}
	}
	return b.inner.Generate(ctx, prompt, opts)
}

func TestNewRequiresBackend(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil backend")
	}
}

func TestSubmitGraphRejectsCycle(t *testing.T) {
	e := newTestEngine(t, llm.NewMockBackend())
	_, err := e.SubmitGraph([]*models.Task{task("a"), task("b")}, []models.Edge{
		{TaskID: "a", DependsOn: "b"},
		{TaskID: "b", DependsOn: "a"},
	})
	if !errors.Is(err, graph.ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if len(e.Runs()) != 0 {
		t.Error("a rejected graph must not create a run")
	}
}

func TestUnknownRun(t *testing.T) {
	e := newTestEngine(t, llm.NewMockBackend())
	if _, err := e.Status("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Status: expected ErrRunNotFound, got %v", err)
	}
	if err := e.Pause("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Pause: expected ErrRunNotFound, got %v", err)
	}
	if err := e.Cancel("nope"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Cancel: expected ErrRunNotFound, got %v", err)
	}
}

// t2 becomes ready as soon as t1 completes.
func TestRunCompletesDependencyChain(t *testing.T) {
	e := newTestEngine(t, llm.NewMockBackend())
	ch, unsub := e.Subscribe("")
	defer unsub()
	events := collect(ch)

	id, err := e.SubmitGraph([]*models.Task{task("t1"), task("t2", "t1")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	if st.State != RunCompleted {
		t.Fatalf("expected completed, got %s", st.State)
	}
	if st.PerTaskStatus["t1"] != models.TaskStatusCompleted || st.PerTaskStatus["t2"] != models.TaskStatusCompleted {
		t.Errorf("unexpected task statuses %v", st.PerTaskStatus)
	}
	if st.Progress != 100 || st.Phase != progress.PhaseCompleted {
		t.Errorf("expected 100%% %q, got %v %q", progress.PhaseCompleted, st.Progress, st.Phase)
	}
	if st.Metrics.TokensUsed == 0 {
		t.Error("expected token usage to be accounted")
	}

	events.waitFor(t, EventRunCompleted, "")
	done := events.index(EventTaskCompleted, "t1")
	ready := -1
	for i, ev := range events.snapshot() {
		if i > done && ev.Type == EventTaskReady && ev.TaskID == "t2" {
			ready = i
			break
		}
	}
	if done < 0 || ready < 0 {
		t.Errorf("expected task_ready for t2 after t1 completed (completed at %d, ready at %d)", done, ready)
	}
	if events.count(EventProgress, "") == 0 {
		t.Error("expected progress events")
	}
}

// A backend error field fails the attempt with one execution_failure
// issue, and a Decision exists afterwards.
func TestBackendTimeoutFieldRecordsIssueAndDecision(t *testing.T) {
	mock := llm.NewMockBackend().
		On("## Recovery Decision", llm.Reply{Content: `{"choice": "escalate_to_human", "confidence": 70, "reasoning": "backend keeps timing out"}`})
	j := newMemJournal()
	e := newTestEngine(t, &errorFieldBackend{inner: mock, msg: "timeout"}, WithJournal(j))

	id, err := e.SubmitGraph([]*models.Task{task("t1")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)

	if st.State != RunFailed {
		t.Errorf("expected failed run, got %s", st.State)
	}
	t1 := findTask(st, "t1")
	if t1.Status != models.TaskStatusFailed {
		t.Fatalf("expected t1 failed, got %s", t1.Status)
	}
	if len(t1.Issues) != 1 || t1.Issues[0].Category != models.IssueExecutionFailure {
		t.Fatalf("expected one execution_failure issue, got %+v", t1.Issues)
	}
	if t1.Issues[0].Severity != models.SeverityMedium {
		t.Errorf("timeout should be medium severity, got %s", t1.Issues[0].Severity)
	}
	if len(st.Decisions) != 1 {
		t.Fatalf("expected one decision, got %d", len(st.Decisions))
	}
	d := st.Decisions[0]
	if d.TaskID != "t1" || d.Chosen != models.StrategyEscalate || d.Outcome != models.OutcomeFailed {
		t.Errorf("unexpected decision %+v", d)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.issues) != 1 || len(j.decisions) != 1 {
		t.Errorf("expected journaled issue and decision, got %d / %d", len(j.issues), len(j.decisions))
	}
	if j.runs[id] != string(RunFailed) {
		t.Errorf("journal run state %q", j.runs[id])
	}
}

func TestRetryOnDifferentWorkerSucceeds(t *testing.T) {
	mock := llm.NewMockBackend().
		On("Title: flaky",
			llm.Reply{Content: `{"success": false, "error": "compile error"}`},
			llm.Reply{Content: `{"success": true, "output": "fixed", "quality": 90}`})
	j := newMemJournal()
	e := newTestEngine(t, mock, WithJournal(j))

	id, err := e.SubmitGraph([]*models.Task{task("flaky")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	if st.State != RunCompleted {
		t.Fatalf("expected completed, got %s", st.State)
	}
	flaky := findTask(st, "flaky")
	if flaky.Attempts != 2 || flaky.RecoveryAttempts != 1 {
		t.Errorf("expected 2 attempts and 1 recovery, got %d / %d", flaky.Attempts, flaky.RecoveryAttempts)
	}
	if len(st.Decisions) != 1 || st.Decisions[0].Chosen != models.StrategyRetryDifferentAgent {
		t.Fatalf("expected one retry decision, got %+v", st.Decisions)
	}
	if st.Decisions[0].Outcome != models.OutcomeSucceeded {
		t.Errorf("retry decision outcome %q, want succeeded", st.Decisions[0].Outcome)
	}
	if st.Metrics.QualityScore != 100 || st.Metrics.AutonomyLevel != 100 {
		t.Errorf("unexpected metrics %+v", st.Metrics)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if got := j.decisions[st.Decisions[0].ID].Outcome; got != models.OutcomeSucceeded {
		t.Errorf("journaled outcome %q", got)
	}
}

// Permanent failure blocks dependents eagerly; this is stricter than
// leaving them pending forever.
func TestEscalationBlocksDependents(t *testing.T) {
	mock := llm.NewMockBackend().
		On("Title: t1", llm.Reply{Content: `{"success": false, "error": "schema mismatch"}`}).
		On("## Recovery Decision", llm.Reply{Content: `{"choice": "escalate_to_human", "confidence": 90}`})
	e := newTestEngine(t, mock)
	ch, unsub := e.Subscribe("")
	defer unsub()
	events := collect(ch)

	id, err := e.SubmitGraph([]*models.Task{task("t1"), task("t2", "t1"), task("t3", "t2")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)

	if st.State != RunFailed {
		t.Errorf("expected failed run, got %s", st.State)
	}
	if st.PerTaskStatus["t2"] != models.TaskStatusBlocked || st.PerTaskStatus["t3"] != models.TaskStatusBlocked {
		t.Errorf("expected dependents blocked, got %v", st.PerTaskStatus)
	}
	if !graph.IsDependencyFailure(findTask(st, "t2").BlockedReason) {
		t.Errorf("unexpected blocked reason %q", findTask(st, "t2").BlockedReason)
	}
	if st.Metrics.Escalations != 1 || st.Metrics.AutonomyLevel != 0 {
		t.Errorf("expected one escalation and zero autonomy, got %+v", st.Metrics)
	}
	events.waitFor(t, EventRunCompleted, "")
	if events.count(EventEscalation, "t1") != 1 || events.count(EventTaskBlocked, "t3") != 1 {
		t.Error("expected escalation and blocked events")
	}
}

// A task that keeps failing uses its recovery budget and then escalates;
// it never runs again in this run.
func TestRecoveryBudgetExhausted(t *testing.T) {
	mock := llm.NewMockBackend().
		On("Title: doomed", llm.Reply{Content: `{"success": false, "error": "still broken"}`})
	e := newTestEngine(t, mock)

	id, err := e.SubmitGraph([]*models.Task{task("doomed")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)

	doomed := findTask(st, "doomed")
	if doomed.Status != models.TaskStatusFailed || !doomed.Escalated {
		t.Fatalf("expected escalated failure, got %s escalated=%v", doomed.Status, doomed.Escalated)
	}
	if doomed.Attempts != 4 {
		t.Errorf("expected 4 attempts (1 + 3 retries), got %d", doomed.Attempts)
	}
	if len(st.Decisions) != 4 {
		t.Fatalf("expected 4 decisions, got %d", len(st.Decisions))
	}
	last := st.Decisions[3]
	if last.Chosen != models.StrategyEscalate || last.Confidence != 100 || last.Reversible {
		t.Errorf("unexpected exhaustion decision %+v", last)
	}
	for _, d := range st.Decisions[:3] {
		if d.Outcome != models.OutcomeFailed {
			t.Errorf("retry decision %s outcome %q, want failed", d.ID, d.Outcome)
		}
	}
	if got := mock.CallCount("Title: doomed"); got != 4 {
		t.Errorf("expected 4 execution calls, got %d", got)
	}
}

func TestDecomposeCompletesParent(t *testing.T) {
	mock := llm.NewMockBackend().
		On("Title: big\n", llm.Reply{Content: `{"success": false, "error": "too large"}`}).
		On("## Recovery Decision", llm.Reply{Content: `{"choice": "decompose_task", "confidence": 80,
			"subtasks": [{"title": "part one", "complexity": 2}, {"title": "part two", "complexity": 2}]}`})
	e := newTestEngine(t, mock)

	id, err := e.SubmitGraph([]*models.Task{task("big"), task("after", "big")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	if st.State != RunCompleted {
		t.Fatalf("expected completed, got %s (%v)", st.State, st.PerTaskStatus)
	}
	if len(st.Tasks) != 4 {
		t.Fatalf("expected 4 tasks after decomposition, got %d", len(st.Tasks))
	}
	big := findTask(st, "big")
	if big.Status != models.TaskStatusCompleted || big.Note == "" {
		t.Errorf("expected parent completed with a note, got %s %q", big.Status, big.Note)
	}
	if findTask(st, "big.1").ParentID != "big" {
		t.Error("sub-task should reference its parent")
	}
	if st.Decisions[0].Outcome != models.OutcomeSucceeded {
		t.Errorf("decompose outcome %q, want succeeded", st.Decisions[0].Outcome)
	}
}

func TestSkipTemporarilyReleasesTask(t *testing.T) {
	mock := llm.NewMockBackend().
		On("Title: later",
			llm.Reply{Content: `{"success": false, "error": "rate limited"}`},
			llm.Reply{Content: `{"success": true, "quality": 75}`}).
		On("## Recovery Decision", llm.Reply{Content: `{"choice": "skip_temporarily", "confidence": 60}`})
	e := newTestEngine(t, mock)
	ch, unsub := e.Subscribe("")
	defer unsub()
	events := collect(ch)

	id, err := e.SubmitGraph([]*models.Task{task("later")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	if st.State != RunCompleted {
		t.Fatalf("expected completed, got %s", st.State)
	}
	events.waitFor(t, EventRunCompleted, "")
	if events.count(EventTaskUnblocked, "later") != 1 {
		t.Error("expected the skipped task to be unblocked after the backoff")
	}
}

func TestLessonRecordedEvent(t *testing.T) {
	mock := llm.NewMockBackend().
		On("Title: t1", llm.Reply{Content: `{"success": false, "error": "missing env var"}`}).
		On("## Lesson Review", llm.Reply{Content: `{"should_commit": true, "lesson": "export DATABASE_URL before migrations"}`}).
		On("## Recovery Decision", llm.Reply{Content: `{"choice": "escalate_to_human"}`})
	store := knowledge.NewMemoryStore()
	e := newTestEngine(t, mock, WithKnowledgeStore(store))
	ch, unsub := e.Subscribe("")
	defer unsub()
	events := collect(ch)

	id, err := e.SubmitGraph([]*models.Task{task("t1")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	if store.Appends() != 1 {
		t.Fatalf("expected one lesson appended, got %d", store.Appends())
	}
	if !findTask(st, "t1").Issues[0].DurableLesson {
		t.Error("issue should be flagged as a durable lesson")
	}
	events.waitFor(t, EventLessonRecorded, "t1")
}

func TestPauseAndResume(t *testing.T) {
	b := newGateBackend()
	p := testPolicy()
	p.Concurrency.MaxConcurrent = 1
	e := newTestEngine(t, b, WithPolicy(p))

	id, err := e.SubmitGraph([]*models.Task{task("a"), task("b")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-b.started
	if err := e.Pause(id); err != nil {
		t.Fatal(err)
	}
	if err := e.Pause(id); !errors.Is(err, ErrInvalidRunState) {
		t.Errorf("second pause: expected ErrInvalidRunState, got %v", err)
	}
	b.release <- struct{}{}

	// The in-flight call finishes but nothing new starts.
	deadline := time.Now().Add(2 * time.Second)
	for {
		st, _ := e.Status(id)
		if st.PerTaskStatus["a"] == models.TaskStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("in-flight task did not finish while paused")
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(30 * time.Millisecond)
	st, _ := e.Status(id)
	if st.State != RunPaused || st.PerTaskStatus["b"] != models.TaskStatusPending {
		t.Fatalf("expected paused run with b pending, got %s %v", st.State, st.PerTaskStatus)
	}

	if err := e.Resume(id); err != nil {
		t.Fatal(err)
	}
	<-b.started
	b.release <- struct{}{}
	if st := wait(t, e, id); st.State != RunCompleted {
		t.Errorf("expected completed after resume, got %s", st.State)
	}
}

func TestCancelReturnsInflightTaskToPending(t *testing.T) {
	b := newGateBackend()
	e := newTestEngine(t, b)
	ch, unsub := e.Subscribe("")
	defer unsub()
	events := collect(ch)

	id, err := e.SubmitGraph([]*models.Task{task("a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-b.started
	if err := e.Cancel(id); err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	if st.State != RunCancelled {
		t.Fatalf("expected cancelled, got %s", st.State)
	}
	if st.PerTaskStatus["a"] != models.TaskStatusPending {
		t.Errorf("expected a back to pending, got %s", st.PerTaskStatus["a"])
	}
	if len(st.Decisions) != 0 {
		t.Error("a cancelled attempt must not trigger recovery")
	}
	for _, w := range e.Workers() {
		if w.Load() != 0 {
			t.Errorf("worker %s still holds %v", w.ID, w.CurrentTasks)
		}
	}
	if err := e.Cancel(id); err != nil {
		t.Errorf("cancelling a finished run should be a no-op, got %v", err)
	}
	events.waitFor(t, EventRunCancelled, "")
}

func TestCancelGraceLetsCallFinish(t *testing.T) {
	b := newGateBackend()
	p := testPolicy()
	p.Loop.CancelGrace = 5 * time.Second
	e := newTestEngine(t, b, WithPolicy(p))

	id, err := e.SubmitGraph([]*models.Task{task("a"), task("b", "a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	<-b.started
	if err := e.Cancel(id); err != nil {
		t.Fatal(err)
	}
	b.release <- struct{}{}
	st := wait(t, e, id)
	if st.State != RunCancelled {
		t.Fatalf("expected cancelled, got %s", st.State)
	}
	if st.PerTaskStatus["a"] != models.TaskStatusCompleted || st.PerTaskStatus["b"] != models.TaskStatusPending {
		t.Errorf("expected a completed and b never dispatched, got %v", st.PerTaskStatus)
	}
}

func TestStuckSweepRoutesCallAsTimeout(t *testing.T) {
	b := newGateBackend()
	b.inner.On("## Recovery Decision", llm.Reply{Content: `{"choice": "escalate_to_human"}`})
	p := testPolicy()
	p.Loop.StuckAfter = 10 * time.Millisecond
	p.Loop.StuckSweepInterval = 5 * time.Millisecond
	e := newTestEngine(t, b, WithPolicy(p))

	id, err := e.SubmitGraph([]*models.Task{task("slow")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	st := wait(t, e, id)
	slow := findTask(st, "slow")
	if slow.Status != models.TaskStatusFailed || len(slow.Issues) == 0 {
		t.Fatalf("expected failed with an issue, got %s %+v", slow.Status, slow.Issues)
	}
	if !strings.Contains(slow.Issues[0].Description, "timed out") && !strings.Contains(slow.Issues[0].Description, "timeout") {
		t.Errorf("expected a timeout issue, got %q", slow.Issues[0].Description)
	}
}

func TestStalledRunResumesAfterWorkerReset(t *testing.T) {
	reg := workers.NewRegistry(workers.Config{MaxWorkers: 1})
	if err := reg.Register(&models.Worker{ID: "solo", Kind: models.WorkerPrimary, Specializations: []string{"fullstack"}}); err != nil {
		t.Fatal(err)
	}
	if err := reg.MarkError("solo", "crashed earlier"); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, llm.NewMockBackend(), WithRegistry(reg))
	ch, unsub := e.Subscribe("")
	defer unsub()
	events := collect(ch)

	id, err := e.SubmitGraph([]*models.Task{task("a")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	events.waitFor(t, EventRunStalled, "")
	if st, _ := e.Status(id); st.State != RunStalled {
		t.Fatalf("expected stalled, got %s", st.State)
	}

	if err := e.ResetWorker("solo"); err != nil {
		t.Fatal(err)
	}
	if st := wait(t, e, id); st.State != RunCompleted {
		t.Errorf("expected completed after reset, got %s", st.State)
	}
}

func TestSubscribeFiltersByRun(t *testing.T) {
	e := newTestEngine(t, llm.NewMockBackend())
	id1, err := e.SubmitGraph([]*models.Task{task("x")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	wait(t, e, id1)

	ch, unsub := e.Subscribe("other")
	events := collect(ch)
	id2, err := e.SubmitGraph([]*models.Task{task("y")}, nil)
	if err != nil {
		t.Fatal(err)
	}
	wait(t, e, id2)
	unsub()
	<-events.done
	if n := len(events.snapshot()); n != 0 {
		t.Errorf("subscriber for another run received %d events", n)
	}
}
