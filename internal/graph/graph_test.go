package graph

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

func task(id string, deps ...string) *models.Task {
	return &models.Task{ID: id, Title: "Task " + id, Priority: 5, DependsOn: deps}
}

func ids(tasks []*models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

// complete drives a task through the normal lifecycle.
func complete(t *testing.T, s *Store, id string) []string {
	t.Helper()
	if err := s.Assign(id, "w1"); err != nil {
		t.Fatalf("assign %s: %v", id, err)
	}
	if err := s.Start(id); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	ready, err := s.Complete(id, "", nil)
	if err != nil {
		t.Fatalf("complete %s: %v", id, err)
	}
	return ready
}

func fail(t *testing.T, s *Store, id string) {
	t.Helper()
	if err := s.Assign(id, "w1"); err != nil {
		t.Fatalf("assign %s: %v", id, err)
	}
	if err := s.Start(id); err != nil {
		t.Fatalf("start %s: %v", id, err)
	}
	if err := s.Fail(id, &models.Issue{ID: "i-" + id, Description: "boom"}); err != nil {
		t.Fatalf("fail %s: %v", id, err)
	}
}

func TestNew(t *testing.T) {
	s := New()
	if s == nil {
		t.Fatal("expected non-nil store")
	}
	if s.Size() != 0 {
		t.Errorf("expected empty store, got size %d", s.Size())
	}
}

func TestBuildWithDependencies(t *testing.T) {
	s := New()
	err := s.Build([]*models.Task{
		task("t3", "t1", "t2"),
		task("t1"),
		task("t2", "t1"),
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deps := s.Dependencies("t3"); len(deps) != 2 {
		t.Errorf("expected 2 dependencies for t3, got %d", len(deps))
	}
	if dependents := s.Dependents("t1"); len(dependents) != 2 {
		t.Errorf("expected 2 dependents of t1, got %d", len(dependents))
	}
	st, _ := s.Status("t1")
	if st != models.TaskStatusPending {
		t.Errorf("expected default status pending, got %s", st)
	}
}

func TestBuildUnknownDependency(t *testing.T) {
	s := New()
	err := s.Build([]*models.Task{task("t1", "missing")}, nil)
	if !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
	if s.Size() != 0 {
		t.Errorf("expected nothing added, got %d tasks", s.Size())
	}
}

func TestBuildRejectsCycleAndAddsNothing(t *testing.T) {
	tests := []struct {
		name  string
		tasks []*models.Task
		edges []models.Edge
	}{
		{
			name:  "self dependency",
			tasks: []*models.Task{task("a", "a")},
		},
		{
			name:  "two node cycle via DependsOn",
			tasks: []*models.Task{task("a", "b"), task("b", "a")},
		},
		{
			name:  "three node cycle via edges",
			tasks: []*models.Task{task("a"), task("b"), task("c")},
			edges: []models.Edge{{TaskID: "b", DependsOn: "a"}, {TaskID: "c", DependsOn: "b"}, {TaskID: "a", DependsOn: "c"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			err := s.Build(tt.tasks, tt.edges)
			if !errors.Is(err, ErrCyclicDependency) {
				t.Fatalf("expected ErrCyclicDependency, got %v", err)
			}
			if s.Size() != 0 {
				t.Errorf("expected nothing added, got %d tasks", s.Size())
			}
		})
	}
}

func TestBuildDuplicateAcrossBatches(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Build([]*models.Task{task("b"), task("a")}, nil); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	if s.Size() != 1 {
		t.Errorf("expected second batch rejected whole, got %d tasks", s.Size())
	}
}

func TestAddDependencyCycle(t *testing.T) {
	s := New()
	for _, tk := range []*models.Task{task("a"), task("b", "a"), task("c", "b")} {
		if err := s.AddTask(tk); err != nil {
			t.Fatalf("add %s: %v", tk.ID, err)
		}
	}

	if err := s.AddDependency("a", "c"); !errors.Is(err, ErrCyclicDependency) {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if s.HasCycle() {
		t.Error("rejected edge must not be recorded")
	}
	if err := s.AddDependency("c", "a"); err != nil {
		t.Errorf("redundant forward edge should be accepted: %v", err)
	}
	if err := s.AddDependency("c", "a"); err != nil {
		t.Errorf("duplicate edge should be a no-op: %v", err)
	}
	if got := len(s.Dependencies("c")); got != 2 {
		t.Errorf("expected 2 deps for c, got %d", got)
	}
}

func TestAddTaskUnknownDependency(t *testing.T) {
	s := New()
	if err := s.AddTask(task("b", "a")); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestReadyTasksOrdering(t *testing.T) {
	s := New()
	tasks := []*models.Task{
		{ID: "low", Title: "low", Priority: 2, EstimatedDuration: time.Minute},
		{ID: "high-long", Title: "high long", Priority: 9, EstimatedDuration: time.Hour},
		{ID: "high-short", Title: "high short", Priority: 9, EstimatedDuration: time.Minute},
		{ID: "high-short-2", Title: "high short 2", Priority: 9, EstimatedDuration: time.Minute},
		{ID: "mid", Title: "mid", Priority: 5, EstimatedDuration: 0},
	}
	if err := s.Build(tasks, nil); err != nil {
		t.Fatal(err)
	}

	want := []string{"high-short", "high-short-2", "high-long", "mid", "low"}
	if got := ids(s.ReadyTasks()); !reflect.DeepEqual(got, want) {
		t.Errorf("ready order = %v, want %v", got, want)
	}
}

func TestReadinessMatchesDefinition(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{
		task("a"), task("b", "a"), task("c", "a", "b"), task("d"),
	}, nil); err != nil {
		t.Fatal(err)
	}
	complete(t, s, "a")
	if err := s.Assign("d", "w1"); err != nil {
		t.Fatal(err)
	}

	ready := make(map[string]bool)
	for _, tk := range s.ReadyTasks() {
		ready[tk.ID] = true
	}
	for _, tk := range s.Tasks() {
		want := tk.Status == models.TaskStatusPending
		for _, dep := range s.Dependencies(tk.ID) {
			st, _ := s.Status(dep)
			want = want && st == models.TaskStatusCompleted
		}
		if ready[tk.ID] != want {
			t.Errorf("task %s: ready=%v, want %v", tk.ID, ready[tk.ID], want)
		}
	}
}

func TestCompletionMakesDependentReady(t *testing.T) {
	// T1 completes; T2 (dep T1) is in the very next ReadyTasks call.
	s := New()
	if err := s.Build([]*models.Task{task("T1"), task("T2", "T1")}, nil); err != nil {
		t.Fatal(err)
	}
	if got := ids(s.ReadyTasks()); !reflect.DeepEqual(got, []string{"T1"}) {
		t.Fatalf("expected only T1 ready, got %v", got)
	}

	newly := complete(t, s, "T1")
	if !reflect.DeepEqual(newly, []string{"T2"}) {
		t.Errorf("expected T2 reported newly ready, got %v", newly)
	}
	if got := ids(s.ReadyTasks()); !reflect.DeepEqual(got, []string{"T2"}) {
		t.Errorf("expected T2 ready, got %v", got)
	}
}

func TestAssignedTaskNeverReady(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign("a", "w1"); err != nil {
		t.Fatal(err)
	}
	if len(s.ReadyTasks()) != 0 {
		t.Error("assigned task must not be ready")
	}
	if err := s.Assign("a", "w2"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second assignment should fail, got %v", err)
	}
	tk, _ := s.Task("a")
	if tk.AssignedWorker != "w1" {
		t.Errorf("expected worker w1, got %q", tk.AssignedWorker)
	}
}

func TestAssignRequiresCompletedDependencies(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a"), task("b", "a")}, nil); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign("b", "w1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestAssignedWorkerClearedWhenInactive(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	fail(t, s, "a")
	tk, _ := s.Task("a")
	if tk.AssignedWorker != "" {
		t.Errorf("failed task should have no worker, got %q", tk.AssignedWorker)
	}
	if tk.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", tk.Attempts)
	}
	if len(tk.Issues) != 1 || tk.Error != "boom" {
		t.Errorf("expected issue attached, got %+v", tk.Issues)
	}
}

func TestCompletedTaskIsImmutable(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	complete(t, s, "a")

	for _, st := range []models.TaskStatus{models.TaskStatusPending, models.TaskStatusFailed, models.TaskStatusBlocked} {
		if err := s.SetStatus("a", st); !errors.Is(err, ErrTerminal) {
			t.Errorf("SetStatus(%s) on completed task: expected ErrTerminal, got %v", st, err)
		}
	}
	if err := s.Update("a", func(tk *models.Task) { tk.Title = "changed" }); !errors.Is(err, ErrTerminal) {
		t.Errorf("Update on completed task: expected ErrTerminal, got %v", err)
	}
	tk, _ := s.Task("a")
	if tk.Title != "Task a" {
		t.Errorf("completed task title changed to %q", tk.Title)
	}
}

func TestUpdateCannotChangeStatus(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	err := s.Update("a", func(tk *models.Task) {
		tk.Description = "new"
		tk.Status = models.TaskStatusCompleted
	})
	if err != nil {
		t.Fatal(err)
	}
	tk, _ := s.Task("a")
	if tk.Status != models.TaskStatusPending || tk.Description != "new" {
		t.Errorf("got status=%s description=%q", tk.Status, tk.Description)
	}
}

// Blocking dependents of a permanently failed task is a deliberate
// strengthening: without it those tasks would stay pending forever.
func TestBlockDependentsTransitively(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{
		task("a"), task("b", "a"), task("c", "b"), task("d"),
	}, nil); err != nil {
		t.Fatal(err)
	}
	fail(t, s, "a")

	blocked := s.BlockDependents("a")
	if !reflect.DeepEqual(blocked, []string{"b", "c"}) {
		t.Errorf("expected b and c blocked, got %v", blocked)
	}
	tk, _ := s.Task("c")
	if tk.Status != models.TaskStatusBlocked || !IsDependencyFailure(tk.BlockedReason) {
		t.Errorf("c: status=%s reason=%q", tk.Status, tk.BlockedReason)
	}
	if tk.BlockedReason != "dependency_failed:a" {
		t.Errorf("expected reason naming root failure, got %q", tk.BlockedReason)
	}
	if st, _ := s.Status("d"); st != models.TaskStatusPending {
		t.Errorf("unrelated task d should stay pending, got %s", st)
	}
	if s.Settled() {
		t.Error("d is still pending so the graph is not settled")
	}
}

func TestSettledWaitsOnPendingWork(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	if s.Settled() {
		t.Error("pending task means not settled")
	}
	complete(t, s, "a")
	if !s.Settled() {
		t.Error("all completed means settled")
	}
}

func TestSkipReleaseDue(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	fail(t, s, "a")

	now := time.Now()
	if err := s.Block("a", ReasonSkipped, now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if !s.HasTemporaryBlocks() {
		t.Error("expected temporary block")
	}
	if got := s.ReleaseDue(now); len(got) != 0 {
		t.Errorf("released too early: %v", got)
	}
	if got := s.ReleaseDue(now.Add(2 * time.Minute)); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("expected a released, got %v", got)
	}
	tk, _ := s.Task("a")
	if tk.Status != models.TaskStatusPending || tk.BlockedReason != "" {
		t.Errorf("status=%s reason=%q", tk.Status, tk.BlockedReason)
	}
}

// A decomposed task is held blocked until every sub-task completes, then
// completes with a note and releases its own dependents.
func TestDecomposeCompletesParent(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("root"), task("big", "root"), task("after", "big")}, nil); err != nil {
		t.Fatal(err)
	}
	complete(t, s, "root")
	fail(t, s, "big")

	subIDs, err := s.Decompose("big", []*models.Task{
		{ID: "big-1", Title: "part one"},
		{ID: "big-2", Title: "part two"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s.Children("big"), subIDs) {
		t.Errorf("children = %v, want %v", s.Children("big"), subIDs)
	}
	if deps := s.Dependencies("big-1"); !reflect.DeepEqual(deps, []string{"root"}) {
		t.Errorf("sub-task should inherit deps, got %v", deps)
	}
	parent, _ := s.Task("big")
	if parent.Status != models.TaskStatusBlocked || parent.BlockedReason != ReasonDecomposed {
		t.Fatalf("parent status=%s reason=%q", parent.Status, parent.BlockedReason)
	}
	if s.Settled() {
		t.Error("graph with a decomposed parent is not settled")
	}

	complete(t, s, "big-1")
	if st, _ := s.Status("big"); st != models.TaskStatusBlocked {
		t.Errorf("parent should wait for all sub-tasks, got %s", st)
	}
	newly := complete(t, s, "big-2")
	parent, _ = s.Task("big")
	if parent.Status != models.TaskStatusCompleted {
		t.Fatalf("parent should complete, got %s", parent.Status)
	}
	if parent.Note != "completed via 2 sub-tasks" {
		t.Errorf("unexpected note %q", parent.Note)
	}
	if !reflect.DeepEqual(newly, []string{"after"}) {
		t.Errorf("expected parent's dependent ready, got %v", newly)
	}
}

func TestDecomposeValidation(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("a")}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Decompose("a", []*models.Task{{ID: "a-1", Title: "x"}, {ID: "a-2", Title: "y"}}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("decomposing a pending task: expected ErrInvalidTransition, got %v", err)
	}
	fail(t, s, "a")
	if _, err := s.Decompose("a", []*models.Task{{ID: "a-1", Title: "x"}}); err == nil {
		t.Error("expected error for a single sub-task")
	}
	if err := s.FailDecomposed("a", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition for non-decomposed task, got %v", err)
	}
}

// A rejected sub-task leaves no part of the decomposition behind.
func TestDecomposeIsAllOrNothing(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []*models.Task
	}{
		{"negative estimate", []*models.Task{
			{ID: "a-1", Title: "first", EstimatedDuration: 10 * time.Minute},
			{ID: "a-2", Title: "second", EstimatedDuration: -5 * time.Minute},
		}},
		{"priority out of range", []*models.Task{
			{ID: "a-1", Title: "first"},
			{ID: "a-2", Title: "second", Priority: 11},
		}},
		{"duplicate within batch", []*models.Task{
			{ID: "a-1", Title: "first"},
			{ID: "a-1", Title: "again"},
		}},
		{"collides with existing task", []*models.Task{
			{ID: "a-1", Title: "first"},
			{ID: "b", Title: "second"},
		}},
		{"nil sub-task", []*models.Task{
			{ID: "a-1", Title: "first"},
			nil,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			if err := s.Build([]*models.Task{task("a"), task("b")}, nil); err != nil {
				t.Fatal(err)
			}
			fail(t, s, "a")

			if _, err := s.Decompose("a", tt.subtasks); err == nil {
				t.Fatal("expected error")
			}
			if s.Size() != 2 {
				t.Errorf("size = %d, want 2", s.Size())
			}
			if _, err := s.Task("a-1"); !errors.Is(err, ErrUnknownTask) {
				t.Errorf("a-1 should not exist, got %v", err)
			}
			if got := ids(s.ReadyTasks()); !reflect.DeepEqual(got, []string{"b"}) {
				t.Errorf("ready = %v, want [b]", got)
			}
			if len(s.Children("a")) != 0 {
				t.Errorf("children recorded: %v", s.Children("a"))
			}
			if st, _ := s.Status("a"); st != models.TaskStatusFailed {
				t.Errorf("parent status = %s, want failed", st)
			}
		})
	}
}

// Sub-tasks that have not started are blocked once their parent fails;
// in-flight ones are left alone.
func TestBlockChildren(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("p")}, nil); err != nil {
		t.Fatal(err)
	}
	fail(t, s, "p")
	if _, err := s.Decompose("p", []*models.Task{
		{ID: "p-1", Title: "running"},
		{ID: "p-2", Title: "waiting"},
		{ID: "p-3", Title: "skipped"},
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.Assign("p-1", "w1"); err != nil {
		t.Fatal(err)
	}
	fail(t, s, "p-3")
	if err := s.Block("p-3", "skipped", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.FailDecomposed("p", "sub-task failed"); err != nil {
		t.Fatal(err)
	}

	blocked := s.BlockChildren("p")
	if !reflect.DeepEqual(blocked, []string{"p-2", "p-3"}) {
		t.Fatalf("blocked = %v, want [p-2 p-3]", blocked)
	}
	for _, id := range blocked {
		sub, _ := s.Task(id)
		if sub.Status != models.TaskStatusBlocked || sub.BlockedReason != "dependency_failed:p" || !sub.BlockedUntil.IsZero() {
			t.Errorf("%s: status=%s reason=%q until=%v", id, sub.Status, sub.BlockedReason, sub.BlockedUntil)
		}
	}
	if st, _ := s.Status("p-1"); st != models.TaskStatusAssigned {
		t.Errorf("in-flight sub-task should be untouched, got %s", st)
	}
	if released := s.ReleaseDue(time.Now().Add(2 * time.Hour)); len(released) != 0 {
		t.Errorf("blocked sub-task released: %v", released)
	}
	if len(s.ReadyTasks()) != 0 {
		t.Errorf("no sub-task should be ready, got %v", ids(s.ReadyTasks()))
	}
}

func TestInsertDefaultsPriorityAndComplexity(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{{ID: "z", Title: "unset"}}, nil); err != nil {
		t.Fatal(err)
	}
	z, _ := s.Task("z")
	if z.Priority != models.DefaultPriority || z.Complexity != models.DefaultComplexity {
		t.Errorf("priority/complexity = %d/%d, want defaults", z.Priority, z.Complexity)
	}

	bad := []*models.Task{
		{ID: "n", Title: "negative", Priority: -1},
		{ID: "h", Title: "high", Complexity: 11},
	}
	for _, b := range bad {
		if err := s.AddTask(b); err == nil {
			t.Errorf("AddTask(%s) accepted an out-of-range value", b.ID)
		}
	}
}

func TestTopologicalSortDeterministic(t *testing.T) {
	s := New()
	if err := s.Build([]*models.Task{task("c", "a"), task("a"), task("b"), task("d", "b", "c")}, nil); err != nil {
		t.Fatal(err)
	}
	order, err := s.TopologicalSort()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"a", "b", "c", "d"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("topological order = %v, want %v", order, want)
	}
}
