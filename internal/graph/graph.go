// Package graph provides the task graph store: tasks, their dependency
// edges, status transitions and readiness queries.
package graph

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

var (
	// ErrCyclicDependency indicates an edge would close a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")
	// ErrUnknownTask indicates a task ID is not in the graph.
	ErrUnknownTask = errors.New("unknown task")
	// ErrDuplicateTask indicates a task ID is already in the graph.
	ErrDuplicateTask = errors.New("duplicate task")
	// ErrInvalidTransition indicates a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal indicates an attempt to mutate a completed task.
	ErrTerminal = errors.New("task is completed")
)

// Blocked reasons recorded on tasks.
const (
	ReasonDecomposed       = "decomposed"
	ReasonSkipped          = "skipped"
	dependencyFailedPrefix = "dependency_failed:"
)

// Store holds tasks and dependency edges. All mutation goes through its
// methods under a single mutex; readers get deep copies.
type Store struct {
	mu sync.RWMutex
	// nodes maps task ID to the task itself.
	nodes map[string]*models.Task
	// seq records insertion order for deterministic tie-breaking.
	seq  map[string]int
	next int
	// edges maps task ID to IDs of tasks it depends on.
	edges map[string][]string
	// dependents maps task ID to IDs of tasks that depend on it.
	dependents map[string][]string
	// children maps a decomposed task to its sub-tasks.
	children map[string][]string

	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// New creates a new empty store.
func New() *Store {
	return &Store{
		nodes:      make(map[string]*models.Task),
		seq:        make(map[string]int),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		children:   make(map[string][]string),
		now:        time.Now,
		debugLog:   func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (s *Store) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		s.debugLog = fn
	}
}

// SetClock overrides the time source.
func (s *Store) SetClock(fn func() time.Time) {
	if fn != nil {
		s.now = fn
	}
}

// Build adds a batch of tasks and edges atomically. Tasks may reference
// each other in any order. If any task is invalid, any dependency is
// unknown, or any edge closes a cycle, nothing is added.
func (s *Store) Build(tasks []*models.Task, edges []models.Edge) error {
	staging := New()
	staging.now = s.now

	for _, task := range tasks {
		if err := staging.insert(task); err != nil {
			return err
		}
	}
	for _, task := range tasks {
		for _, depID := range task.DependsOn {
			if err := staging.link(task.ID, depID); err != nil {
				return err
			}
		}
	}
	for _, e := range edges {
		if err := staging.link(e.TaskID, e.DependsOn); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range staging.nodes {
		if _, exists := s.nodes[id]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, id)
		}
	}
	for _, id := range staging.orderLocked() {
		s.nodes[id] = staging.nodes[id]
		s.seq[id] = s.next
		s.next++
		s.edges[id] = staging.edges[id]
	}
	for id, deps := range staging.dependents {
		s.dependents[id] = append(s.dependents[id], deps...)
	}

	s.debugLog("[graph.Build] added %d tasks, %d explicit edges", len(tasks), len(edges))
	return nil
}

// AddTask adds a single task. Its DependsOn entries must already exist.
func (s *Store) AddTask(task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, depID := range task.DependsOn {
		if _, ok := s.nodes[depID]; !ok {
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownTask, task.ID, depID)
		}
	}
	if err := s.insert(task); err != nil {
		return err
	}
	for _, depID := range task.DependsOn {
		if err := s.link(task.ID, depID); err != nil {
			return err
		}
	}
	return nil
}

// AddDependency records that taskID cannot start until dependsOn completes.
// It fails with ErrCyclicDependency if dependsOn already (transitively)
// depends on taskID.
func (s *Store) AddDependency(taskID, dependsOn string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link(taskID, dependsOn)
}

// prepare returns the copy of task the store would hold: defaults
// applied, status set and static attributes validated.
func (s *Store) prepare(task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("nil task")
	}
	t := task.Clone()
	t.DependsOn = nil
	t.ApplyDefaults()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if t.Status == "" {
		t.Status = models.TaskStatusPending
	}
	if !t.Status.Valid() {
		return nil, fmt.Errorf("task %s has unknown status %q", t.ID, t.Status)
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if !t.Status.Active() {
		t.AssignedWorker = ""
	}
	return t, nil
}

// insert registers a copy of the task. Caller holds the lock or owns the store.
func (s *Store) insert(task *models.Task) error {
	t, err := s.prepare(task)
	if err != nil {
		return err
	}
	if _, exists := s.nodes[t.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	s.add(t)
	return nil
}

// add stores a prepared task. Caller holds the lock or owns the store.
func (s *Store) add(t *models.Task) {
	s.nodes[t.ID] = t
	s.seq[t.ID] = s.next
	s.next++
	s.edges[t.ID] = nil
}

// link adds a dependency edge. Caller holds the lock or owns the store.
func (s *Store) link(taskID, dependsOn string) error {
	task, ok := s.nodes[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if _, ok := s.nodes[dependsOn]; !ok {
		return fmt.Errorf("%w: task %s depends on %s", ErrUnknownTask, taskID, dependsOn)
	}
	if slices.Contains(s.edges[taskID], dependsOn) {
		return nil
	}
	if taskID == dependsOn || s.reachesLocked(dependsOn, taskID) {
		return fmt.Errorf("%w: %s -> %s", ErrCyclicDependency, taskID, dependsOn)
	}

	s.edges[taskID] = append(s.edges[taskID], dependsOn)
	s.dependents[dependsOn] = append(s.dependents[dependsOn], taskID)
	task.DependsOn = append(task.DependsOn, dependsOn)
	s.debugLog("[graph.link] %s now depends on %s", taskID, dependsOn)
	return nil
}

// reachesLocked reports whether from transitively depends on target.
func (s *Store) reachesLocked(from, target string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == target {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, s.edges[id]...)
	}
	return false
}

// HasCycle returns true if the graph contains a circular dependency.
// Uses depth-first search with coloring to detect back edges.
func (s *Store) HasCycle() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(s.nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, depID := range s.edges[id] {
			switch colors[depID] {
			case 1:
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}

	for _, id := range s.orderLocked() {
		if colors[id] == 0 && visit(id) {
			return true
		}
	}
	return false
}

// TopologicalSort returns task IDs so that dependencies come before the
// tasks that depend on them. Ties follow insertion order.
func (s *Store) TopologicalSort() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topoLocked()
}

func (s *Store) topoLocked() ([]string, error) {
	inDegree := make(map[string]int, len(s.nodes))
	for id := range s.nodes {
		inDegree[id] = len(s.edges[id])
	}

	var queue []string
	for _, id := range s.orderLocked() {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(s.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		var newReady []string
		for _, succ := range s.dependents[node] {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				newReady = append(newReady, succ)
			}
		}
		s.sortBySeq(newReady)
		queue = append(queue, newReady...)
	}

	if len(order) != len(s.nodes) {
		return nil, fmt.Errorf("%w: %d of %d tasks sorted", ErrCyclicDependency, len(order), len(s.nodes))
	}
	return order, nil
}

// ReadyTasks returns every pending task whose dependencies are all
// completed, ordered by priority (high first), then estimated duration
// (short first), then insertion order.
func (s *Store) ReadyTasks() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []*models.Task
	for id, task := range s.nodes {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if s.depsCompleteLocked(id) {
			ready = append(ready, task)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		a, b := ready[i], ready[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.EstimatedDuration != b.EstimatedDuration {
			return a.EstimatedDuration < b.EstimatedDuration
		}
		return s.seq[a.ID] < s.seq[b.ID]
	})

	out := make([]*models.Task, len(ready))
	for i, t := range ready {
		out[i] = t.Clone()
	}
	s.debugLog("[graph.ReadyTasks] %d ready", len(out))
	return out
}

func (s *Store) depsCompleteLocked(id string) bool {
	for _, depID := range s.edges[id] {
		if dep := s.nodes[depID]; dep == nil || dep.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Status returns the status of a task.
func (s *Store) Status(taskID string) (models.TaskStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.nodes[taskID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return task.Status, nil
}

// Task returns a copy of a task.
func (s *Store) Task(taskID string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.nodes[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return task.Clone(), nil
}

// Tasks returns copies of all tasks in insertion order.
func (s *Store) Tasks() []*models.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.orderLocked()
	out := make([]*models.Task, len(ids))
	for i, id := range ids {
		out[i] = s.nodes[id].Clone()
	}
	return out
}

// Size returns the number of tasks in the graph.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Counts returns the number of tasks in each status.
func (s *Store) Counts() map[models.TaskStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.TaskStatus]int)
	for _, t := range s.nodes {
		counts[t.Status]++
	}
	return counts
}

// Dependencies returns the IDs of tasks that the given task depends on.
func (s *Store) Dependencies(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.edges[taskID])
}

// Dependents returns the IDs of tasks that depend on the given task.
func (s *Store) Dependents(taskID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.dependents[taskID])
}

// SetStatus moves a task to a new status, enforcing the lifecycle table.
// Leaving an active status clears the assigned worker. Completing a task
// through SetStatus re-evaluates its dependents like Complete does.
func (s *Store) SetStatus(taskID string, status models.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transitionLocked(taskID, status)
	if err != nil {
		return err
	}
	if status == models.TaskStatusCompleted {
		s.onCompletedLocked(task)
	}
	return nil
}

func (s *Store) transitionLocked(taskID string, status models.TaskStatus) (*models.Task, error) {
	task, ok := s.nodes[taskID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status == models.TaskStatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, taskID)
	}
	if !models.CanTransition(task.Status, status) {
		return nil, fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, taskID, task.Status, status)
	}

	s.debugLog("[graph.transition] %s: %s -> %s", taskID, task.Status, status)
	task.Status = status
	if !status.Active() {
		task.AssignedWorker = ""
	}
	if status != models.TaskStatusBlocked {
		task.BlockedReason = ""
		task.BlockedUntil = time.Time{}
	}
	if status.Terminal() {
		now := s.now()
		task.CompletedAt = &now
	} else {
		task.CompletedAt = nil
	}
	return task, nil
}

// Assign moves a pending task to assigned and records the worker. The
// one-shot worker exclusion list is consumed.
func (s *Store) Assign(taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.nodes[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status == models.TaskStatusPending && !s.depsCompleteLocked(taskID) {
		return fmt.Errorf("%w: %s has unfinished dependencies", ErrInvalidTransition, taskID)
	}
	if _, err := s.transitionLocked(taskID, models.TaskStatusAssigned); err != nil {
		return err
	}
	task.AssignedWorker = workerID
	task.ExcludedWorkers = nil
	return nil
}

// Unassign returns an assigned task to pending without counting an attempt.
func (s *Store) Unassign(taskID string) error {
	return s.SetStatus(taskID, models.TaskStatusPending)
}

// Start moves an assigned task to in_progress and counts an attempt.
func (s *Store) Start(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transitionLocked(taskID, models.TaskStatusInProgress)
	if err != nil {
		return err
	}
	now := s.now()
	task.StartedAt = &now
	task.Attempts++
	return nil
}

// Review moves an in-progress task into quality review.
func (s *Store) Review(taskID string) error {
	return s.SetStatus(taskID, models.TaskStatusReview)
}

// Complete marks a task completed, attaches artifacts, and returns the IDs
// of dependents that became ready as a result. A decomposed parent whose
// sub-tasks are now all complete is completed in turn.
func (s *Store) Complete(taskID, note string, artifacts []models.Artifact) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transitionLocked(taskID, models.TaskStatusCompleted)
	if err != nil {
		return nil, err
	}
	task.Artifacts = append(task.Artifacts, artifacts...)
	task.Error = ""
	if note != "" {
		task.Note = note
	}
	return s.onCompletedLocked(task), nil
}

// onCompletedLocked re-evaluates everything that waits on a completed task.
func (s *Store) onCompletedLocked(task *models.Task) []string {
	var ready []string
	for _, depID := range s.dependents[task.ID] {
		dep := s.nodes[depID]
		if dep.Status == models.TaskStatusPending && s.depsCompleteLocked(depID) {
			ready = append(ready, depID)
		}
	}

	if task.ParentID != "" {
		parent := s.nodes[task.ParentID]
		if parent != nil && parent.Status == models.TaskStatusBlocked && parent.BlockedReason == ReasonDecomposed && s.childrenCompleteLocked(parent.ID) {
			if _, err := s.transitionLocked(parent.ID, models.TaskStatusCompleted); err == nil {
				parent.Note = fmt.Sprintf("completed via %d sub-tasks", len(s.children[parent.ID]))
				ready = append(ready, s.onCompletedLocked(parent)...)
			}
		}
	}

	s.sortBySeq(ready)
	s.debugLog("[graph.onCompleted] %s completed; newly ready: %v", task.ID, ready)
	return ready
}

func (s *Store) childrenCompleteLocked(parentID string) bool {
	kids := s.children[parentID]
	if len(kids) == 0 {
		return false
	}
	for _, id := range kids {
		if s.nodes[id].Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// Fail marks an in-progress or in-review task failed and attaches the issue.
func (s *Store) Fail(taskID string, issue *models.Issue) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transitionLocked(taskID, models.TaskStatusFailed)
	if err != nil {
		return err
	}
	if issue != nil {
		cp := *issue
		task.Issues = append(task.Issues, &cp)
		task.Error = issue.Description
	}
	return nil
}

// AttachIssue records an additional issue on a task without changing its status.
func (s *Store) AttachIssue(taskID string, issue *models.Issue) error {
	return s.Update(taskID, func(t *models.Task) {
		cp := *issue
		t.Issues = append(t.Issues, &cp)
	})
}

// Update applies fn to a task's non-status fields. Completed tasks are
// immutable. Changes fn makes to Status or AssignedWorker are discarded.
func (s *Store) Update(taskID string, fn func(*models.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.nodes[taskID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	if task.Status == models.TaskStatusCompleted {
		return fmt.Errorf("%w: %s", ErrTerminal, taskID)
	}
	status, worker, deps := task.Status, task.AssignedWorker, task.DependsOn
	fn(task)
	task.Status, task.AssignedWorker, task.DependsOn = status, worker, deps
	return nil
}

// Requeue returns a failed or blocked task to pending.
func (s *Store) Requeue(taskID string) error {
	return s.SetStatus(taskID, models.TaskStatusPending)
}

// Block moves a task to blocked. A non-zero until makes the block
// temporary: ReleaseDue returns it to pending once until has passed.
func (s *Store) Block(taskID, reason string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, err := s.transitionLocked(taskID, models.TaskStatusBlocked)
	if err != nil {
		return err
	}
	task.BlockedReason = reason
	task.BlockedUntil = until
	return nil
}

// ReleaseDue returns temporarily blocked tasks whose deadline has passed
// to pending and reports their IDs.
func (s *Store) ReleaseDue(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released []string
	for _, id := range s.orderLocked() {
		task := s.nodes[id]
		if task.Status != models.TaskStatusBlocked || task.BlockedUntil.IsZero() || now.Before(task.BlockedUntil) {
			continue
		}
		if _, err := s.transitionLocked(id, models.TaskStatusPending); err == nil {
			released = append(released, id)
		}
	}
	return released
}

// HasTemporaryBlocks reports whether any task is waiting on ReleaseDue.
func (s *Store) HasTemporaryBlocks() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.nodes {
		if task.Status == models.TaskStatusBlocked && !task.BlockedUntil.IsZero() {
			return true
		}
	}
	return false
}

// BlockDependents marks every pending task that transitively depends on a
// permanently failed task as blocked, since none of them can ever become
// ready. It returns the IDs it blocked.
func (s *Store) BlockDependents(failedID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var blocked []string
	var visit func(id string)
	visit = func(id string) {
		for _, depID := range s.dependents[id] {
			dep := s.nodes[depID]
			if dep.Status != models.TaskStatusPending {
				continue
			}
			if _, err := s.transitionLocked(depID, models.TaskStatusBlocked); err != nil {
				continue
			}
			dep.BlockedReason = dependencyFailedPrefix + failedID
			blocked = append(blocked, depID)
			visit(depID)
		}
	}
	visit(failedID)

	s.debugLog("[graph.BlockDependents] %s failed permanently; blocked %v", failedID, blocked)
	return blocked
}

// BlockChildren blocks the sub-tasks of a failed decomposed parent that
// have not started, along with their dependents, since their work can no
// longer complete the parent. Sub-tasks already in flight are left to
// finish. It returns the IDs it blocked.
func (s *Store) BlockChildren(parentID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	reason := dependencyFailedPrefix + parentID
	var blocked []string
	var block func(id string)
	var visit func(parent string)
	block = func(id string) {
		for _, depID := range s.dependents[id] {
			dep := s.nodes[depID]
			if dep.Status != models.TaskStatusPending {
				continue
			}
			if _, err := s.transitionLocked(depID, models.TaskStatusBlocked); err != nil {
				continue
			}
			dep.BlockedReason = reason
			blocked = append(blocked, depID)
			block(depID)
		}
	}
	visit = func(parent string) {
		for _, childID := range s.children[parent] {
			child := s.nodes[childID]
			switch {
			case child.Status == models.TaskStatusPending:
				if _, err := s.transitionLocked(childID, models.TaskStatusBlocked); err != nil {
					continue
				}
			case child.Status == models.TaskStatusBlocked && child.BlockedReason == ReasonDecomposed:
				visit(childID)
			case child.Status == models.TaskStatusBlocked && !child.BlockedUntil.IsZero():
				child.BlockedUntil = time.Time{}
			default:
				continue
			}
			child.BlockedReason = reason
			blocked = append(blocked, childID)
			block(childID)
		}
	}
	visit(parentID)

	s.debugLog("[graph.BlockChildren] %s failed; blocked sub-tasks %v", parentID, blocked)
	return blocked
}

// Decompose replaces a failed task with sub-tasks. Each sub-task inherits
// the parent's dependencies. The parent is held blocked (reason
// "decomposed") and completes automatically when every sub-task has.
func (s *Store) Decompose(parentID string, subtasks []*models.Task) ([]string, error) {
	if len(subtasks) < 2 {
		return nil, fmt.Errorf("decompose %s: need at least 2 sub-tasks, got %d", parentID, len(subtasks))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	parent, ok := s.nodes[parentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, parentID)
	}
	if parent.Status != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: decompose %s in status %s", ErrInvalidTransition, parentID, parent.Status)
	}
	// Every sub-task is checked before the store changes, so a bad one
	// leaves no partial decomposition behind.
	prepared := make([]*models.Task, 0, len(subtasks))
	seen := make(map[string]bool, len(subtasks))
	for _, sub := range subtasks {
		if sub == nil {
			return nil, fmt.Errorf("decompose %s: nil sub-task", parentID)
		}
		t, err := s.prepare(sub)
		if err != nil {
			return nil, fmt.Errorf("decompose %s: %w", parentID, err)
		}
		if _, exists := s.nodes[t.ID]; exists || seen[t.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
		}
		seen[t.ID] = true
		t.ParentID = parentID
		t.Status = models.TaskStatusPending
		t.AssignedWorker = ""
		prepared = append(prepared, t)
	}

	// New sub-tasks have no dependents and the parent's dependencies
	// exist, so linking cannot fail from here on.
	ids := make([]string, 0, len(prepared))
	for _, t := range prepared {
		s.add(t)
		for _, depID := range s.edges[parentID] {
			if err := s.link(t.ID, depID); err != nil {
				return nil, err
			}
		}
		ids = append(ids, t.ID)
	}

	if _, err := s.transitionLocked(parentID, models.TaskStatusBlocked); err != nil {
		return nil, err
	}
	parent.BlockedReason = ReasonDecomposed
	s.children[parentID] = append(s.children[parentID], ids...)
	return ids, nil
}

// Children returns the sub-task IDs of a decomposed task.
func (s *Store) Children(parentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.children[parentID])
}

// FailDecomposed fails a decomposed parent after one of its sub-tasks failed permanently.
func (s *Store) FailDecomposed(parentID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.nodes[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, parentID)
	}
	if task.Status != models.TaskStatusBlocked || task.BlockedReason != ReasonDecomposed {
		return fmt.Errorf("%w: %s is not awaiting sub-tasks", ErrInvalidTransition, parentID)
	}
	if _, err := s.transitionLocked(parentID, models.TaskStatusFailed); err != nil {
		return err
	}
	task.Error = reason
	task.Escalated = true
	return nil
}

// Settled reports whether no task can make further progress on its own:
// nothing is pending-and-reachable, active, or temporarily blocked.
func (s *Store) Settled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.nodes {
		switch task.Status {
		case models.TaskStatusPending, models.TaskStatusAssigned, models.TaskStatusInProgress, models.TaskStatusReview:
			return false
		case models.TaskStatusBlocked:
			if !task.BlockedUntil.IsZero() || task.BlockedReason == ReasonDecomposed {
				return false
			}
		}
	}
	return true
}

// IsDependencyFailure reports whether a blocked reason came from BlockDependents.
func IsDependencyFailure(reason string) bool {
	return len(reason) > len(dependencyFailedPrefix) && reason[:len(dependencyFailedPrefix)] == dependencyFailedPrefix
}

func (s *Store) orderLocked() []string {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	s.sortBySeq(ids)
	return ids
}

func (s *Store) sortBySeq(ids []string) {
	sort.Slice(ids, func(i, j int) bool { return s.seq[ids[i]] < s.seq[ids[j]] })
}
