// Package workers holds the worker registry and the assignment scorer.
package workers

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

var (
	// ErrNoEligibleWorker indicates no worker could take a task and none could be spawned.
	ErrNoEligibleWorker = errors.New("no eligible worker")
	// ErrUnknownWorker indicates a worker ID is not registered.
	ErrUnknownWorker = errors.New("unknown worker")
)

// Assignment is the result of Assign.
type Assignment struct {
	// Worker is a snapshot of the chosen worker after acquisition.
	Worker *models.Worker
	// Spawned is true when a new specialist was created for the task.
	Spawned bool
	// Score is the chosen worker's score for the task.
	Score float64
}

// Outcome describes a finished attempt when a worker releases a task.
type Outcome struct {
	Success    bool
	Quality    float64
	HasQuality bool
	Duration   time.Duration
	// Fault marks an unexpected failure; the worker moves to error status.
	Fault error
}

// Config controls registry limits.
type Config struct {
	// Table is the specialization keyword table.
	Table Table
	// MaxWorkers caps the total number of workers, primary included.
	MaxWorkers int
	// SpecialistCapacity is MaxConcurrent for spawned specialists.
	SpecialistCapacity int
}

// Registry manages worker profiles and live load. It provides thread-safe
// storage; Assign selects and acquires under one lock so a task is never
// handed to two workers.
type Registry struct {
	// workers maps worker IDs to worker models.
	workers map[string]*models.Worker
	// order records registration order.
	order []string
	cfg   Config
	// mu protects all fields.
	mu sync.RWMutex

	now      func() time.Time
	newID    func() string
	debugLog func(format string, args ...interface{})
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	if len(cfg.Table) == 0 {
		cfg.Table = DefaultTable
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 16
	}
	if cfg.SpecialistCapacity < 1 {
		cfg.SpecialistCapacity = 1
	}
	return &Registry{
		workers:  make(map[string]*models.Worker),
		cfg:      cfg,
		now:      time.Now,
		newID:    func() string { return "w-" + uuid.New().String()[:8] },
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (r *Registry) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		r.debugLog = fn
	}
}

// SetClock overrides the time source used for CreatedAt.
func (r *Registry) SetClock(fn func() time.Time) {
	if fn != nil {
		r.now = fn
	}
}

// Table returns the specialization table in use.
func (r *Registry) Table() Table {
	return r.cfg.Table
}

// Register adds a worker profile. Missing fields get defaults: idle status,
// capacity 1, CreatedAt now, a generated ID.
func (r *Registry) Register(w *models.Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.registerLocked(w)
	return err
}

func (r *Registry) registerLocked(w *models.Worker) (*models.Worker, error) {
	c := w.Clone()
	if c.ID == "" {
		c.ID = r.newID()
	}
	if _, exists := r.workers[c.ID]; exists {
		return nil, fmt.Errorf("worker %s already registered", c.ID)
	}
	if c.Kind == "" {
		c.Kind = models.WorkerSpecialist
	}
	if c.Status == "" {
		c.Status = models.WorkerIdle
	}
	if !c.Status.Valid() {
		return nil, fmt.Errorf("worker %s has unknown status %q", c.ID, c.Status)
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	if c.Name == "" {
		c.Name = c.ID
	}
	r.workers[c.ID] = c
	r.order = append(r.order, c.ID)
	r.debugLog("[workers.Register] %s kind=%s specializations=%v", c.ID, c.Kind, c.Specializations)
	return c, nil
}

// Get returns a copy of a worker.
func (r *Registry) Get(id string) (*models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, id)
	}
	return w.Clone(), nil
}

// Workers returns copies of all workers in registration order.
func (r *Registry) Workers() []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id].Clone())
	}
	return out
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// IdleCandidates returns copies of workers that can accept another task,
// oldest first.
func (r *Registry) IdleCandidates() []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cands := r.candidatesLocked(nil)
	out := make([]*models.Worker, len(cands))
	for i, w := range cands {
		out[i] = w.Clone()
	}
	return out
}

func (r *Registry) candidatesLocked(exclude []string) []*models.Worker {
	var cands []*models.Worker
	for _, id := range r.order {
		w := r.workers[id]
		if w.Available() && !slices.Contains(exclude, id) {
			cands = append(cands, w)
		}
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].CreatedAt.Before(cands[j].CreatedAt)
	})
	return cands
}

// Score rates a worker for a task:
//
//	+100 if any specialization keyword occurs in the task title or description
//	+successRate*20, with successRate 0.5 for a worker with no finished tasks
//	-2 per finished task
//
// The result depends only on its inputs.
func (r *Registry) Score(w *models.Worker, t *models.Task) float64 {
	return Score(r.cfg.Table, w, t)
}

// Score is the table-explicit form of Registry.Score.
func Score(table Table, w *models.Worker, t *models.Task) float64 {
	var score float64
	if SpecializationMatch(table, w, t) {
		score += 100
	}

	rate := 0.5
	if w.Stats.TasksCompleted > 0 {
		rate = w.Stats.SuccessRate
	}
	score += rate * 20
	score -= float64(w.Stats.TasksCompleted * 2)
	return score
}

// SpecializationMatch reports whether any of the worker's specializations
// maps to a keyword in the task's title or description.
func SpecializationMatch(table Table, w *models.Worker, t *models.Task) bool {
	text := t.Title + " " + t.Description
	for _, tag := range w.Specializations {
		if table.Matches(tag, text) {
			return true
		}
	}
	return false
}

// Assign chooses the highest-scoring available worker for the task, ties
// going to the oldest worker. Workers listed in task.ExcludedWorkers are
// skipped. If no candidate matches the task's specialization, a specialist
// is spawned while the worker cap allows; past the cap the best
// non-matching candidate is used. The chosen worker is marked busy and
// holds the task when Assign returns.
func (r *Registry) Assign(t *models.Task) (*Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var best *models.Worker
	var bestScore float64
	matched := false
	for _, w := range r.candidatesLocked(t.ExcludedWorkers) {
		score := Score(r.cfg.Table, w, t)
		if best == nil || score > bestScore {
			best, bestScore = w, score
		}
		if SpecializationMatch(r.cfg.Table, w, t) {
			matched = true
		}
	}

	spawned := false
	if !matched {
		if len(r.workers) < r.cfg.MaxWorkers {
			w, err := r.spawnLocked(t)
			if err != nil {
				return nil, err
			}
			best, bestScore, spawned = w, Score(r.cfg.Table, w, t), true
		} else if best == nil {
			return nil, fmt.Errorf("%w: task %s (worker cap %d reached)", ErrNoEligibleWorker, t.ID, r.cfg.MaxWorkers)
		}
	}

	r.acquireLocked(best, t.ID)
	r.debugLog("[workers.Assign] task %s -> %s (score=%.1f spawned=%v)", t.ID, best.ID, bestScore, spawned)
	return &Assignment{Worker: best.Clone(), Spawned: spawned, Score: bestScore}, nil
}

// Spawn creates a specialist for the task without assigning it.
func (r *Registry) Spawn(t *models.Task) (*models.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.workers) >= r.cfg.MaxWorkers {
		return nil, fmt.Errorf("%w: worker cap %d reached", ErrNoEligibleWorker, r.cfg.MaxWorkers)
	}
	w, err := r.spawnLocked(t)
	if err != nil {
		return nil, err
	}
	return w.Clone(), nil
}

func (r *Registry) spawnLocked(t *models.Task) (*models.Worker, error) {
	spec := r.cfg.Table.Classify(t.Title + " " + t.Description)
	caps := append([]string{spec}, t.RequiredSkills...)
	w, err := r.registerLocked(&models.Worker{
		Name:            titleCase(spec) + " Specialist",
		Kind:            models.WorkerSpecialist,
		Specializations: []string{spec},
		Capabilities:    caps,
		MaxConcurrent:   r.cfg.SpecialistCapacity,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: spawn specialist: %v", ErrNoEligibleWorker, err)
	}
	return w, nil
}

func (r *Registry) acquireLocked(w *models.Worker, taskID string) {
	w.CurrentTasks = append(w.CurrentTasks, taskID)
	w.Status = models.WorkerBusy
}

// Release removes a task from a worker and folds the outcome into its
// statistics. A Fault moves the worker to error; otherwise it returns to
// idle once it holds no tasks.
func (r *Registry) Release(workerID, taskID string, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	r.dropLocked(w, taskID)
	w.Stats.Record(out.Success, out.Quality, out.HasQuality, out.Duration)
	if out.Fault != nil {
		w.Status = models.WorkerError
		w.LastError = out.Fault.Error()
		r.debugLog("[workers.Release] %s -> error: %v", workerID, out.Fault)
	}
	return nil
}

// Drop removes a task from a worker without recording an attempt, used
// when an assignment is rolled back before execution.
func (r *Registry) Drop(workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	r.dropLocked(w, taskID)
	return nil
}

func (r *Registry) dropLocked(w *models.Worker, taskID string) {
	if i := slices.Index(w.CurrentTasks, taskID); i >= 0 {
		w.CurrentTasks = slices.Delete(w.CurrentTasks, i, i+1)
	}
	if w.Status != models.WorkerError {
		if len(w.CurrentTasks) == 0 {
			w.Status = models.WorkerIdle
		} else {
			w.Status = models.WorkerBusy
		}
	}
}

// MarkError moves a worker to error status, excluding it from assignment.
func (r *Registry) MarkError(workerID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	w.Status = models.WorkerError
	w.LastError = reason
	return nil
}

// Reset returns an errored worker to service.
func (r *Registry) Reset(workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	w.LastError = ""
	if len(w.CurrentTasks) == 0 {
		w.Status = models.WorkerIdle
	} else {
		w.Status = models.WorkerBusy
	}
	return nil
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
