package models

import (
	"slices"
	"time"
)

// WorkerKind distinguishes the always-present primary worker from on-demand specialists.
type WorkerKind string

const (
	WorkerPrimary    WorkerKind = "primary"
	WorkerSpecialist WorkerKind = "specialist"
)

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	// WorkerIdle indicates the worker holds no tasks.
	WorkerIdle WorkerStatus = "idle"
	// WorkerBusy indicates the worker holds at least one task.
	WorkerBusy WorkerStatus = "busy"
	// WorkerError indicates the worker hit an unexpected fault and is excluded until reset.
	WorkerError WorkerStatus = "error"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerError:
		return true
	default:
		return false
	}
}

// WorkerStats are running performance statistics.
type WorkerStats struct {
	// TasksCompleted counts finished attempts, successful or not.
	TasksCompleted int `json:"tasks_completed"`
	// Successes counts successful attempts.
	Successes int `json:"successes"`
	// SuccessRate is Successes / TasksCompleted as a fraction.
	SuccessRate float64 `json:"success_rate"`
	// AverageQuality is the mean reported quality (0-100) of scored results.
	AverageQuality float64 `json:"average_quality"`
	// AverageSpeed is the mean attempt duration.
	AverageSpeed time.Duration `json:"average_speed"`

	qualitySamples int
}

// Record folds one finished attempt into the statistics.
func (s *WorkerStats) Record(success bool, quality float64, hasQuality bool, took time.Duration) {
	n := s.TasksCompleted
	s.TasksCompleted++
	if success {
		s.Successes++
	}
	s.SuccessRate = float64(s.Successes) / float64(s.TasksCompleted)
	s.AverageSpeed = (s.AverageSpeed*time.Duration(n) + took) / time.Duration(s.TasksCompleted)
	if hasQuality {
		s.AverageQuality = (s.AverageQuality*float64(s.qualitySamples) + quality) / float64(s.qualitySamples+1)
		s.qualitySamples++
	}
}

// Worker is a specialized executor.
type Worker struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Kind            WorkerKind   `json:"kind"`
	Specializations []string     `json:"specializations"`
	Capabilities    []string     `json:"capabilities,omitempty"`
	Status          WorkerStatus `json:"status"`
	// CurrentTasks holds the IDs of tasks the worker is assigned.
	CurrentTasks  []string    `json:"current_tasks,omitempty"`
	MaxConcurrent int         `json:"max_concurrent"`
	Stats         WorkerStats `json:"stats"`
	// LastError explains an error status.
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Load is the number of tasks the worker currently holds.
func (w *Worker) Load() int {
	return len(w.CurrentTasks)
}

// Available reports whether the worker can accept another task.
func (w *Worker) Available() bool {
	return w.Status != WorkerError && w.Load() < w.MaxConcurrent
}

// Clone returns a deep copy of the worker.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	c := *w
	c.Specializations = slices.Clone(w.Specializations)
	c.Capabilities = slices.Clone(w.Capabilities)
	c.CurrentTasks = slices.Clone(w.CurrentTasks)
	return &c
}
