package models

import (
	"fmt"
	"slices"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task is waiting for its dependencies or a worker.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusAssigned indicates a worker has been chosen but execution has not begun.
	TaskStatusAssigned TaskStatus = "assigned"
	// TaskStatusInProgress indicates the reasoning backend is working on the task.
	TaskStatusInProgress TaskStatus = "in_progress"
	// TaskStatusReview indicates the result is being quality-gated.
	TaskStatusReview TaskStatus = "review"
	// TaskStatusCompleted indicates the task finished successfully.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the last attempt failed.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusBlocked indicates the task cannot become ready until something else changes.
	TaskStatusBlocked TaskStatus = "blocked"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusAssigned, TaskStatusInProgress, TaskStatusReview,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Terminal reports whether the status ends a task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Active reports whether a worker holds the task in this status.
func (s TaskStatus) Active() bool {
	return s == TaskStatusAssigned || s == TaskStatusInProgress || s == TaskStatusReview
}

// transitions lists every permitted status change.
// Failed tasks may only leave the failed state through recovery.
var transitions = map[TaskStatus][]TaskStatus{
	TaskStatusPending:    {TaskStatusAssigned, TaskStatusBlocked},
	TaskStatusAssigned:   {TaskStatusInProgress, TaskStatusPending},
	TaskStatusInProgress: {TaskStatusCompleted, TaskStatusFailed, TaskStatusReview, TaskStatusPending},
	TaskStatusReview:     {TaskStatusCompleted, TaskStatusFailed},
	TaskStatusFailed:     {TaskStatusPending, TaskStatusBlocked},
	TaskStatusBlocked:    {TaskStatusPending, TaskStatusCompleted, TaskStatusFailed},
	TaskStatusCompleted:  nil,
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	return slices.Contains(transitions[from], to)
}

// Category classifies the kind of work a task represents.
type Category string

const (
	CategoryAnalysis      Category = "analysis"
	CategoryCoding        Category = "coding"
	CategoryTesting       Category = "testing"
	CategoryDocumentation Category = "documentation"
	CategoryResearch      Category = "research"
	CategoryIntegration   Category = "integration"
	CategoryDeployment    Category = "deployment"
	CategoryDebugging     Category = "debugging"
)

// Valid returns true if the category is a known value.
func (c Category) Valid() bool {
	switch c {
	case CategoryAnalysis, CategoryCoding, CategoryTesting, CategoryDocumentation,
		CategoryResearch, CategoryIntegration, CategoryDeployment, CategoryDebugging:
		return true
	default:
		return false
	}
}

// Artifact is a payload produced by a task attempt.
type Artifact struct {
	// Type describes the payload, e.g. "code", "text", "report".
	Type string `json:"type"`
	// Name identifies the artifact within the task.
	Name string `json:"name,omitempty"`
	// Content is the opaque payload.
	Content string `json:"content"`
	// WorkerID is the worker that produced it.
	WorkerID string `json:"worker_id"`
	// CreatedAt is when the artifact was attached.
	CreatedAt time.Time `json:"created_at"`
}

// Edge declares that TaskID cannot start until DependsOn has completed.
type Edge struct {
	TaskID    string `json:"task_id" yaml:"task"`
	DependsOn string `json:"depends_on" yaml:"depends_on"`
}

// Task represents a unit of work in the system.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// ParentID is set on sub-tasks produced by decomposition.
	ParentID string `json:"parent_id,omitempty"`
	// Title is the short description of the task.
	Title string `json:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty"`
	// Category is the kind of work.
	Category Category `json:"category"`
	// Priority ranges 1-10; higher runs first.
	Priority int `json:"priority"`
	// Complexity ranges 1-10.
	Complexity int `json:"complexity"`
	// EstimatedDuration is the planner's estimate of the work.
	EstimatedDuration time.Duration `json:"estimated_duration"`
	// RequiredSkills are free-form skill tags.
	RequiredSkills []string `json:"required_skills,omitempty"`
	// DependsOn lists task IDs that must complete before this task.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedWorker is set only while Status is assigned, in_progress or review.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// Artifacts are the payloads returned by successful attempts.
	Artifacts []Artifact `json:"artifacts,omitempty"`
	// Issues are the failure records for this task.
	Issues []*Issue `json:"issues,omitempty"`
	// ExcludedWorkers may not be chosen for the next assignment only.
	ExcludedWorkers []string `json:"excluded_workers,omitempty"`
	// BlockedReason explains a blocked status.
	BlockedReason string `json:"blocked_reason,omitempty"`
	// BlockedUntil is when a temporarily skipped task becomes pending again.
	BlockedUntil time.Time `json:"blocked_until,omitzero"`
	// Note carries a human-readable remark, e.g. how a decomposed task completed.
	Note string `json:"note,omitempty"`
	// Attempts counts execution attempts.
	Attempts int `json:"attempts"`
	// RecoveryAttempts counts recovery strategies applied.
	RecoveryAttempts int `json:"recovery_attempts"`
	// Escalated is set once the task has been handed to a human.
	Escalated bool `json:"escalated,omitempty"`
	// Error contains the most recent failure message.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the task was added to the graph.
	CreatedAt time.Time `json:"created_at"`
	// StartedAt is when the latest attempt began.
	StartedAt *time.Time `json:"started_at,omitempty"`
	// CompletedAt is when the task reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Defaults for tasks submitted without a priority or complexity.
const (
	DefaultPriority   = 5
	DefaultComplexity = 5
)

// ApplyDefaults fills an unset priority or complexity.
func (t *Task) ApplyDefaults() {
	if t.Priority == 0 {
		t.Priority = DefaultPriority
	}
	if t.Complexity == 0 {
		t.Complexity = DefaultComplexity
	}
}

// Validate checks the task's static attributes. Call ApplyDefaults first
// for tasks that may leave priority or complexity unset.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task has empty id")
	}
	if t.Title == "" {
		return fmt.Errorf("task %s has empty title", t.ID)
	}
	if t.Category != "" && !t.Category.Valid() {
		return fmt.Errorf("task %s has unknown category %q", t.ID, t.Category)
	}
	if t.Priority < 1 || t.Priority > 10 {
		return fmt.Errorf("task %s priority %d out of range 1-10", t.ID, t.Priority)
	}
	if t.Complexity < 1 || t.Complexity > 10 {
		return fmt.Errorf("task %s complexity %d out of range 1-10", t.ID, t.Complexity)
	}
	if t.EstimatedDuration < 0 {
		return fmt.Errorf("task %s has negative estimated duration", t.ID)
	}
	return nil
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.RequiredSkills = slices.Clone(t.RequiredSkills)
	c.DependsOn = slices.Clone(t.DependsOn)
	c.Artifacts = slices.Clone(t.Artifacts)
	c.ExcludedWorkers = slices.Clone(t.ExcludedWorkers)
	c.Issues = make([]*Issue, len(t.Issues))
	for i, issue := range t.Issues {
		cp := *issue
		c.Issues[i] = &cp
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// LatestIssue returns the most recently recorded issue, or nil.
func (t *Task) LatestIssue() *Issue {
	if len(t.Issues) == 0 {
		return nil
	}
	return t.Issues[len(t.Issues)-1]
}
