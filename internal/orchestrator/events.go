package orchestrator

import (
	"time"

	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// EventType represents the type of engine event.
type EventType string

const (
	// EventTaskReady indicates a task became ready to dispatch.
	EventTaskReady EventType = "task_ready"
	// EventTaskAssigned indicates a worker was chosen for a task.
	EventTaskAssigned EventType = "task_assigned"
	// EventTaskStarted indicates a backend call began for a task.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task attempt failed.
	EventTaskFailed EventType = "task_failed"
	// EventTaskBlocked indicates a task is blocked and cannot proceed.
	EventTaskBlocked EventType = "task_blocked"
	// EventTaskUnblocked indicates a temporarily skipped task is pending again.
	EventTaskUnblocked EventType = "task_unblocked"
	// EventWorkerSpawned indicates a specialist was created for a task.
	EventWorkerSpawned EventType = "worker_spawned"
	// EventIssueRecorded indicates an Issue was attached to a task.
	EventIssueRecorded EventType = "issue_recorded"
	// EventLessonRecorded indicates a durable lesson was stored.
	EventLessonRecorded EventType = "lesson_recorded"
	// EventDecisionMade indicates a recovery Decision was recorded.
	EventDecisionMade EventType = "decision_made"
	// EventEscalation indicates a task was handed to a human.
	EventEscalation EventType = "escalation"
	// EventProgress carries a metrics snapshot.
	EventProgress EventType = "progress"
	// EventRunPaused indicates dispatching was paused.
	EventRunPaused EventType = "run_paused"
	// EventRunResumed indicates dispatching resumed.
	EventRunResumed EventType = "run_resumed"
	// EventRunCancelled indicates the run was torn down.
	EventRunCancelled EventType = "run_cancelled"
	// EventRunCompleted indicates the run finished, successfully or not.
	EventRunCompleted EventType = "run_completed"
	// EventRunStalled indicates ready work that no worker can take.
	EventRunStalled EventType = "run_stalled"
	// EventLoopError indicates a tick was skipped after an internal fault.
	EventLoopError EventType = "loop_error"
)

// Event is emitted by the engine to subscribers.
type Event struct {
	// Type is the kind of event.
	Type EventType `json:"type"`
	// RunID is the run the event belongs to.
	RunID string `json:"run_id"`
	// TaskID is the ID of the related task, if applicable.
	TaskID string `json:"task_id,omitempty"`
	// TaskTitle is the title of the related task, if applicable.
	TaskTitle string `json:"task_title,omitempty"`
	// ParentID is the decomposed parent of the task, if applicable.
	ParentID string `json:"parent_id,omitempty"`
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string `json:"worker_id,omitempty"`
	// Message provides additional context about the event.
	Message string `json:"message,omitempty"`
	// Error contains error details for failure events.
	Error string `json:"error,omitempty"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	Issue    *models.Issue     `json:"issue,omitempty"`
	Decision *models.Decision  `json:"decision,omitempty"`
	Lesson   *knowledge.Entry  `json:"lesson,omitempty"`
	Metrics  *progress.Metrics `json:"metrics,omitempty"`
}
