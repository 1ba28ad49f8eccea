package models

import "time"

// Severity ranks how serious an issue is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid returns true if the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Importance maps a severity onto the knowledge-store importance scale.
func (s Severity) Importance() int {
	switch s {
	case SeverityCritical:
		return 10
	case SeverityHigh:
		return 8
	case SeverityMedium:
		return 6
	default:
		return 4
	}
}

// Lower returns the next lower severity, bottoming out at low.
func (s Severity) Lower() Severity {
	switch s {
	case SeverityCritical:
		return SeverityHigh
	case SeverityHigh:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// IssueCategory classifies the cause of a failure.
type IssueCategory string

const (
	IssueError            IssueCategory = "error"
	IssueDependency       IssueCategory = "dependency"
	IssueDesign           IssueCategory = "design"
	IssuePerformance      IssueCategory = "performance"
	IssueSecurity         IssueCategory = "security"
	IssueExecutionFailure IssueCategory = "execution_failure"
)

// Valid returns true if the category is a known value.
func (c IssueCategory) Valid() bool {
	switch c {
	case IssueError, IssueDependency, IssueDesign, IssuePerformance, IssueSecurity, IssueExecutionFailure:
		return true
	default:
		return false
	}
}

// Issue is a structured failure record attached to a task.
type Issue struct {
	ID          string        `json:"id"`
	TaskID      string        `json:"task_id"`
	Severity    Severity      `json:"severity"`
	Category    IssueCategory `json:"category"`
	Description string        `json:"description"`
	Context     string        `json:"context,omitempty"`
	// Reporter is the worker that hit the failure, or "engine".
	Reporter string `json:"reporter"`
	// DurableLesson is set once the issue has been committed to the knowledge store.
	DurableLesson bool       `json:"durable_lesson"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}
