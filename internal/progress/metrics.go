// Package progress computes run-level metrics and the phase label.
package progress

import (
	"time"

	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Phase labels by percent complete.
const (
	PhasePlanning       = "Analysis & Planning"
	PhaseImplementation = "Implementation"
	PhaseQA             = "Quality Assurance"
	PhaseFinalization   = "Finalization"
	PhaseCompleted      = "Completed"
)

// Phase maps percent complete onto a phase label.
func Phase(percent float64) string {
	switch {
	case percent >= 100:
		return PhaseCompleted
	case percent >= 90:
		return PhaseFinalization
	case percent >= 70:
		return PhaseQA
	case percent >= 25:
		return PhaseImplementation
	default:
		return PhasePlanning
	}
}

// Inputs are the run facts the graph does not hold.
type Inputs struct {
	StartedAt time.Time
	Now       time.Time
	// Escalations counts tasks handed to a human.
	Escalations int
	// FinishedAttempts counts attempts that reached completed or failed.
	FinishedAttempts int
	TokensUsed       int64
	Cost             float64
}

// Metrics is one progress snapshot.
type Metrics struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Blocked    int `json:"blocked"`
	InProgress int `json:"in_progress"`
	Pending    int `json:"pending"`

	PercentComplete float64 `json:"percent_complete"`
	Phase           string  `json:"phase"`
	// Velocity is completed tasks per elapsed hour.
	Velocity float64 `json:"velocity"`
	// QualityScore is completed / (completed + failed), as a percentage.
	QualityScore float64 `json:"quality_score"`
	// AutonomyLevel falls as escalations to humans rise, as a percentage.
	AutonomyLevel float64 `json:"autonomy_level"`

	// CriticalPathEstimate is the top 30% of tasks by estimated duration.
	// It is a cheap proxy, not a graph path.
	CriticalPathEstimate []string `json:"critical_path_estimate"`
	// CriticalPath is the longest dependency chain by estimated duration.
	CriticalPath         []string      `json:"critical_path"`
	CriticalPathDuration time.Duration `json:"critical_path_duration"`

	Escalations int           `json:"escalations"`
	TokensUsed  int64         `json:"tokens_used"`
	Cost        float64       `json:"cost"`
	Elapsed     time.Duration `json:"elapsed"`
}

// Compute derives metrics from the graph and run inputs.
func Compute(g *graph.Store, in Inputs) (*Metrics, error) {
	counts := g.Counts()
	m := &Metrics{
		Total:       g.Size(),
		Completed:   counts[models.TaskStatusCompleted],
		Failed:      counts[models.TaskStatusFailed],
		Blocked:     counts[models.TaskStatusBlocked],
		InProgress:  counts[models.TaskStatusAssigned] + counts[models.TaskStatusInProgress] + counts[models.TaskStatusReview],
		Pending:     counts[models.TaskStatusPending],
		Escalations: in.Escalations,
		TokensUsed:  in.TokensUsed,
		Cost:        in.Cost,
	}

	if m.Total > 0 {
		m.PercentComplete = float64(m.Completed) / float64(m.Total) * 100
	}
	m.Phase = Phase(m.PercentComplete)

	if !in.StartedAt.IsZero() && in.Now.After(in.StartedAt) {
		m.Elapsed = in.Now.Sub(in.StartedAt)
		m.Velocity = float64(m.Completed) / m.Elapsed.Hours()
	}

	m.QualityScore = 100
	if processed := m.Completed + m.Failed; processed > 0 {
		m.QualityScore = float64(m.Completed) / float64(processed) * 100
	}

	m.AutonomyLevel = Autonomy(in.Escalations, in.FinishedAttempts)

	m.CriticalPathEstimate = g.HeuristicCriticalPath()
	cp, err := g.CriticalPath()
	if err != nil {
		return m, err
	}
	m.CriticalPath = cp.Path
	m.CriticalPathDuration = cp.Duration
	return m, nil
}

// Autonomy is 100 * (1 - escalations / finished attempts), or 100 when
// nothing has finished yet.
func Autonomy(escalations, finished int) float64 {
	if finished <= 0 {
		return 100
	}
	v := 100 * (1 - float64(escalations)/float64(finished))
	if v < 0 {
		return 0
	}
	return v
}
