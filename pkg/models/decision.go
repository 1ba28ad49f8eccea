package models

import "time"

// Strategy is a recovery option offered to the reasoning backend.
type Strategy string

const (
	StrategyRetryDifferentAgent Strategy = "retry_with_different_agent"
	StrategyDecompose           Strategy = "decompose_task"
	StrategyEscalate            Strategy = "escalate_to_human"
	StrategySkipTemporarily     Strategy = "skip_temporarily"
	StrategyModifyRequirements  Strategy = "modify_requirements"
)

// Strategies is the fixed option set, in presentation order.
var Strategies = []Strategy{
	StrategyRetryDifferentAgent,
	StrategyDecompose,
	StrategyEscalate,
	StrategySkipTemporarily,
	StrategyModifyRequirements,
}

// Valid returns true if the strategy is one of the fixed options.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyRetryDifferentAgent, StrategyDecompose, StrategyEscalate,
		StrategySkipTemporarily, StrategyModifyRequirements:
		return true
	default:
		return false
	}
}

// Reversible reports whether applying the strategy can be undone by a later decision.
func (s Strategy) Reversible() bool {
	switch s {
	case StrategyRetryDifferentAgent, StrategySkipTemporarily, StrategyModifyRequirements:
		return true
	default:
		return false
	}
}

// Decision outcomes.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
)

// Decision records an autonomous choice. Decisions are append-only apart
// from Outcome, which is filled in once the affected task settles.
type Decision struct {
	ID           string     `json:"id"`
	RunID        string     `json:"run_id"`
	TaskID       string     `json:"task_id"`
	IssueID      string     `json:"issue_id,omitempty"`
	Context      string     `json:"context"`
	Chosen       Strategy   `json:"chosen"`
	Alternatives []Strategy `json:"alternatives"`
	// Confidence ranges 0-100.
	Confidence int       `json:"confidence"`
	Reversible bool      `json:"reversible"`
	Reasoning  string    `json:"reasoning,omitempty"`
	Outcome    string    `json:"outcome"`
	CreatedAt  time.Time `json:"created_at"`
}
