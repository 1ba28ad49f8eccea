package models

// Tier is the model hint passed to the reasoning backend. Backends map a
// tier onto a concrete model; an unknown hint is treated as a model name.
type Tier string

const (
	// TierScout is for simple tasks where a fast, cheap model suffices.
	TierScout Tier = "scout"
	// TierBuilder is for standard tasks.
	TierBuilder Tier = "builder"
	// TierArchitect is for complex tasks and recovery decisions on them.
	TierArchitect Tier = "architect"
)

// Valid returns true if the tier is a known value.
func (t Tier) Valid() bool {
	switch t {
	case TierScout, TierBuilder, TierArchitect:
		return true
	default:
		return false
	}
}

// TierForComplexity picks a tier from a task's 1-10 complexity.
func TierForComplexity(complexity int) Tier {
	switch {
	case complexity >= 8:
		return TierArchitect
	case complexity >= 4:
		return TierBuilder
	default:
		return TierScout
	}
}
