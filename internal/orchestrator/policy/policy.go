// Package policy defines configurable policy parameters for orchestrator behavior.
// This centralizes the loop intervals, concurrency ceilings and recovery
// limits so they can be configured and tested.
package policy

import "time"

// Config contains all configurable policy parameters for the orchestrator.
type Config struct {
	// Loop policies
	Loop LoopPolicy

	// Concurrency policies
	Concurrency ConcurrencyPolicy

	// Recovery policies
	Recovery RecoveryPolicy

	// Quality review policies
	Review ReviewPolicy

	// Backend request policies
	Backend BackendPolicy

	// Event delivery policies
	Events EventPolicy
}

// LoopPolicy controls run loop behavior.
type LoopPolicy struct {
	// TickInterval is the delay between scheduling passes.
	TickInterval time.Duration

	// StuckSweepInterval is how often in-flight work is checked for stalls.
	StuckSweepInterval time.Duration

	// StuckAfter is the age at which an in-flight backend call is cancelled as a timeout.
	StuckAfter time.Duration

	// CancelGrace is how long in-flight calls may finish after a run is cancelled.
	CancelGrace time.Duration
}

// ConcurrencyPolicy bounds parallel work.
type ConcurrencyPolicy struct {
	// MaxConcurrent is the ceiling on in-flight backend calls across all runs.
	MaxConcurrent int

	// MaxWorkers caps the worker registry, primary worker included.
	MaxWorkers int

	// SpecialistCapacity is how many tasks a spawned specialist may hold at once.
	SpecialistCapacity int

	// BackendTimeout bounds each backend call.
	BackendTimeout time.Duration
}

// RecoveryPolicy controls failure recovery.
type RecoveryPolicy struct {
	// MaxAttempts is the number of recovery strategies one task may use.
	MaxAttempts int

	// SkipBackoff is how long skip_temporarily holds a task.
	SkipBackoff time.Duration

	// LessonLimit caps the lessons quoted when choosing a strategy.
	LessonLimit int
}

// ReviewPolicy controls the quality gate on successful attempts.
type ReviewPolicy struct {
	// Enabled routes successful attempts through review.
	Enabled bool

	// Threshold is the minimum reported quality (0-100) that passes review.
	Threshold float64
}

// BackendPolicy controls request options sent to the reasoning backend.
type BackendPolicy struct {
	MaxTokens   int
	Temperature float64
}

// EventPolicy controls event delivery.
type EventPolicy struct {
	// BufferSize is the per-subscriber channel buffer.
	BufferSize int
}

// Default returns the default policy configuration.
func Default() *Config {
	return &Config{
		Loop: LoopPolicy{
			TickInterval:       5 * time.Second,
			StuckSweepInterval: 30 * time.Second,
			StuckAfter:         10 * time.Minute,
			CancelGrace:        30 * time.Second,
		},
		Concurrency: ConcurrencyPolicy{
			MaxConcurrent:      4,
			MaxWorkers:         16,
			SpecialistCapacity: 1,
			BackendTimeout:     5 * time.Minute,
		},
		Recovery: RecoveryPolicy{
			MaxAttempts: 3,
			SkipBackoff: 30 * time.Second,
			LessonLimit: 5,
		},
		Review: ReviewPolicy{
			Enabled:   false,
			Threshold: 70,
		},
		Backend: BackendPolicy{
			MaxTokens:   4096,
			Temperature: 0.2,
		},
		Events: EventPolicy{
			BufferSize: 100,
		},
	}
}

// Validate checks that policy values are within acceptable ranges,
// resetting any that are not to their defaults.
func (c *Config) Validate() error {
	def := Default()
	if c.Loop.TickInterval < time.Millisecond {
		c.Loop.TickInterval = def.Loop.TickInterval
	}
	if c.Loop.StuckSweepInterval < time.Millisecond {
		c.Loop.StuckSweepInterval = def.Loop.StuckSweepInterval
	}
	if c.Loop.StuckAfter <= 0 {
		c.Loop.StuckAfter = def.Loop.StuckAfter
	}
	if c.Loop.CancelGrace < 0 {
		c.Loop.CancelGrace = def.Loop.CancelGrace
	}
	if c.Concurrency.MaxConcurrent < 1 {
		c.Concurrency.MaxConcurrent = def.Concurrency.MaxConcurrent
	}
	if c.Concurrency.MaxWorkers < 1 {
		c.Concurrency.MaxWorkers = def.Concurrency.MaxWorkers
	}
	if c.Concurrency.SpecialistCapacity < 1 {
		c.Concurrency.SpecialistCapacity = def.Concurrency.SpecialistCapacity
	}
	if c.Concurrency.BackendTimeout <= 0 {
		c.Concurrency.BackendTimeout = def.Concurrency.BackendTimeout
	}
	if c.Recovery.MaxAttempts < 1 {
		c.Recovery.MaxAttempts = def.Recovery.MaxAttempts
	}
	if c.Recovery.SkipBackoff <= 0 {
		c.Recovery.SkipBackoff = def.Recovery.SkipBackoff
	}
	if c.Recovery.LessonLimit < 1 {
		c.Recovery.LessonLimit = def.Recovery.LessonLimit
	}
	if c.Review.Threshold < 0 || c.Review.Threshold > 100 {
		c.Review.Threshold = def.Review.Threshold
	}
	if c.Backend.MaxTokens < 1 {
		c.Backend.MaxTokens = def.Backend.MaxTokens
	}
	if c.Backend.Temperature < 0 || c.Backend.Temperature > 1 {
		c.Backend.Temperature = def.Backend.Temperature
	}
	if c.Events.BufferSize < 1 {
		c.Events.BufferSize = def.Events.BufferSize
	}
	return nil
}
