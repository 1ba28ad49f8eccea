package orchestrator

import (
	"context"
	"time"

	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/orchestrator/policy"
	"github.com/ShayCichocki/autopilot/internal/progress"
	"github.com/ShayCichocki/autopilot/internal/workers"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Journal is the append-only audit trail of runs, issues and decisions.
// Failures are logged by the engine and never stop a run.
type Journal interface {
	RecordRun(ctx context.Context, runID string, startedAt time.Time, taskCount int) error
	RecordIssue(ctx context.Context, runID string, issue *models.Issue) error
	RecordDecision(ctx context.Context, d *models.Decision) error
	UpdateOutcome(ctx context.Context, decisionID, outcome string) error
	FinishRun(ctx context.Context, runID, state string, finishedAt time.Time, m *progress.Metrics) error
}

// Option configures an Engine. Use With* functions to create Options.
type Option func(*engineOptions)

// engineOptions holds all optional configuration.
type engineOptions struct {
	policyConfig *policy.Config
	store        knowledge.Store
	journal      Journal
	telemetry    *Telemetry
	registry     *workers.Registry
	table        workers.Table
	primary      *models.Worker
	logger       *DebugLogger
	now          func() time.Time
}

// WithPolicy sets the policy configuration.
func WithPolicy(p *policy.Config) Option {
	return func(o *engineOptions) { o.policyConfig = p }
}

// WithKnowledgeStore sets the lesson store consulted and updated on failures.
func WithKnowledgeStore(s knowledge.Store) Option {
	return func(o *engineOptions) { o.store = s }
}

// WithJournal sets the audit journal.
func WithJournal(j Journal) Option {
	return func(o *engineOptions) { o.journal = j }
}

// WithTelemetry sets the Prometheus collectors. Defaults to DefaultTelemetry.
func WithTelemetry(t *Telemetry) Option {
	return func(o *engineOptions) { o.telemetry = t }
}

// WithRegistry injects a worker registry. No primary worker is registered
// when a registry is supplied.
func WithRegistry(r *workers.Registry) Option {
	return func(o *engineOptions) { o.registry = r }
}

// WithSpecializations replaces the built-in specialization table.
func WithSpecializations(t workers.Table) Option {
	return func(o *engineOptions) { o.table = t }
}

// WithPrimaryWorker overrides the primary worker profile.
func WithPrimaryWorker(w *models.Worker) Option {
	return func(o *engineOptions) { o.primary = w }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithClock overrides the time source used for task and decision timestamps.
func WithClock(fn func() time.Time) Option {
	return func(o *engineOptions) { o.now = fn }
}
