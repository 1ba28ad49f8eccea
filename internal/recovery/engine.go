// Package recovery decides what to do about a failed task and carries
// the decision out.
//
// Analyze suspends on the reasoning backend and the knowledge store and
// works on task snapshots only. Apply mutates the task graph and must be
// called by the single writer.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/llm"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// ErrRecoveryExhausted is reported when a task has used its recovery budget.
var ErrRecoveryExhausted = errors.New("recovery exhausted")

// Config tunes recovery.
type Config struct {
	// MaxAttempts is the number of recovery strategies a task may use.
	MaxAttempts int
	// SkipBackoff is how long skip_temporarily holds a task.
	SkipBackoff time.Duration
	MaxTokens   int
	Temperature float64
	// LessonLimit caps the lessons quoted in the strategy prompt.
	LessonLimit int
}

// DefaultConfig returns the default recovery settings.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		SkipBackoff: 30 * time.Second,
		MaxTokens:   2048,
		LessonLimit: 5,
	}
}

// Analysis is everything Analyze learned about one failure.
type Analysis struct {
	RunID string
	Task  *models.Task
	Issue *models.Issue

	// Durable is true once a lesson was committed to the store.
	Durable bool
	Lesson  *knowledge.Entry
	// LessonErr is set when a durable lesson could not be stored.
	LessonErr error

	Decision *models.Decision
	Reply    *llm.StrategyReply
	// Exhausted is set when the decision was forced by the recovery budget.
	Exhausted bool
	// Degraded holds lower-severity issues raised while recovering.
	Degraded []*models.Issue
	// Responses are every backend response, for cost accounting.
	Responses []*llm.Response
}

// Engine runs failure analysis.
type Engine struct {
	backend  llm.Backend
	store    knowledge.Store
	cfg      Config
	now      func() time.Time
	debugLog func(format string, args ...interface{})
}

// New creates an Engine. A nil store disables lessons.
func New(backend llm.Backend, store knowledge.Store, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.SkipBackoff <= 0 {
		cfg.SkipBackoff = def.SkipBackoff
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.LessonLimit <= 0 {
		cfg.LessonLimit = def.LessonLimit
	}
	return &Engine{
		backend:  backend,
		store:    store,
		cfg:      cfg,
		now:      time.Now,
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (e *Engine) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		e.debugLog = fn
	}
}

// SetClock overrides the time source.
func (e *Engine) SetClock(fn func() time.Time) {
	if fn != nil {
		e.now = fn
	}
}

// Analyze classifies the failure's durability and chooses a strategy.
// Backend and store failures never propagate: they degrade to a
// non-durable lesson and an escalate_to_human decision.
func (e *Engine) Analyze(ctx context.Context, runID string, task *models.Task, issue *models.Issue) *Analysis {
	a := &Analysis{RunID: runID, Task: task, Issue: issue}
	e.classify(ctx, a)

	if task.RecoveryAttempts >= e.cfg.MaxAttempts {
		a.Exhausted = true
		a.Decision = e.decision(a, models.StrategyEscalate, 100,
			fmt.Sprintf("%v after %d recovery actions", ErrRecoveryExhausted, task.RecoveryAttempts))
		a.Decision.Reversible = false
		e.debugLog("[recovery.Analyze] %s: budget exhausted, escalating", task.ID)
		return a
	}

	e.choose(ctx, a)
	return a
}

// classify runs the durability step.
func (e *Engine) classify(ctx context.Context, a *Analysis) {
	resp, err := e.generate(ctx, a, durabilityPrompt(a.Task, a.Issue))
	if err != nil {
		a.Degraded = append(a.Degraded, e.degraded(a, fmt.Sprintf("lesson classification failed: %v", err)))
		return
	}
	parsed := llm.Parse[llm.DurabilityReply](resp.Content)
	if !parsed.Parsed() {
		e.debugLog("[recovery.classify] %s: %v, treating as not durable", a.Task.ID, parsed.Err)
		return
	}
	if !parsed.Value.ShouldCommit {
		return
	}
	if e.store == nil {
		return
	}

	content := parsed.Value.Lesson
	if content == "" {
		content = parsed.Value.Rationale
	}
	if content == "" {
		content = a.Issue.Description
	}
	category := string(a.Issue.Category)
	entry := knowledge.Entry{
		ID:         uuid.New().String()[:8],
		Category:   category,
		Context:    fmt.Sprintf("%s: %s", a.Task.Title, a.Issue.Description),
		Content:    content,
		Tags:       []string{category, knowledge.TagErrorPattern},
		Importance: a.Issue.Severity.Importance(),
		CreatedAt:  e.now(),
	}
	if err := e.store.Append(ctx, entry); err != nil {
		log.Printf("[recovery] lesson for task %s not recorded: %v", a.Task.ID, err)
		a.LessonErr = err
		return
	}
	a.Durable = true
	a.Lesson = &entry
}

// choose runs the strategy step.
func (e *Engine) choose(ctx context.Context, a *Analysis) {
	var lessons []knowledge.Entry
	if e.store != nil {
		var err error
		lessons, err = e.store.Query(ctx, []string{string(a.Issue.Category), knowledge.TagErrorPattern}, e.cfg.LessonLimit)
		if err != nil {
			log.Printf("[recovery] lesson lookup failed: %v", err)
			lessons = nil
		}
	}

	resp, err := e.generate(ctx, a, strategyPrompt(a.Task, a.Issue, lessons))
	if err != nil {
		a.Degraded = append(a.Degraded, e.degraded(a, fmt.Sprintf("strategy selection failed: %v", err)))
		a.Decision = e.decision(a, models.StrategyEscalate, 0, "backend unavailable for strategy selection")
		return
	}

	parsed := llm.Parse[llm.StrategyReply](resp.Content)
	choice := models.Strategy(parsed.Value.Choice)
	if !parsed.Parsed() || !choice.Valid() {
		reason := fmt.Sprintf("unusable strategy reply: %v", parsed.Err)
		if parsed.Parsed() {
			reason = fmt.Sprintf("unknown strategy %q", parsed.Value.Choice)
		}
		a.Degraded = append(a.Degraded, e.degraded(a, reason))
		a.Decision = e.decision(a, models.StrategyEscalate, 0, reason)
		return
	}

	reply := parsed.Value
	a.Reply = &reply
	a.Decision = e.decision(a, choice, int(clamp(reply.Confidence, 0, 100)), reply.Reasoning)
	if rejected := validStrategies(reply.Rejected, choice); len(rejected) > 0 {
		a.Decision.Alternatives = rejected
	}
	e.debugLog("[recovery.choose] %s: %s (confidence %d)", a.Task.ID, choice, a.Decision.Confidence)
}

func (e *Engine) generate(ctx context.Context, a *Analysis, prompt string) (*llm.Response, error) {
	resp, err := e.backend.Generate(ctx, prompt, llm.Options{
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		ModelHint:   string(models.TierForComplexity(a.Task.Complexity)),
	})
	if err != nil {
		return nil, llm.Classify(err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: empty response", llm.ErrUnavailable)
	}
	a.Responses = append(a.Responses, resp)
	if resp.Error != "" {
		return nil, fmt.Errorf("%w: %s", llm.ErrUnavailable, resp.Error)
	}
	return resp, nil
}

// decision builds a Decision whose alternatives default to every other option.
func (e *Engine) decision(a *Analysis, chosen models.Strategy, confidence int, reasoning string) *models.Decision {
	alts := make([]models.Strategy, 0, len(models.Strategies)-1)
	for _, s := range models.Strategies {
		if s != chosen {
			alts = append(alts, s)
		}
	}
	return &models.Decision{
		ID:           uuid.New().String()[:8],
		RunID:        a.RunID,
		TaskID:       a.Task.ID,
		IssueID:      a.Issue.ID,
		Context:      fmt.Sprintf("task %q failed: %s", a.Task.Title, a.Issue.Description),
		Chosen:       chosen,
		Alternatives: alts,
		Confidence:   confidence,
		Reversible:   chosen.Reversible(),
		Reasoning:    reasoning,
		Outcome:      models.OutcomePending,
		CreatedAt:    e.now(),
	}
}

func (e *Engine) degraded(a *Analysis, desc string) *models.Issue {
	log.Printf("[recovery] task %s: %s", a.Task.ID, desc)
	return &models.Issue{
		ID:          uuid.New().String()[:8],
		TaskID:      a.Task.ID,
		Severity:    a.Issue.Severity.Lower(),
		Category:    models.IssueError,
		Description: desc,
		Reporter:    "engine",
		CreatedAt:   e.now(),
	}
}

func validStrategies(in []string, chosen models.Strategy) []models.Strategy {
	var out []models.Strategy
	for _, s := range in {
		st := models.Strategy(s)
		if st.Valid() && st != chosen && !slices.Contains(out, st) {
			out = append(out, st)
		}
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
