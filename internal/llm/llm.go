// Package llm defines the reasoning backend contract and its providers.
// A backend turns a prompt into generated text plus usage accounting; the
// engine uses one both to perform tasks and to decide how to recover.
package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnavailable indicates the backend could not be reached or refused the call.
	ErrUnavailable = errors.New("reasoning backend unavailable")
	// ErrTimeout indicates the call exceeded its deadline.
	ErrTimeout = errors.New("reasoning backend timeout")
	// ErrUnparseable indicates a reply could not be decoded into the expected shape.
	ErrUnparseable = errors.New("unparseable result")
)

// Options tune a single generation.
type Options struct {
	MaxTokens   int
	Temperature float64
	// ModelHint is a tier name (scout, builder, architect) or a concrete model.
	ModelHint string
	// System is an optional system prompt.
	System string
}

// Usage is token accounting for one call.
type Usage struct {
	Prompt     int64 `json:"prompt"`
	Completion int64 `json:"completion"`
	Total      int64 `json:"total"`
}

// Response is the result of one generation. A backend may report a
// failure in Error instead of returning a Go error; callers treat both as
// a failed call.
type Response struct {
	Content string
	Tokens  Usage
	Latency time.Duration
	Cost    float64
	Model   string
	Error   string
}

// Backend is the reasoning backend contract.
type Backend interface {
	Generate(ctx context.Context, prompt string, opts Options) (*Response, error)
}

// Name returns a short name for a backend, for logs.
func Name(b Backend) string {
	if n, ok := b.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", b)
}

// Classify maps an error from a Generate call onto the taxonomy:
// ErrTimeout for deadline expiry, ErrUnavailable for anything the
// provider reported. Errors that already wrap a sentinel pass through.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable), errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64 // Cost per 1M input tokens
	OutputPerMillion float64 // Cost per 1M output tokens
}

// DefaultModelPricing contains pricing for known models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	"claude-haiku-4-5-20251001":  {InputPerMillion: 1.00, OutputPerMillion: 5.00},
	"gemini-1.5-flash":           {InputPerMillion: 0.075, OutputPerMillion: 0.30},
	"gemini-1.5-pro":             {InputPerMillion: 1.25, OutputPerMillion: 5.00},
}

// EstimateCost prices a call. Unknown models cost nothing.
func EstimateCost(model string, u Usage) float64 {
	p, ok := DefaultModelPricing[model]
	if !ok {
		return 0
	}
	return float64(u.Prompt)/1_000_000*p.InputPerMillion + float64(u.Completion)/1_000_000*p.OutputPerMillion
}

// Tracker accumulates usage across calls.
type Tracker struct {
	mu    sync.Mutex
	usage Usage
	cost  float64
	calls int
}

// NewTracker creates a new tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Add records one response.
func (t *Tracker) Add(resp *Response) {
	if resp == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.usage.Prompt += resp.Tokens.Prompt
	t.usage.Completion += resp.Tokens.Completion
	t.usage.Total += resp.Tokens.Total
	t.cost += resp.Cost
	t.calls++
}

// Totals returns accumulated usage, cost and call count.
func (t *Tracker) Totals() (Usage, float64, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usage, t.cost, t.calls
}
