package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Reply is one scripted answer from MockBackend.
type Reply struct {
	Content string
	Err     error
	Delay   time.Duration
	Tokens  Usage
	Cost    float64
}

// Call records one Generate invocation.
type Call struct {
	Prompt string
	Opts   Options
}

type rule struct {
	match   string
	replies []Reply
}

// MockBackend is a scripted Backend used for dry runs and tests. Rules
// route a prompt by substring to a queue of replies; the last reply of a
// queue repeats once the others are used. Prompts no rule matches get a
// heuristic default.
type MockBackend struct {
	mu    sync.Mutex
	rules []*rule
	calls []Call

	// Respond overrides the heuristic default for unmatched prompts.
	Respond func(prompt string, opts Options) Reply
}

// NewMockBackend creates an empty scripted backend.
func NewMockBackend() *MockBackend {
	return &MockBackend{}
}

// Name implements the optional naming hook used in logs.
func (m *MockBackend) Name() string { return "mock" }

// On registers replies for prompts containing match. Rules are checked in
// registration order.
func (m *MockBackend) On(match string, replies ...Reply) *MockBackend {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, &rule{match: match, replies: replies})
	return m
}

// Calls returns a copy of every recorded call.
func (m *MockBackend) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount counts recorded calls whose prompt contains match.
func (m *MockBackend) CallCount(match string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if strings.Contains(c.Prompt, match) {
			n++
		}
	}
	return n
}

func (m *MockBackend) next(prompt string, opts Options) Reply {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Prompt: prompt, Opts: opts})
	for _, r := range m.rules {
		if !strings.Contains(prompt, r.match) || len(r.replies) == 0 {
			continue
		}
		reply := r.replies[0]
		if len(r.replies) > 1 {
			r.replies = r.replies[1:]
		}
		return reply
	}
	if m.Respond != nil {
		return m.Respond(prompt, opts)
	}
	return heuristicReply(prompt)
}

// Generate returns the next scripted reply, honouring its delay and the
// caller's context.
func (m *MockBackend) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	reply := m.next(prompt, opts)
	start := time.Now()
	if reply.Delay > 0 {
		timer := time.NewTimer(reply.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, Classify(ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, Classify(err)
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	tokens := reply.Tokens
	if tokens.Total == 0 {
		tokens = Usage{Prompt: int64(len(prompt) / 4), Completion: int64(len(reply.Content) / 4)}
		tokens.Total = tokens.Prompt + tokens.Completion
	}
	return &Response{
		Content: reply.Content,
		Tokens:  tokens,
		Latency: time.Since(start),
		Cost:    reply.Cost,
		Model:   "mock",
	}, nil
}

// heuristicReply answers each prompt family with a plausible reply so a
// dry run completes: lessons are never durable, recovery always retries,
// and every task succeeds.
func heuristicReply(prompt string) Reply {
	switch {
	case strings.Contains(prompt, `"should_commit"`):
		return Reply{Content: `{"should_commit": false, "rationale": "dry run"}`}
	case strings.Contains(prompt, "retry_with_different_agent"):
		return Reply{Content: `{"choice": "retry_with_different_agent", "rejected": ["decompose_task", "escalate_to_human", "skip_temporarily", "modify_requirements"], "confidence": 60, "reasoning": "dry run"}`}
	default:
		return Reply{Content: `{"success": true, "output": "dry run", "quality": 80}`}
	}
}
