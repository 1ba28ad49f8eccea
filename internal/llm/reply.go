package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// ErrNoJSON marks a reply that contains no JSON object at all. It always
// travels wrapped together with ErrUnparseable.
var ErrNoJSON = errors.New("no JSON object in reply")

// Result is the tagged outcome of decoding a backend reply: either Parsed
// with a Value, or Unparseable with the raw text and the reason.
type Result[T any] struct {
	Value    T
	Raw      string
	Repaired bool
	Err      error
}

// Parsed reports whether Value holds a decoded reply.
func (r Result[T]) Parsed() bool { return r.Err == nil }

// NoJSON reports whether the reply had no JSON object to decode.
func (r Result[T]) NoJSON() bool { return errors.Is(r.Err, ErrNoJSON) }

// Parse decodes the first JSON object in content into T. Code fences and
// surrounding prose are ignored. Malformed JSON gets one repair pass
// before the reply is declared unparseable.
func Parse[T any](content string) Result[T] {
	res := Result[T]{Raw: content}
	obj, ok := extractObject(content)
	if !ok {
		res.Err = fmt.Errorf("%w: %w", ErrUnparseable, ErrNoJSON)
		return res
	}

	if err := json.Unmarshal([]byte(obj), &res.Value); err == nil {
		return res
	}

	fixed, err := jsonrepair.JSONRepair(obj)
	if err != nil {
		res.Err = fmt.Errorf("%w: repair failed: %v", ErrUnparseable, err)
		return res
	}
	var value T
	if err := json.Unmarshal([]byte(fixed), &value); err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrUnparseable, err)
		return res
	}
	log.Printf("[llm] repaired malformed JSON reply (%d bytes)", len(obj))
	res.Value = value
	res.Repaired = true
	return res
}

// extractObject returns the first balanced {...} span in s, honouring
// string literals. An unbalanced tail is returned as-is for repair.
func extractObject(s string) (string, bool) {
	s = stripFences(s)
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return strings.TrimSpace(s[start:]), true
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	open := strings.Index(s, "```")
	if open < 0 {
		return s
	}
	body := s[open+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 {
		// Drop the language tag line.
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ArtifactReply is an artifact returned by a task execution.
type ArtifactReply struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// ExecutionReply is the structured result of performing a task.
type ExecutionReply struct {
	// Success is optional; a missing flag counts as success unless Error is set.
	Success   *bool           `json:"success"`
	Output    string          `json:"output"`
	Quality   *float64        `json:"quality"`
	Artifacts []ArtifactReply `json:"artifacts"`
	Error     string          `json:"error"`
}

// Succeeded resolves the optional success flag.
func (r ExecutionReply) Succeeded() bool {
	if r.Success != nil {
		return *r.Success
	}
	return r.Error == ""
}

// DurabilityReply answers "should this failure be remembered".
type DurabilityReply struct {
	ShouldCommit bool   `json:"should_commit"`
	Rationale    string `json:"rationale"`
	Lesson       string `json:"lesson"`
}

// SubtaskReply is one proposed sub-task of a decomposition.
type SubtaskReply struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Category         string   `json:"category"`
	Priority         int      `json:"priority"`
	Complexity       int      `json:"complexity"`
	EstimatedMinutes int      `json:"estimated_minutes"`
	RequiredSkills   []string `json:"required_skills"`
}

// RequirementsReply is a relaxed restatement of a task.
type RequirementsReply struct {
	Description    string   `json:"description"`
	RequiredSkills []string `json:"required_skills"`
}

// StrategyReply is the backend's recovery decision.
type StrategyReply struct {
	Choice       string             `json:"choice"`
	Rejected     []string           `json:"rejected"`
	Confidence   float64            `json:"confidence"`
	Reasoning    string             `json:"reasoning"`
	Subtasks     []SubtaskReply     `json:"subtasks"`
	Requirements *RequirementsReply `json:"requirements"`
}
