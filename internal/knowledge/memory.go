package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. It backs runs configured without
// a knowledge path and doubles as a test fake: Fail makes every call
// return ErrUnavailable and Appends counts write attempts.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	appends int
	queries int
	fail    bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Fail toggles simulated unavailability.
func (m *MemoryStore) Fail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = fail
}

// Appends returns the number of Append calls, successful or not.
func (m *MemoryStore) Appends() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appends
}

// Queries returns the number of Query calls.
func (m *MemoryStore) Queries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries
}

// Entries returns a copy of everything stored.
func (m *MemoryStore) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneEntries(m.entries)
}

// Append stores e.
func (m *MemoryStore) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.fail {
		return fmt.Errorf("%w: simulated", ErrUnavailable)
	}
	if e.ID == "" {
		e.ID = uuid.New().String()[:8]
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	e.Tags = normalizeTags(e.Tags)
	m.entries = append(m.entries, e)
	return nil
}

// Query mirrors SQLiteStore.Query ordering.
func (m *MemoryStore) Query(_ context.Context, tags []string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.fail {
		return nil, fmt.Errorf("%w: simulated", ErrUnavailable)
	}
	if limit <= 0 {
		limit = 10
	}
	want := make(map[string]bool)
	for _, t := range normalizeTags(tags) {
		want[t] = true
	}

	var out []Entry
	for _, e := range m.entries {
		if len(want) == 0 || hasAny(e.Tags, want) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Importance != out[j].Importance {
			return out[i].Importance > out[j].Importance
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return cloneEntries(out), nil
}

func hasAny(tags []string, want map[string]bool) bool {
	for _, t := range tags {
		if want[t] {
			return true
		}
	}
	return false
}
