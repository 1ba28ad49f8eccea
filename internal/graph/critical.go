package graph

import (
	"sort"
	"time"
)

// defaultDuration stands in for tasks without an estimate.
const defaultDuration = time.Minute

// heuristicPercent is the share of tasks the duration heuristic reports.
const heuristicPercent = 30

// Schedule holds the CPM timings of one task, as offsets from run start.
type Schedule struct {
	TaskID        string
	EarliestStart time.Duration
	EarliestEnd   time.Duration
	LatestStart   time.Duration
	LatestEnd     time.Duration
	Slack         time.Duration
	Critical      bool
}

// CriticalPathResult is the output of a critical path method pass.
type CriticalPathResult struct {
	// Path lists zero-slack tasks in topological order.
	Path []string
	// Duration is the length of the longest dependency chain.
	Duration  time.Duration
	Schedules map[string]*Schedule
}

// CriticalPath runs a forward and backward CPM pass over the graph using
// each task's estimated duration.
func (s *Store) CriticalPath() (*CriticalPathResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, err := s.topoLocked()
	if err != nil {
		return nil, err
	}

	durations := make(map[string]time.Duration, len(order))
	for _, id := range order {
		d := s.nodes[id].EstimatedDuration
		if d <= 0 {
			d = defaultDuration
		}
		durations[id] = d
	}

	result := &CriticalPathResult{Schedules: make(map[string]*Schedule, len(order))}
	for _, id := range order {
		result.Schedules[id] = &Schedule{TaskID: id}
	}

	// Forward pass.
	for _, id := range order {
		ts := result.Schedules[id]
		var es time.Duration
		for _, pred := range s.edges[id] {
			if ef := result.Schedules[pred].EarliestEnd; ef > es {
				es = ef
			}
		}
		ts.EarliestStart = es
		ts.EarliestEnd = es + durations[id]
		if ts.EarliestEnd > result.Duration {
			result.Duration = ts.EarliestEnd
		}
	}

	// Backward pass.
	for i := len(order) - 1; i >= 0; i-- {
		id := order[i]
		ts := result.Schedules[id]
		lf := result.Duration
		for _, succ := range s.dependents[id] {
			if ls := result.Schedules[succ].LatestStart; ls < lf {
				lf = ls
			}
		}
		ts.LatestEnd = lf
		ts.LatestStart = lf - durations[id]
		ts.Slack = ts.LatestStart - ts.EarliestStart
		ts.Critical = ts.Slack == 0
	}

	for _, id := range order {
		if result.Schedules[id].Critical {
			result.Path = append(result.Path, id)
		}
	}
	return result, nil
}

// HeuristicCriticalPath returns the longest 30% of tasks by estimated
// duration (rounded up), longest first, ties by insertion order. It ignores
// dependency structure and is kept alongside CriticalPath for comparison.
func (s *Store) HeuristicCriticalPath() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.orderLocked()
	if len(ids) == 0 {
		return nil
	}
	sort.SliceStable(ids, func(i, j int) bool {
		return s.nodes[ids[i]].EstimatedDuration > s.nodes[ids[j]].EstimatedDuration
	})

	n := (len(ids)*heuristicPercent + 99) / 100
	return ids[:n]
}
