package recovery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ShayCichocki/autopilot/internal/graph"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

// Applied reports the graph changes a strategy made.
type Applied struct {
	Strategy models.Strategy
	// Requeued is set when the task went back to pending.
	Requeued bool
	// Subtasks are the IDs created by decomposition.
	Subtasks []string
	// Blocked lists dependents blocked by a permanent failure.
	Blocked []string
	// FailedParents lists decomposed parents failed because of this task.
	FailedParents []string
	// Escalated is set when the task was handed to a human.
	Escalated bool
	// SkippedUntil is when a skipped task will be reconsidered.
	SkippedUntil time.Time
	// Fallback explains why the chosen strategy was replaced by escalation.
	Fallback string
}

// Apply records the analysis on the task and executes its decision. A
// strategy that cannot be carried out falls back to escalation.
func (e *Engine) Apply(g *graph.Store, a *Analysis) (*Applied, error) {
	taskID := a.Task.ID
	st, err := g.Status(taskID)
	if err != nil {
		return nil, err
	}
	if st != models.TaskStatusFailed {
		return nil, fmt.Errorf("%w: recover %s in status %s", graph.ErrInvalidTransition, taskID, st)
	}

	if err := g.Update(taskID, func(t *models.Task) {
		t.RecoveryAttempts++
		for _, is := range t.Issues {
			if is.ID == a.Issue.ID && a.Durable {
				is.DurableLesson = true
			}
		}
		for _, d := range a.Degraded {
			cp := *d
			t.Issues = append(t.Issues, &cp)
		}
	}); err != nil {
		return nil, err
	}

	chosen := a.Decision.Chosen
	out := &Applied{Strategy: chosen}
	switch chosen {
	case models.StrategyRetryDifferentAgent:
		err = e.retry(g, a, out)
	case models.StrategyDecompose:
		err = e.decompose(g, a, out)
	case models.StrategySkipTemporarily:
		out.SkippedUntil = e.now().Add(e.cfg.SkipBackoff)
		err = g.Block(taskID, graph.ReasonSkipped, out.SkippedUntil)
	case models.StrategyModifyRequirements:
		err = e.modify(g, a, out)
	default:
		return out, e.escalate(g, taskID, out)
	}
	if err != nil {
		out.Fallback = err.Error()
		e.debugLog("[recovery.Apply] %s: %s failed (%v), escalating", taskID, chosen, err)
		return out, e.escalate(g, taskID, out)
	}
	e.debugLog("[recovery.Apply] %s: applied %s", taskID, chosen)
	return out, nil
}

func (e *Engine) retry(g *graph.Store, a *Analysis, out *Applied) error {
	failed := a.Issue.Reporter
	if err := g.Update(a.Task.ID, func(t *models.Task) {
		if failed != "" && failed != "engine" {
			t.ExcludedWorkers = []string{failed}
		}
	}); err != nil {
		return err
	}
	if err := g.Requeue(a.Task.ID); err != nil {
		return err
	}
	out.Requeued = true
	return nil
}

// decompose splits the task. The original stays blocked until every
// sub-task completes (then it completes with a note) or one fails for good.
func (e *Engine) decompose(g *graph.Store, a *Analysis, out *Applied) error {
	var proposals []subtaskSpec
	if a.Reply != nil {
		for _, s := range a.Reply.Subtasks {
			if strings.TrimSpace(s.Title) == "" {
				continue
			}
			proposals = append(proposals, subtaskSpec{
				title:          s.Title,
				description:    s.Description,
				category:       models.Category(s.Category),
				priority:       s.Priority,
				complexity:     s.Complexity,
				estimate:       time.Duration(s.EstimatedMinutes) * time.Minute,
				requiredSkills: s.RequiredSkills,
			})
		}
	}
	if len(proposals) < 2 {
		proposals = fallbackSplit(a.Task, a.Issue)
	}

	parent := a.Task
	subtasks := make([]*models.Task, 0, len(proposals))
	for i, p := range proposals {
		sub := &models.Task{
			ID:                fmt.Sprintf("%s.%d", parent.ID, i+1),
			Title:             p.title,
			Description:       p.description,
			Category:          p.category,
			Priority:          p.priority,
			Complexity:        p.complexity,
			EstimatedDuration: p.estimate,
			RequiredSkills:    p.requiredSkills,
			CreatedAt:         e.now(),
		}
		if !sub.Category.Valid() {
			sub.Category = parent.Category
		}
		if sub.Priority < 1 || sub.Priority > 10 {
			sub.Priority = parent.Priority
		}
		if sub.Complexity < 1 || sub.Complexity > 10 {
			sub.Complexity = max(1, parent.Complexity-2)
		}
		if sub.EstimatedDuration < 0 {
			sub.EstimatedDuration = 0
		}
		if sub.EstimatedDuration == 0 && parent.EstimatedDuration > 0 {
			sub.EstimatedDuration = parent.EstimatedDuration / time.Duration(len(proposals))
		}
		if len(sub.RequiredSkills) == 0 {
			sub.RequiredSkills = parent.RequiredSkills
		}
		subtasks = append(subtasks, sub)
	}

	ids, err := g.Decompose(parent.ID, subtasks)
	if err != nil {
		return err
	}
	out.Subtasks = ids
	return nil
}

type subtaskSpec struct {
	title          string
	description    string
	category       models.Category
	priority       int
	complexity     int
	estimate       time.Duration
	requiredSkills []string
}

// fallbackSplit is used when the backend asked for decomposition without
// proposing usable sub-tasks.
func fallbackSplit(t *models.Task, issue *models.Issue) []subtaskSpec {
	return []subtaskSpec{
		{
			title:       "Investigate: " + t.Title,
			description: fmt.Sprintf("Find the cause of the failure %q and outline a fix.", issue.Description),
			category:    models.CategoryResearch,
		},
		{
			title:       "Implement: " + t.Title,
			description: t.Description,
			category:    t.Category,
		},
	}
}

func (e *Engine) modify(g *graph.Store, a *Analysis, out *Applied) error {
	var req struct {
		description string
		skills      []string
	}
	if a.Reply != nil && a.Reply.Requirements != nil {
		req.description = strings.TrimSpace(a.Reply.Requirements.Description)
		req.skills = a.Reply.Requirements.RequiredSkills
	}
	if err := g.Update(a.Task.ID, func(t *models.Task) {
		if req.description != "" {
			t.Description = req.description
		} else {
			t.Description = strings.TrimSpace(t.Description + "\n\nScope reduced after failure: " + a.Issue.Description)
		}
		// Missing skills relax the requirement entirely.
		t.RequiredSkills = req.skills
	}); err != nil {
		return err
	}
	if err := g.Requeue(a.Task.ID); err != nil {
		return err
	}
	out.Requeued = true
	return nil
}

// escalate leaves the task failed for a human and blocks everything that
// can no longer run. A failed sub-task fails its decomposed parents too.
func (e *Engine) escalate(g *graph.Store, taskID string, out *Applied) error {
	out.Strategy = models.StrategyEscalate
	out.Escalated = true
	if err := g.Update(taskID, func(t *models.Task) { t.Escalated = true }); err != nil {
		return err
	}
	out.Blocked = append(out.Blocked, g.BlockDependents(taskID)...)

	child, err := g.Task(taskID)
	if err != nil {
		return err
	}
	for parentID := child.ParentID; parentID != ""; {
		err := g.FailDecomposed(parentID, fmt.Sprintf("sub-task %s failed permanently", child.ID))
		if errors.Is(err, graph.ErrInvalidTransition) {
			break
		}
		if err != nil {
			return err
		}
		out.FailedParents = append(out.FailedParents, parentID)
		out.Blocked = append(out.Blocked, g.BlockChildren(parentID)...)
		out.Blocked = append(out.Blocked, g.BlockDependents(parentID)...)
		if child, err = g.Task(parentID); err != nil {
			return err
		}
		parentID = child.ParentID
	}
	return nil
}
