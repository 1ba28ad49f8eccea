package recovery

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

func durabilityPrompt(t *models.Task, issue *models.Issue) string {
	var sb strings.Builder
	sb.WriteString("## Lesson Review\n\n")
	sb.WriteString("A task failed. Decide whether the failure teaches something durable that\n")
	sb.WriteString("future tasks should know about (a recurring error pattern, an environment\n")
	sb.WriteString("constraint, a design pitfall). One-off glitches are not durable.\n\n")
	writeFailure(&sb, t, issue)
	sb.WriteString("\nReply with a single JSON object:\n")
	sb.WriteString(`{"should_commit": true|false, "rationale": "<why>", "lesson": "<the lesson, one or two sentences>"}`)
	sb.WriteString("\n")
	return sb.String()
}

func strategyPrompt(t *models.Task, issue *models.Issue, lessons []knowledge.Entry) string {
	var sb strings.Builder
	sb.WriteString("## Recovery Decision\n\n")
	writeFailure(&sb, t, issue)
	fmt.Fprintf(&sb, "Attempts so far: %d, recovery actions so far: %d\n", t.Attempts, t.RecoveryAttempts)

	if len(lessons) > 0 {
		sb.WriteString("\n## Known Lessons\n\n")
		for _, l := range lessons {
			fmt.Fprintf(&sb, "- [%s, importance %d] %s\n", l.Category, l.Importance, l.Content)
		}
	}

	sb.WriteString("\n## Options\n\n")
	for _, s := range models.Strategies {
		fmt.Fprintf(&sb, "- %s: %s\n", s, strategyHelp[s])
	}
	sb.WriteString("\nReply with a single JSON object:\n")
	sb.WriteString(`{"choice": "<option>", "rejected": ["<option>", ...], "confidence": <0-100>, "reasoning": "<why>",
 "subtasks": [{"title": "...", "description": "...", "complexity": <1-10>, "estimated_minutes": <n>, "required_skills": ["..."]}],
 "requirements": {"description": "<relaxed task description>", "required_skills": ["..."]}}`)
	sb.WriteString("\nInclude subtasks only for decompose_task and requirements only for modify_requirements.\n")
	return sb.String()
}

var strategyHelp = map[models.Strategy]string{
	models.StrategyRetryDifferentAgent: "run the task again on a different worker",
	models.StrategyDecompose:           "split the task into two or more smaller sub-tasks",
	models.StrategyEscalate:            "stop and hand the task to a human",
	models.StrategySkipTemporarily:     "set the task aside and retry it later",
	models.StrategyModifyRequirements:  "rewrite the task with relaxed requirements and retry",
}

func writeFailure(sb *strings.Builder, t *models.Task, issue *models.Issue) {
	fmt.Fprintf(sb, "Task: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(sb, "Description: %s\n", t.Description)
	}
	fmt.Fprintf(sb, "Complexity: %d/10\n", t.Complexity)
	if len(t.RequiredSkills) > 0 {
		fmt.Fprintf(sb, "Required skills: %s\n", strings.Join(t.RequiredSkills, ", "))
	}
	fmt.Fprintf(sb, "Failure (%s, %s): %s\n", issue.Category, issue.Severity, issue.Description)
	if issue.Context != "" {
		fmt.Fprintf(sb, "Context: %s\n", issue.Context)
	}
}
