package execution

import (
	"fmt"
	"strings"

	"github.com/ShayCichocki/autopilot/pkg/models"
)

// replyFormat tells the backend how to report the outcome.
const replyFormat = `## Reply Format

Finish with a single JSON object:
{"success": true|false, "output": "<summary>", "quality": <0-100>,
 "artifacts": [{"type": "code|text|report", "name": "<name>", "content": "<payload>"}],
 "error": "<why it failed, if it did>"}
`

// BuildPrompt renders the execution prompt for a task and the worker
// performing it.
func BuildPrompt(t *models.Task, w *models.Worker) string {
	var sb strings.Builder

	sb.WriteString("## Task\n\n")
	fmt.Fprintf(&sb, "Title: %s\n", t.Title)
	if t.Description != "" {
		fmt.Fprintf(&sb, "Description: %s\n", t.Description)
	}
	if t.Category != "" {
		fmt.Fprintf(&sb, "Category: %s\n", t.Category)
	}
	fmt.Fprintf(&sb, "Priority: %d/10\n", t.Priority)
	fmt.Fprintf(&sb, "Complexity: %d/10\n", t.Complexity)
	if len(t.RequiredSkills) > 0 {
		fmt.Fprintf(&sb, "Required skills: %s\n", strings.Join(t.RequiredSkills, ", "))
	}

	if w != nil {
		sb.WriteString("\n## You\n\n")
		fmt.Fprintf(&sb, "You are %s", w.Name)
		if len(w.Specializations) > 0 {
			fmt.Fprintf(&sb, ", specialized in %s", strings.Join(w.Specializations, ", "))
		}
		sb.WriteString(".\n")
		if len(w.Capabilities) > 0 {
			fmt.Fprintf(&sb, "Capabilities: %s\n", strings.Join(w.Capabilities, ", "))
		}
	}

	if prev := t.LatestIssue(); prev != nil {
		sb.WriteString("\n## Previous Attempt\n\n")
		fmt.Fprintf(&sb, "The last attempt failed (%s): %s\n", prev.Severity, prev.Description)
	}

	sb.WriteString("\nStay focused on this task. Do not expand its scope.\n\n")
	sb.WriteString(replyFormat)
	return sb.String()
}
