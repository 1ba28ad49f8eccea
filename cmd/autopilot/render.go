package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/ShayCichocki/autopilot/internal/journal"
	"github.com/ShayCichocki/autopilot/internal/knowledge"
	"github.com/ShayCichocki/autopilot/internal/orchestrator"
	"github.com/ShayCichocki/autopilot/pkg/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("34"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}

// eventColor picks the line color for an event type.
func eventColor(t orchestrator.EventType) color.Attribute {
	switch t {
	case orchestrator.EventTaskCompleted, orchestrator.EventRunCompleted, orchestrator.EventRunResumed:
		return color.FgGreen
	case orchestrator.EventTaskFailed, orchestrator.EventEscalation, orchestrator.EventLoopError:
		return color.FgRed
	case orchestrator.EventTaskBlocked, orchestrator.EventRunStalled, orchestrator.EventRunPaused,
		orchestrator.EventRunCancelled, orchestrator.EventDecisionMade:
		return color.FgYellow
	case orchestrator.EventLessonRecorded, orchestrator.EventWorkerSpawned:
		return color.FgCyan
	default:
		return color.FgWhite
	}
}

// formatEvent renders one event as a single log line.
func formatEvent(ev orchestrator.Event) string {
	var b strings.Builder
	b.WriteString(ev.Timestamp.Format("15:04:05"))
	b.WriteString(" ")
	b.WriteString(color.New(eventColor(ev.Type)).Sprintf("%-15s", ev.Type))

	if ev.TaskID != "" {
		fmt.Fprintf(&b, " %s", ev.TaskID)
		if ev.TaskTitle != "" {
			fmt.Fprintf(&b, " (%s)", ev.TaskTitle)
		}
	}
	if ev.WorkerID != "" {
		fmt.Fprintf(&b, " worker=%s", ev.WorkerID)
	}
	switch {
	case ev.Decision != nil:
		fmt.Fprintf(&b, " strategy=%s confidence=%d", ev.Decision.Chosen, ev.Decision.Confidence)
	case ev.Lesson != nil:
		fmt.Fprintf(&b, " lesson=%q", truncate(ev.Lesson.Content, 60))
	case ev.Metrics != nil && ev.Type == orchestrator.EventProgress:
		fmt.Fprintf(&b, " %.0f%% %s", ev.Metrics.PercentComplete, ev.Metrics.Phase)
	}
	if ev.Message != "" {
		fmt.Fprintf(&b, " %s", ev.Message)
	}
	if ev.Error != "" {
		fmt.Fprintf(&b, " error=%q", truncate(ev.Error, 80))
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// stateStyle colors run, task and decision outcome states alike; they
// share the words completed and failed.
func stateStyle(state string) lipgloss.Style {
	switch state {
	case string(orchestrator.RunCompleted), models.OutcomeSucceeded:
		return okStyle
	case string(orchestrator.RunFailed):
		return errStyle
	case string(orchestrator.RunCancelled), string(orchestrator.RunStalled), string(orchestrator.RunPaused),
		string(models.TaskStatusBlocked):
		return warnStyle
	default:
		return lipgloss.NewStyle()
	}
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-14s", label)) + value
}

// renderSummary draws a run's final or current state.
func renderSummary(st *orchestrator.Status) string {
	var lines []string
	lines = append(lines, titleStyle.Render("Run "+st.RunID))
	lines = append(lines, row("State", stateStyle(string(st.State)).Render(string(st.State))))
	lines = append(lines, row("Progress", fmt.Sprintf("%.0f%% (%s)", st.Progress, st.Phase)))

	if m := st.Metrics; m != nil {
		lines = append(lines, row("Tasks", fmt.Sprintf("%d total, %d completed, %d failed, %d blocked, %d pending",
			m.Total, m.Completed, m.Failed, m.Blocked, m.Pending)))
		lines = append(lines, row("Quality", fmt.Sprintf("%.0f%%", m.QualityScore)))
		lines = append(lines, row("Autonomy", fmt.Sprintf("%.0f%% (%d escalations)", m.AutonomyLevel, m.Escalations)))
		lines = append(lines, row("Velocity", fmt.Sprintf("%.1f tasks/h", m.Velocity)))
		if len(m.CriticalPath) > 0 {
			lines = append(lines, row("Critical path", fmt.Sprintf("%s (%s)",
				strings.Join(m.CriticalPath, " → "), m.CriticalPathDuration)))
		}
		lines = append(lines, row("Usage", fmt.Sprintf("%d tokens, $%.4f", m.TokensUsed, m.Cost)))
		lines = append(lines, row("Elapsed", m.Elapsed.Round(time.Second).String()))
	}

	if len(st.Tasks) > 0 {
		lines = append(lines, "")
		lines = append(lines, renderTasks(st.Tasks))
	}
	if len(st.Decisions) > 0 {
		lines = append(lines, "")
		lines = append(lines, labelStyle.Render("Decisions"))
		for _, d := range st.Decisions {
			lines = append(lines, renderDecision(d))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func renderTasks(tasks []*models.Task) string {
	sorted := make([]*models.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	width := 4
	for _, t := range sorted {
		if len(t.ID) > width {
			width = len(t.ID)
		}
	}
	var b strings.Builder
	for i, t := range sorted {
		if i > 0 {
			b.WriteString("\n")
		}
		status := stateStyle(string(t.Status)).Render(fmt.Sprintf("%-11s", t.Status))
		fmt.Fprintf(&b, "%-*s  %s  %s", width, t.ID, status, truncate(t.Title, 48))
		switch {
		case t.Note != "":
			b.WriteString(dimStyle.Render("  " + truncate(t.Note, 40)))
		case t.BlockedReason != "":
			b.WriteString(dimStyle.Render("  " + t.BlockedReason))
		case t.Error != "":
			b.WriteString(dimStyle.Render("  " + truncate(t.Error, 40)))
		}
	}
	return b.String()
}

func renderDecision(d models.Decision) string {
	return fmt.Sprintf("  %s %s → %s (%d%%) %s",
		d.CreatedAt.Format("15:04:05"), d.TaskID, d.Chosen, d.Confidence,
		stateStyle(d.Outcome).Render(d.Outcome))
}

// renderJournalRun draws a journaled run with its audit trail.
func renderJournalRun(r *journal.Run, issues []models.Issue, decisions []models.Decision) string {
	var lines []string
	lines = append(lines, titleStyle.Render("Run "+r.ID))
	lines = append(lines, row("State", stateStyle(r.State).Render(r.State)))
	lines = append(lines, row("Started", r.StartedAt.Local().Format(time.RFC1123)))
	if r.FinishedAt != nil {
		lines = append(lines, row("Finished", fmt.Sprintf("%s (%s)",
			r.FinishedAt.Local().Format(time.RFC1123), r.FinishedAt.Sub(r.StartedAt).Round(time.Second))))
	}
	lines = append(lines, row("Tasks", fmt.Sprint(r.TaskCount)))
	if m := r.Metrics; m != nil {
		lines = append(lines, row("Progress", fmt.Sprintf("%.0f%% (%s)", m.PercentComplete, m.Phase)))
		lines = append(lines, row("Usage", fmt.Sprintf("%d tokens, $%.4f", m.TokensUsed, m.Cost)))
	}
	if len(issues) > 0 {
		lines = append(lines, "", labelStyle.Render("Issues"))
		for _, is := range issues {
			lines = append(lines, fmt.Sprintf("  %s %s [%s/%s] %s",
				is.CreatedAt.Local().Format("15:04:05"), is.TaskID, is.Severity, is.Category, truncate(is.Description, 60)))
		}
	}
	if len(decisions) > 0 {
		lines = append(lines, "", labelStyle.Render("Decisions"))
		for _, d := range decisions {
			lines = append(lines, renderDecision(d))
		}
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

// renderLesson formats one knowledge entry for listing.
func renderLesson(e knowledge.Entry) string {
	return fmt.Sprintf("%s %s %s\n    %s",
		dimStyle.Render(e.ID),
		color.New(color.FgCyan).Sprintf("[%s, importance %d]", e.Category, e.Importance),
		dimStyle.Render(strings.Join(e.Tags, ",")),
		e.Content)
}
