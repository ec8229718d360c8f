package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/facebridge/internal/events"
)

func newRunTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Run", Width: 10},
			{Title: "Profile", Width: 12},
			{Title: "Model", Width: 22},
			{Title: "Status", Width: 10},
			{Title: "Progress", Width: 8},
			{Title: "Last message", Width: 36},
		}),
		table.WithHeight(6),
		table.WithFocused(false),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true)
	styles.Selected = lipgloss.NewStyle()
	t.SetStyles(styles)
	return t
}

func runRows(runs map[string]*RunState) []table.Row {
	rows := make([]table.Row, 0, len(runs))
	for _, r := range sortedRuns(runs) {
		rows = append(rows, table.Row{
			shortID(r.ID),
			r.Profile,
			truncate(r.Model, 22),
			r.Status,
			fmt.Sprintf("%d", r.Progress),
			truncate(r.LastMessage, 36),
		})
	}
	return rows
}

func renderRuns(t table.Model, runs map[string]*RunState, theme Theme, width int) string {
	innerWidth := width - 4
	body := theme.Dim.Render("  No runs yet")
	if len(runs) > 0 {
		body = t.View()
	}
	return theme.Border.Width(innerWidth).Render(
		lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("RUNS"), body),
	)
}

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var typeStyle lipgloss.Style
	switch e.Type {
	case events.TypeWorkerFailure:
		typeStyle = theme.StatusFailed
	case events.TypeWorkerReady, events.TypeWorkerComplete:
		typeStyle = theme.StatusOK
	case events.TypeRunStarted, events.TypeWorkerProgress:
		typeStyle = theme.StatusRunning
	case events.TypeWorkerState:
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, typeStyle.Render(fmt.Sprintf("%-18s", e.Type)), describeEvent(e))
}

// describeEvent renders a short summary of an event payload.
func describeEvent(e events.Event) string {
	data := make(map[string]json.RawMessage)
	_ = json.Unmarshal(e.Data, &data)
	str := func(key string) string {
		var s string
		_ = json.Unmarshal(data[key], &s)
		return s
	}

	switch e.Type {
	case events.TypeWorkerState:
		return fmt.Sprintf("%s %s → %s", str("profile"), str("from"), str("to"))
	case events.TypeWorkerFailure:
		return fmt.Sprintf("%s %s", str("profile"), str("error"))
	case events.TypeWorkerProgress:
		return truncate(progressText(data["data"]), 60)
	case events.TypeRunStarted:
		return fmt.Sprintf("[%s] %s %s", shortID(str("id")), str("profile"), str("model"))
	case events.TypeRunFinished:
		return fmt.Sprintf("[%s] %s", shortID(str("id")), str("status"))
	}
	return truncate(string(e.Data), 60)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
