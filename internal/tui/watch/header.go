package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// HealthState tracks orchestrator health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(health HealthState, worker WorkerState, spin string, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4

	conn := theme.StatusOK.Render("CONNECTED")
	if !health.Connected {
		conn = theme.StatusFailed.Render("CONNECTING")
	}

	lastEvent := "never"
	if !activity.LastEvent().IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(activity.LastEvent()).Round(time.Second))
	}

	title := fmt.Sprintf(" FACEBRIDGE WATCH %s", spin)
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := max(1, innerWidth-lipgloss.Width(title)-lipgloss.Width(clock)-4)
	titleLine := title + strings.Repeat(" ", pad) + clock + " "

	state := worker.State
	if state == "" {
		state = "not_started"
	}
	profile := worker.Profile
	if profile == "" {
		profile = "-"
	}
	statsLine := fmt.Sprintf(" %s  ⏱ %s  Profile: %s  Worker: %s  Restarts: %d",
		conn,
		formatDuration(time.Duration(health.UptimeSeconds)*time.Second),
		theme.Highlight.Render(profile),
		theme.stateStyle(state).Render(state),
		worker.Restarts,
	)

	lines := []string{titleLine, statsLine}
	if worker.LastFailure != "" {
		failure := worker.LastFailure
		if worker.ExitCode != 0 {
			failure = fmt.Sprintf("%s (exit %d)", failure, worker.ExitCode)
		}
		lines = append(lines, " "+theme.StatusFailed.Render("Last failure: "+failure))
	}
	lines = append(lines, fmt.Sprintf(" Last event: %s %s", lastEvent, activity.Render(theme)))

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
