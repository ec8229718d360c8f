package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/facebridge/internal/events"
)

const eventLogSize = 50

// Model is the main BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	health   HealthState
	worker   WorkerState
	runs     map[string]*RunState
	eventLog []events.Event
	lastID   int64

	spin     spinner.Model
	activity Activity
	runTable table.Model
	theme    Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		runs:      make(map[string]*RunState),
		eventLog:  make([]events.Event, 0, eventLogSize),
		hubEvents: make(chan events.Event, 100),
		spin:      spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		runTable:  newRunTable(),
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		m.spin.Tick,
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.runTable.SetWidth(max(20, msg.Width-8))

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		m.activity.Decay()
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m = m.handleEvent(events.Event(msg))
		return m, receiveNextEvent(m.hubEvents)

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		// Health is authoritative until events say otherwise.
		if m.worker.State == "" {
			m.worker.State = msg.WorkerState
			m.worker.Profile = msg.Profile
		}
		m.lastError = ""

		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case sseDisconnectedMsg:
		m.health.Connected = false
		m.lastError = "event stream disconnected, reconnecting..."
		lastID := max(msg.lastID, m.lastID)
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{lastID: lastID}
		})

	case reconnectMsg:
		// The pending receiveNextEvent keeps reading from the same channel.
		return m, subscribeToEvents(m.apiURL, m.apiKey, msg.lastID, m.hubEvents)

	case errMsg:
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

// handleEvent folds one event into the model. Replayed duplicates are
// ignored.
func (m Model) handleEvent(e events.Event) Model {
	if e.ID != 0 && e.ID <= m.lastID {
		return m
	}
	m.lastID = max(m.lastID, e.ID)

	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}

	m.activity.OnEvent()
	apply(&m.worker, m.runs, e)
	m.runTable.SetRows(runRows(m.runs))

	m.health.Connected = true
	m.lastError = ""
	return m
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to facebridge..."
	}

	parts := []string{
		renderHeader(m.health, m.worker, m.spin.View(), m.activity, m.theme, m.width),
		renderRuns(m.runTable, m.runs, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
