package watch

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/laborch/internal/events"
	"github.com/mattjoyce/laborch/internal/orchestrator"
)

const pollInterval = 2 * time.Second

// Model is the BubbleTea model for the watch TUI.
type Model struct {
	apiURL string
	apiKey string

	width  int
	height int

	status   orchestrator.GlobalStatus
	header   headerState
	eventLog []events.Event
	lastID   int64

	actions table.Model
	spinner spinner.Model
	theme   Theme

	hubEvents chan events.Event

	lastError string
}

// New creates a new watch TUI model.
func New(apiURL, apiKey string) *Model {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	return &Model{
		apiURL:    apiURL,
		apiKey:    apiKey,
		eventLog:  make([]events.Event, 0),
		hubEvents: make(chan events.Event, 100),
		actions:   newActionTable(),
		spinner:   spin,
		theme:     NewDefaultTheme(),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToEvents(m.apiURL, m.apiKey, 0, m.hubEvents),
		receiveNextEvent(m.hubEvents),
		func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) },
		m.spinner.Tick,
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) }
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.actions.SetWidth(m.width - 6)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		// Refresh row ages between polls.
		m.actions.SetRows(actionRows(m.status, m.theme, time.Now()))
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case eventMsg:
		m.applyEvent(events.Event(msg))
		cmds := []tea.Cmd{receiveNextEvent(m.hubEvents)}
		// Loop and queue changes are worth an immediate re-poll.
		if refreshOn(msg.Type) {
			cmds = append(cmds, func() tea.Msg { return fetchStatus(m.apiURL, m.apiKey) })
		}
		return m, tea.Batch(cmds...)

	case statusMsg:
		m.applyStatus(orchestrator.GlobalStatus(msg))
		return m, tea.Tick(pollInterval, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})

	case sseDisconnectedMsg:
		m.header.Connected = false
		m.lastID = msg.lastID
		m.lastError = "SSE disconnected, reconnecting..."
		// The pending receiveNextEvent keeps reading the same channel.
		return m, tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
			return reconnectMsg{lastID: msg.lastID}
		})

	case reconnectMsg:
		return m, subscribeToEvents(m.apiURL, m.apiKey, msg.lastID, m.hubEvents)

	case errMsg:
		m.header.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchStatus(m.apiURL, m.apiKey)
		})
	}

	var cmd tea.Cmd
	m.actions, cmd = m.actions.Update(msg)
	return m, cmd
}

func (m *Model) applyEvent(e events.Event) {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > eventLogSize {
		m.eventLog = m.eventLog[:eventLogSize]
	}
	if e.ID > m.lastID {
		m.lastID = e.ID
	}
	m.header.Connected = true
	m.header.LastEvent = time.Now()
	m.lastError = ""
}

func (m *Model) applyStatus(gs orchestrator.GlobalStatus) {
	m.status = gs
	m.header.Connected = true
	m.header.LastPoll = time.Now()
	m.lastError = ""
	m.actions.SetRows(actionRows(gs, m.theme, time.Now()))
}

func refreshOn(eventType string) bool {
	switch eventType {
	case events.LoopState, events.Intent, events.Estopped, events.QueueChanged,
		events.ActionDispatch, events.ActionFinished, events.ServerHealth:
		return true
	}
	return false
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting to orchestrator..."
	}

	parts := []string{
		renderHeader(m.status, m.header, m.spinner, m.theme, m.width),
		renderActions(m.actions, m.theme, m.width),
		renderServers(m.status, m.theme, m.width),
		renderEventStream(m.eventLog, m.theme, m.width),
	}
	if m.lastError != "" {
		parts = append(parts, m.theme.StatusFailed.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	}
	parts = append(parts, lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [r] Refresh • [↑/↓] Scroll Actions"))

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
