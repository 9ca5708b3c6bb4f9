// Package watch is the orchestrator's terminal monitor. It polls
// /global_status and follows the /events stream.
package watch

import (
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/laborch/internal/events"
)

// Theme holds every style the monitor uses.
type Theme struct {
	StatusOK      lipgloss.Style
	StatusRunning lipgloss.Style
	StatusFailed  lipgloss.Style
	StatusEstop   lipgloss.Style
	StatusIdle    lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
}

func NewDefaultTheme() Theme {
	purple := lipgloss.Color("#874BFD")

	return Theme{
		StatusOK:      lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00")),
		StatusRunning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00")),
		StatusFailed:  lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000")),
		StatusEstop: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#C00000")),
		StatusIdle: lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),

		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(purple),
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")),
		Highlight: lipgloss.NewStyle().Foreground(lipgloss.Color("#E5C07B")),
	}
}

// EventStyle colours an event type in the stream: estops stand out, failures
// are red, finished work is green and starts are yellow.
func (t Theme) EventStyle(eventType string) lipgloss.Style {
	switch {
	case eventType == events.Estopped:
		return t.StatusEstop
	case eventType == events.DispatchFailed:
		return t.StatusFailed
	case eventType == events.ServerHealth:
		return t.Highlight
	case strings.HasSuffix(eventType, ".finished"):
		return t.StatusOK
	case strings.HasSuffix(eventType, ".started"), eventType == events.ActionDispatch:
		return t.StatusRunning
	case strings.HasPrefix(eventType, "orch."):
		return t.Highlight
	default:
		return t.Dim
	}
}

// HealthMark is the server list glyph for an availability state.
func (t Theme) HealthMark(available bool) string {
	if available {
		return t.StatusOK.Render("●")
	}
	return t.StatusFailed.Render("○")
}
