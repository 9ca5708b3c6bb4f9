package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/laborch/internal/orchestrator"
)

// headerState is what the header needs beyond the polled status.
type headerState struct {
	Connected bool
	LastEvent time.Time
	LastPoll  time.Time
}

func renderHeader(gs orchestrator.GlobalStatus, hs headerState, spin spinner.Model, theme Theme, width int) string {
	innerWidth := width - 4

	name := gs.OrchName
	if name == "" {
		name = "?"
	}
	titleText := fmt.Sprintf(" LABORCH WATCH %s ", theme.Highlight.Render(name))
	if gs.LoopState == orchestrator.LoopStarted {
		titleText += spin.View()
	}
	clock := theme.Dim.Render(time.Now().Format("15:04:05"))
	pad := innerWidth - lipgloss.Width(titleText) - lipgloss.Width(clock) - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	statsLine := fmt.Sprintf(" %s  intent: %s  queues: seq %d · exp %d · act %d",
		renderLoopState(gs.LoopState, hs.Connected, theme),
		gs.Intent,
		gs.SequenceQueue, gs.ExperimentQueue, gs.ActionQueue,
	)

	lastEvent := "never"
	if !hs.LastEvent.IsZero() {
		lastEvent = fmt.Sprintf("%s ago", time.Since(hs.LastEvent).Round(time.Second))
	}
	activity := fmt.Sprintf(" last event: %s  step-through: %s", lastEvent, renderStepThrough(gs.StepThrough))
	if gs.LastDispatched != "" {
		activity += "  last dispatched: " + shortID(gs.LastDispatched)
	}

	lines := []string{titleLine, statsLine, activity}
	if gs.StopMessage != "" {
		style := theme.Dim
		if gs.LoopState == orchestrator.LoopEstopped {
			style = theme.StatusFailed
		}
		lines = append(lines, style.Render(" "+gs.StopMessage))
	}
	if exp := gs.ActiveExperiment; exp != nil {
		lines = append(lines, fmt.Sprintf(" experiment: %s [%s]", exp.Name, shortID(exp.ExperimentUUID)))
	}

	return theme.Border.Width(innerWidth).Render(lipgloss.JoinVertical(lipgloss.Left, lines...))
}

func renderLoopState(ls orchestrator.LoopState, connected bool, theme Theme) string {
	if !connected {
		return theme.StatusFailed.Render("DISCONNECTED")
	}
	switch ls {
	case orchestrator.LoopStarted:
		return theme.StatusRunning.Render("STARTED")
	case orchestrator.LoopEstopped:
		return theme.StatusEstop.Render(" ESTOP ")
	default:
		return theme.StatusIdle.Render("STOPPED")
	}
}

func renderStepThrough(st orchestrator.StepThrough) string {
	var on []string
	if st.Actions {
		on = append(on, "actions")
	}
	if st.Experiments {
		on = append(on, "experiments")
	}
	if st.Sequences {
		on = append(on, "sequences")
	}
	if len(on) == 0 {
		return "off"
	}
	return strings.Join(on, ",")
}
