package watch

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/laborch/internal/model"
	"github.com/mattjoyce/laborch/internal/orchestrator"
)

func newActionTable() table.Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Server", Width: 12},
			{Title: "Endpoint", Width: 20},
			{Title: "ID", Width: 8},
			{Title: "Age", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)
	return t
}

// actionRows lists active actions first, then errored and estopped ones.
func actionRows(gs orchestrator.GlobalStatus, theme Theme, now time.Time) []table.Row {
	var rows []table.Row
	add := func(list []*model.Action, sym string) {
		sorted := make([]*model.Action, len(list))
		copy(sorted, list)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].OrchSubmitOrder < sorted[j].OrchSubmitOrder
		})
		for _, a := range sorted {
			age := "-"
			if a.DispatchedAt != nil {
				age = now.Sub(*a.DispatchedAt).Round(time.Second).String()
			}
			rows = append(rows, table.Row{sym, a.Server.Name, a.Endpoint, shortID(a.ActionUUID), age})
		}
	}
	add(gs.ActiveActions, theme.StatusRunning.Render("◉"))
	add(gs.Errored, theme.StatusFailed.Render("∅"))
	add(gs.Estopped, theme.StatusFailed.Render("■"))
	return rows
}

func renderActions(t table.Model, theme Theme, width int) string {
	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("ACTIONS"),
			t.View(),
		),
	)
}

// renderServers shows heartbeat health and running local waits.
func renderServers(gs orchestrator.GlobalStatus, theme Theme, width int) string {
	var lines []string
	for _, h := range gs.Servers {
		sym := theme.HealthMark(h.Available)
		detail := ""
		if !h.Available {
			detail = theme.Dim.Render(" " + h.Reason)
		}
		lines = append(lines, fmt.Sprintf("%s %-14s%s", sym, h.Server, detail))
	}
	for _, w := range gs.Waits {
		lines = append(lines, fmt.Sprintf("%s wait %s %.0fs left",
			theme.Highlight.Render("⏳"), shortID(w.ActionUUID), w.Remaining))
	}
	if len(lines) == 0 {
		lines = append(lines, theme.Dim.Render("No servers reported"))
	}

	return theme.Border.Width(width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("SERVERS"),
			lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
		),
	)
}
