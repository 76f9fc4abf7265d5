package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// MonitorRow is one monitor's line in a phase table.
// It mirrors monitor.Outcome so ui stays free of domain imports.
type MonitorRow struct {
	Name     string
	Host     string
	State    string
	OK       bool
	Skipped  bool
	Attempts int
	Duration time.Duration
	Error    string
}

// RenderMonitorTable renders monitor rows as a fixed-width table.
func RenderMonitorTable(rows []MonitorRow) string {
	if len(rows) == 0 {
		return "No monitors configured"
	}

	successStyle := lipgloss.NewStyle().Foreground(ColorSuccess)
	errorStyle := lipgloss.NewStyle().Foreground(ColorError)
	warnStyle := lipgloss.NewStyle().Foreground(ColorWarning)
	mutedStyle := lipgloss.NewStyle().Foreground(ColorMuted)
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(ColorPrimary).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(ColorMuted)

	var sb strings.Builder
	sb.WriteString(headerStyle.Render("  " +
		padRight("MONITOR", 16) +
		padRight("HOST", 24) +
		padRight("STATE", 12) +
		padRight("TRIES", 7) +
		"TIME"))
	sb.WriteString("\n")

	for _, row := range rows {
		icon := successStyle.Render(SymbolSuccess)
		state := row.State
		switch {
		case row.Skipped:
			icon = warnStyle.Render(SymbolSkipped)
			state = warnStyle.Render(state)
		case !row.OK:
			icon = errorStyle.Render(SymbolFail)
			state = errorStyle.Render(state)
		}

		tries := "-"
		if row.Attempts > 0 {
			tries = fmt.Sprintf("%d", row.Attempts)
		}

		sb.WriteString(icon + " " +
			padRight(row.Name, 16) +
			padRight(row.Host, 24) +
			padRight(state, 12) +
			padRight(tries, 7) +
			mutedStyle.Render(formatDuration(row.Duration)))
		sb.WriteString("\n")

		if row.Error != "" {
			sb.WriteString("    " + errorStyle.Render(row.Error) + "\n")
		}
	}
	return sb.String()
}

// padRight pads s to width visible columns.
func padRight(s string, width int) string {
	// Account for ANSI codes when calculating visible length
	visibleLen := lipgloss.Width(s)
	if visibleLen >= width {
		return s + " "
	}
	return s + strings.Repeat(" ", width-visibleLen)
}
