package ui

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rileyhilliard/perfci/internal/util"
)

// ExecutionSummary holds what the summary shows for one execution.
type ExecutionSummary struct {
	ExecutionID string
	ResultDir   string
	Start       []MonitorRow
	Stop        []MonitorRow
	// Workload is a one-line workload status; empty means no workload ran.
	Workload   string
	WorkloadOK bool
	ReportPath string
	Failures   []string
	Duration   time.Duration
}

// RenderSummaryTo writes a formatted execution summary to w.
func RenderSummaryTo(w io.Writer, s *ExecutionSummary) {
	if s == nil {
		return
	}

	successStyle := lipgloss.NewStyle().Foreground(ColorSuccess)
	errorStyle := lipgloss.NewStyle().Foreground(ColorError)
	mutedStyle := lipgloss.NewStyle().Foreground(ColorMuted)
	headerStyle := lipgloss.NewStyle().Foreground(ColorSecondary).Bold(true)

	fmt.Fprintln(w)
	fmt.Fprintln(w, mutedStyle.Render(strings.Repeat("─", DividerWidth)))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s %s\n\n", headerStyle.Render("Execution"), s.ExecutionID)

	if len(s.Start) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Start"))
		fmt.Fprint(w, RenderMonitorTable(s.Start))
		fmt.Fprintln(w)
	}
	if s.Workload != "" {
		style := successStyle
		symbol := SymbolSuccess
		if !s.WorkloadOK {
			style, symbol = errorStyle, SymbolFail
		}
		fmt.Fprintf(w, "%s %s %s\n\n", headerStyle.Render("Workload"), style.Render(symbol), s.Workload)
	}
	if len(s.Stop) > 0 {
		fmt.Fprintln(w, headerStyle.Render("Stop"))
		fmt.Fprint(w, RenderMonitorTable(s.Stop))
		fmt.Fprintln(w)
	}

	if s.ResultDir != "" {
		fmt.Fprintf(w, "%s %s\n", mutedStyle.Render("Results:"), s.ResultDir)
	}
	if s.ReportPath != "" {
		fmt.Fprintf(w, "%s %s\n", mutedStyle.Render("Report: "), s.ReportPath)
	}

	fmt.Fprintln(w)
	if len(s.Failures) == 0 {
		fmt.Fprintln(w, successStyle.Render(fmt.Sprintf("%s Execution finished %s", SymbolSuccess, formatDuration(s.Duration))))
		return
	}
	word := util.Pluralize(len(s.Failures), "failure", "failures")
	fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("%s %d %s %s", SymbolFail, len(s.Failures), word, formatDuration(s.Duration))))
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  - %s\n", f)
	}
}
