package ui

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	DisableColors()
	os.Exit(m.Run())
}

func TestPhaseDisplay(t *testing.T) {
	var buf bytes.Buffer
	pd := NewPhaseDisplay(&buf)

	pd.RenderProgress("Starting monitors")
	pd.RenderSuccess("Started 2 monitors", 300*time.Millisecond)
	pd.RenderFailed("1 monitor failed to stop", 2300*time.Millisecond)
	pd.RenderSkipped("Workload", "abort_on_start_failure")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		SymbolProgress + " Starting monitors...",
		SymbolComplete + " Started 2 monitors (0.3s)",
		SymbolFail + " 1 monitor failed to stop (2.3s)",
		SymbolSkipped + " Workload (abort_on_start_failure)",
	}, lines)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "(0.0s)"},
		{1500 * time.Millisecond, "(1.5s)"},
		{125 * time.Second, "(2m05s)"},
		{61*time.Minute + 2*time.Second, "(61m02s)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.in))
	}
}

func TestRenderMonitorTable(t *testing.T) {
	out := RenderMonitorTable([]MonitorRow{
		{Name: "db01", Host: "db01.lab", State: "running", OK: true, Attempts: 1, Duration: time.Second},
		{Name: "cache01", Host: "cache01.lab", State: "failed", Attempts: 5, Error: "connection refused"},
		{Name: "web01", Host: "web01.lab", State: "disabled", OK: true, Skipped: true},
	})

	assert.Contains(t, out, "MONITOR")
	assert.Contains(t, out, SymbolSuccess+" db01")
	assert.Contains(t, out, SymbolFail+" cache01")
	assert.Contains(t, out, SymbolSkipped+" web01")
	assert.Contains(t, out, "    connection refused\n")

	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "web01") {
			assert.Contains(t, line, " - ", "disabled monitors have no attempts")
		}
	}
}

func TestRenderMonitorTable_Empty(t *testing.T) {
	assert.Equal(t, "No monitors configured", RenderMonitorTable(nil))
}

func TestRenderSummaryTo(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var buf bytes.Buffer
		RenderSummaryTo(&buf, &ExecutionSummary{
			ExecutionID: "e1",
			ResultDir:   "/r/builds/e1",
			Start:       []MonitorRow{{Name: "db01", State: "running", OK: true}},
			Stop:        []MonitorRow{{Name: "db01", State: "collected", OK: true}},
			Workload:    "1 step(s) passed",
			WorkloadOK:  true,
			ReportPath:  "/r/builds/e1/report/mono_report.html",
			Duration:    3 * time.Second,
		})
		out := buf.String()
		assert.Contains(t, out, "Execution e1")
		assert.Contains(t, out, "Workload "+SymbolSuccess+" 1 step(s) passed")
		assert.Contains(t, out, "Results: /r/builds/e1")
		assert.Contains(t, out, "mono_report.html")
		assert.Contains(t, out, "Execution finished (3.0s)")
	})

	t.Run("failures", func(t *testing.T) {
		var buf bytes.Buffer
		RenderSummaryTo(&buf, &ExecutionSummary{
			ExecutionID: "e2",
			Failures:    []string{"monitor cache01 failed to start: refused", "report failed"},
		})
		out := buf.String()
		assert.Contains(t, out, "2 failures")
		assert.Contains(t, out, "  - monitor cache01 failed to start: refused\n")
		assert.NotContains(t, out, "Execution finished")
		assert.NotContains(t, out, "Workload")
	})

	t.Run("nil", func(t *testing.T) {
		var buf bytes.Buffer
		RenderSummaryTo(&buf, nil)
		assert.Empty(t, buf.String())
	})
}

func TestIsTerminal_NonFile(t *testing.T) {
	assert.False(t, IsTerminal(&bytes.Buffer{}))
}
