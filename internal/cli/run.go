package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/monitor"
	"github.com/rileyhilliard/perfci/internal/orchestrator"
	"github.com/rileyhilliard/perfci/internal/report"
	"github.com/rileyhilliard/perfci/internal/ui"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Command-specific flags
var (
	runExecutionID   string
	startExecutionID string
	stopExecutionID  string
	stopNoReport     bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start monitors, run the workload, collect and report",
	Long: `Run one full execution: start a sampler on every monitor, run the
configured workload steps locally, stop every monitor that started,
download the collected data and generate the report.

Every monitor is attempted even when others fail. The exit status is
non-zero if any monitor, the workload or the report failed.

Examples:
  perfci run
  perfci run --config ci/.perfci.yaml
  perfci run --execution-id nightly-42`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runExecution(cmd, runExecutionID)
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the monitors and return",
	Long: `Start a sampler on every monitor and exit, leaving them running.
Run your workload, then 'perfci stop' to collect.

The execution id is recorded in <result_dir>/LATEST so stop can find it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return startExecution(cmd, startExecutionID)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the monitors, collect their data and report",
	Long: `Stop the samplers started by 'perfci start', download their output
into <result_dir>/builds/<execution-id>/rawdata and generate the report.

Without --execution-id the id recorded by the last start is used.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopExecution(cmd, stopExecutionID, stopNoReport)
	},
}

func init() {
	runCmd.Flags().StringVar(&runExecutionID, "execution-id", "", "execution id (default: generated)")
	startCmd.Flags().StringVar(&startExecutionID, "execution-id", "", "execution id (default: generated)")
	stopCmd.Flags().StringVar(&stopExecutionID, "execution-id", "", "execution id (default: the last start)")
	stopCmd.Flags().BoolVar(&stopNoReport, "no-report", false, "skip report generation")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
}

// session bundles what every lifecycle command needs.
type session struct {
	cfg   *config.Config
	orch  *orchestrator.Orchestrator
	ctx   context.Context
	close func()
}

func newSession(cmd *cobra.Command, executionID string) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log, flush, err := newLogger(logFormat)
	if err != nil {
		return nil, err
	}
	o, err := orchestrator.New(cfg, orchestrator.Options{
		ExecutionID: executionID,
		Dialers:     dialerFactory,
		Logger:      log,
	})
	if err != nil {
		flush()
		return nil, err
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	return &session{
		cfg:  cfg,
		orch: o,
		ctx:  ctx,
		close: func() {
			stop()
			sshutil.CloseAgent()
			flush()
		},
	}, nil
}

func runExecution(cmd *cobra.Command, executionID string) error {
	s, err := newSession(cmd, executionID)
	if err != nil {
		return err
	}
	defer s.close()

	res, runErr := s.orch.Run(s.ctx)
	ui.RenderSummaryTo(cmd.OutOrStdout(), executionSummary(s.cfg, res, runErr))
	if runErr != nil {
		return errors.NewExitError(1)
	}
	return nil
}

func startExecution(cmd *cobra.Command, executionID string) error {
	s, err := newSession(cmd, executionID)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	rep, err := s.orch.Start(s.ctx)
	if rep == nil {
		return err
	}
	renderPhase(out, s.cfg, s.orch.ExecutionID(), rep)
	if err != nil {
		renderFailures(out, err)
		return errors.NewExitError(1)
	}
	fmt.Fprintf(out, "\nRun your workload, then 'perfci stop' to collect.\n")
	return nil
}

func stopExecution(cmd *cobra.Command, executionID string, noReport bool) error {
	if executionID == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if executionID, err = orchestrator.ReadLatest(cfg.ResultDir); err != nil {
			return err
		}
	}

	s, err := newSession(cmd, executionID)
	if err != nil {
		return err
	}
	defer s.close()

	out := cmd.OutOrStdout()
	rep, stopErr := s.orch.Stop(s.ctx)
	if rep == nil {
		return stopErr
	}
	renderPhase(out, s.cfg, executionID, rep)

	var reportErr error
	if !noReport {
		reportErr = generateReport(s, out)
	}

	if stopErr != nil || reportErr != nil {
		if stopErr != nil {
			renderFailures(out, stopErr)
		}
		if reportErr != nil {
			renderFailures(out, reportErr)
		}
		return errors.NewExitError(1)
	}
	return nil
}

func renderPhase(w io.Writer, cfg *config.Config, executionID string, rep *orchestrator.PhaseReport) {
	fmt.Fprintf(w, "Execution %s\n\n", executionID)
	fmt.Fprint(w, ui.RenderMonitorTable(monitorRows(cfg, rep)))
	fmt.Fprintf(w, "\nResults: %s\n", orchestrator.NewLayout(cfg.ResultDir, executionID).Root)
}

// generateReport runs the report phase with a progress line around it.
func generateReport(s *session, out io.Writer) error {
	pd := ui.NewPhaseDisplay(out)
	pd.Divider()
	if !s.cfg.Report.Enabled() {
		pd.RenderSkipped("Report", "disabled")
		return nil
	}

	started := time.Now()
	pd.RenderProgress("Generating report")
	if err := s.orch.GenerateReport(s.ctx); err != nil {
		pd.RenderFailed("Report", time.Since(started))
		return err
	}
	pd.RenderSuccess("Report", time.Since(started))
	fmt.Fprintf(out, "Report: %s\n", filepath.Join(s.orch.Layout().Report, report.MonoReportName))
	return nil
}

func renderFailures(w io.Writer, err error) {
	for _, msg := range failureMessages(err) {
		fmt.Fprintf(w, "  - %s\n", msg)
	}
}

// failureMessages flattens an aggregated error into one line per failure.
func failureMessages(err error) []string {
	if err == nil {
		return nil
	}
	merr, ok := err.(*multierror.Error)
	if !ok {
		return []string{orchestrator.Summarize(err)}
	}
	var out []string
	for _, e := range merr.WrappedErrors() {
		out = append(out, failureMessages(e)...)
	}
	return out
}

func monitorRows(cfg *config.Config, rep *orchestrator.PhaseReport) []ui.MonitorRow {
	if rep == nil {
		return nil
	}
	rows := make([]ui.MonitorRow, 0, len(rep.Outcomes))
	for _, out := range rep.Outcomes {
		row := ui.MonitorRow{
			Name:     out.Monitor,
			State:    out.State.String(),
			OK:       out.OK(),
			Skipped:  out.State == monitor.Disabled,
			Attempts: out.Attempts,
			Duration: out.Duration,
		}
		if m, ok := cfg.MonitorByName(out.Monitor); ok {
			row.Host = m.Host
		}
		if out.Err != nil {
			row.Error = orchestrator.Summarize(out.Err)
		}
		rows = append(rows, row)
	}
	return rows
}

func executionSummary(cfg *config.Config, res *orchestrator.Result, runErr error) *ui.ExecutionSummary {
	if res == nil {
		return nil
	}
	s := &ui.ExecutionSummary{
		ExecutionID: res.ExecutionID,
		ResultDir:   res.Layout.Root,
		Start:       monitorRows(cfg, res.Start),
		Stop:        monitorRows(cfg, res.Stop),
		Failures:    failureMessages(runErr),
		Duration:    res.Duration,
	}

	switch {
	case res.WorkloadSkipped:
		s.Workload = "skipped (abort_on_start_failure)"
	case res.Workload != nil && res.Workload.OK():
		s.Workload = fmt.Sprintf("%d step(s) passed", len(res.Workload.StepResults))
		s.WorkloadOK = true
	case res.Workload != nil:
		failed := res.Workload.StepResults[res.Workload.FailedStep]
		s.Workload = fmt.Sprintf("step '%s' failed with exit code %d", failed.Name, failed.ExitCode)
	case res.WorkloadErr != nil:
		s.Workload = "interrupted"
	}

	if cfg.Report.Enabled() && res.ReportErr == nil && res.Start != nil {
		s.ReportPath = filepath.Join(res.Layout.Report, report.MonoReportName)
	}
	return s
}
