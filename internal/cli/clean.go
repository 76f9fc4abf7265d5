package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/rileyhilliard/perfci/internal/clean"
	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/internal/monitor"
	"github.com/rileyhilliard/perfci/internal/orchestrator"
	"github.com/rileyhilliard/perfci/internal/toolkit"
	"github.com/rileyhilliard/perfci/internal/ui"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Command-specific flags
var (
	cleanDryRun bool
	cleanAll    bool
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove old execution directories from monitored hosts",
	Long: `Remove the per-execution directories this project left under
<remote_root>/jobs/<project> on every enabled monitor.

The execution recorded by the last 'perfci start' is kept unless --all is
given, so a running execution is never cleaned away.

Examples:
  perfci clean --dry-run
  perfci clean
  perfci clean --all`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, flush, err := newLogger(logFormat)
		if err != nil {
			return err
		}
		defer flush()

		keep := map[string]bool{}
		if !cleanAll {
			if id, err := orchestrator.ReadLatest(cfg.ResultDir); err == nil {
				keep[id] = true
			}
		}
		return runClean(commandContext(cmd), cmd.OutOrStdout(), cfg, log, keep, cleanDryRun)
	},
}

func init() {
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "list what would be removed without removing it")
	cleanCmd.Flags().BoolVar(&cleanAll, "all", false, "also remove the last started execution")
	rootCmd.AddCommand(cleanCmd)
}

func runClean(ctx context.Context, w io.Writer, cfg *config.Config, log logger.Logger, keep map[string]bool, dryRun bool) error {
	dialers := dialerFactory
	if dialers == nil {
		dialers = orchestrator.SSHDialers(cfg, log)
	}
	layout := toolkit.NewLayout(cfg.RemoteRoot)

	var result *multierror.Error
	for _, m := range cfg.EnabledMonitors() {
		sink := monitor.LineLogger(logger.WithPrefix(log, "["+m.Name+"]"))
		if err := cleanMonitor(ctx, w, m, dialers(m, sink), layout, cfg.Project, keep, dryRun); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %s", m.Name, orchestrator.Summarize(err)))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return errors.WrapWithCode(err, errors.ErrExec,
			fmt.Sprintf("Cleaning failed on %d monitor(s)", result.Len()),
			"Re-run 'perfci clean' once the hosts are reachable.")
	}
	return nil
}

func cleanMonitor(ctx context.Context, w io.Writer, m config.Monitor, dialer sshutil.Dialer, layout toolkit.Layout, project string, keep map[string]bool, dryRun bool) error {
	sess, err := dialer.Dial(ctx, m.Target())
	if err != nil {
		return err
	}
	defer sess.Close()

	stale, err := clean.Discover(ctx, sess, layout, project, keep)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		fmt.Fprintln(w, ui.FormatPhase(ui.SymbolSuccess, ui.ColorSuccess, m.Name, "nothing to clean"))
		return nil
	}

	if dryRun {
		fmt.Fprintln(w, ui.FormatPhase(ui.SymbolPending, ui.ColorMuted, m.Name, fmt.Sprintf("would remove %d execution(s)", len(stale))))
		for _, d := range stale {
			fmt.Fprintf(w, "    %s (%s)\n", d.Path, d.DiskUsage)
		}
		return nil
	}

	removed, errs := clean.Remove(ctx, sess, layout, project, stale)
	fmt.Fprintln(w, ui.FormatPhase(ui.SymbolSuccess, ui.ColorSuccess, m.Name, fmt.Sprintf("removed %d execution(s)", len(removed))))
	var result *multierror.Error
	for _, err := range errs {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
