package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/internal/monitor"
	"github.com/rileyhilliard/perfci/internal/orchestrator"
	"github.com/rileyhilliard/perfci/internal/require"
	"github.com/rileyhilliard/perfci/internal/ui"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify every monitor is reachable and has the required tools",
	Long: `Connect to every enabled monitor and check that the tools the
sampler needs are installed, plus any listed under the monitor's
'requires'. Nothing is started or installed.`,
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
		return runCheck(commandContext(cmd), cmd.OutOrStdout(), cfg, log)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

// hostCheck is the result of checking one monitor.
type hostCheck struct {
	monitor config.Monitor
	err     error
	missing []require.CheckResult
}

func (h hostCheck) ok() bool { return h.err == nil && len(h.missing) == 0 }

func runCheck(ctx context.Context, w io.Writer, cfg *config.Config, log logger.Logger) error {
	monitors := cfg.EnabledMonitors()
	if len(monitors) == 0 {
		fmt.Fprintln(w, "No enabled monitors to check")
		return nil
	}

	dialers := dialerFactory
	if dialers == nil {
		dialers = orchestrator.SSHDialers(cfg, log)
	}
	cache := require.NewCache()
	results := make([]hostCheck, len(monitors))

	g, ctx := errgroup.WithContext(ctx)
	if cfg.MaxParallel > 0 {
		g.SetLimit(cfg.MaxParallel)
	}
	for i, m := range monitors {
		g.Go(func() error {
			results[i] = checkMonitor(ctx, m, dialers, cache, log)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		name := fmt.Sprintf("%s (%s)", r.monitor.Name, r.monitor.Host)
		switch {
		case r.err != nil:
			failed++
			fmt.Fprintln(w, ui.FormatPhase(ui.SymbolFail, ui.ColorError, name, orchestrator.Summarize(r.err)))
		case len(r.missing) > 0:
			failed++
			fmt.Fprintln(w, ui.FormatPhase(ui.SymbolFail, ui.ColorError, name, "missing: "+require.FormatMissing(r.missing)))
		default:
			fmt.Fprintln(w, ui.FormatPhase(ui.SymbolSuccess, ui.ColorSuccess, name, "ready"))
		}
	}

	if failed > 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("%d of %d monitor(s) are not ready", failed, len(monitors)),
			"Install the missing tools or fix connectivity, then re-run 'perfci check'.")
	}
	return nil
}

func checkMonitor(ctx context.Context, m config.Monitor, dialers orchestrator.DialerFactory, cache *require.Cache, log logger.Logger) hostCheck {
	res := hostCheck{monitor: m}
	sink := monitor.LineLogger(logger.WithPrefix(log, "["+m.Name+"]"))
	sess, err := dialers(m, sink).Dial(ctx, m.Target())
	if err != nil {
		res.err = err
		return res
	}
	defer sess.Close()

	reqs := require.Merge(require.Base, m.Requires)
	results, err := require.Check(ctx, sess, reqs, cache)
	if err != nil {
		res.err = err
		return res
	}
	res.missing = require.FilterMissing(results)
	log.Debug("[%s] checked %s", m.Name, strings.Join(reqs, ", "))
	return res
}
