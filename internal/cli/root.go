package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/internal/orchestrator"
	"github.com/rileyhilliard/perfci/internal/ui"
)

// Global flags
var (
	cfgFile   string
	verbose   bool
	logFormat string
	noColor   bool
)

// dialerFactory overrides how monitors are dialed. Nil dials real SSH.
var dialerFactory orchestrator.DialerFactory

var rootCmd = &cobra.Command{
	Use:   "perfci",
	Short: "Collect resource metrics from remote hosts around a workload",
	Long: `perfci starts a resource sampler on every configured host, runs your
workload, then stops the samplers, downloads their output and hands it to
the report generator.

Configuration lives in .perfci.yaml; run 'perfci init' to create one.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		ui.ConfigureColors(cmd.OutOrStdout(), noColor)
		if verbose {
			os.Setenv(logger.DebugEnv, "1")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: search for .perfci.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command and exits with its status.
func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		if code, ok := errors.GetExitCode(err); ok {
			os.Exit(code)
		}
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	msg := err.Error()
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	fmt.Fprint(w, msg)
}

// newLogger builds the logger selected by --log-format. The returned func
// flushes buffered output.
func newLogger(format string) (logger.Logger, func(), error) {
	switch format {
	case "", "text":
		return logger.NewEnvLogger(""), func() {}, nil
	case "json":
		log, sync, err := logger.NewJSONLogger()
		if err != nil {
			return nil, nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Couldn't set up JSON logging", "")
		}
		return log, sync, nil
	default:
		return nil, nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Unknown log format %q", format),
			"Use --log-format text or --log-format json.")
	}
}

// configPath resolves the config file or explains how to create one.
func configPath() (string, error) {
	path, err := config.Find(cfgFile)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", errors.New(errors.ErrConfig,
			"No config file found",
			"Run 'perfci init' to create "+config.ConfigFileName+", or pass --config.")
	}
	return path, nil
}

// loadConfig finds, loads and validates the config.
func loadConfig() (*config.Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commandContext returns the command's context, or Background when the
// command was run without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
