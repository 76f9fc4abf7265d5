// Package report hands collected raw data to the external report generator.
//
// The generator is invoked as
//
//	<command...> gen perf -d <outputDir> -o <outputDir>/mono_report.html [-z <tz>] [-e <pattern>] <inputDir>
//
// Its stderr is mirrored to the logger line by line. Exit status 0 is the
// only success.
package report

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
)

// MonoReportName is the single-file report written into the output directory.
const MonoReportName = "mono_report.html"

const reportType = "perf"

// Generator runs the external report program.
type Generator struct {
	cfg config.ReportConfig
	log logger.Logger
}

// NewGenerator returns a generator for cfg.
func NewGenerator(cfg config.ReportConfig, log logger.Logger) *Generator {
	if log == nil {
		log = logger.Default()
	}
	return &Generator{cfg: cfg, log: logger.WithPrefix(log, "[report]")}
}

// Args returns the full argv for generating a report from inputDir into
// outputDir.
func (g *Generator) Args(inputDir, outputDir string) []string {
	args := append([]string(nil), g.cfg.Command...)
	args = append(args, "gen", reportType,
		"-d", outputDir,
		"-o", filepath.Join(outputDir, MonoReportName))
	if g.cfg.Timezone != "" {
		args = append(args, "-z", g.cfg.Timezone)
	}
	if g.cfg.Exclude != "" {
		args = append(args, "-e", g.cfg.Exclude)
	}
	return append(args, inputDir)
}

// Generate runs the generator. It is a no-op when reporting is disabled.
func (g *Generator) Generate(ctx context.Context, inputDir, outputDir string) error {
	if !g.cfg.Enabled() {
		g.log.Warn("report generation is disabled; raw data stays in %s", inputDir)
		return nil
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrReport,
			"Can't create report directory "+outputDir, "")
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	argv := g.Args(inputDir, outputDir)
	g.log.Info("generating report from %s", inputDir)
	g.log.Debug("exec %s", strings.Join(argv, " "))

	stdout := &lineWriter{emit: g.log.Debug}
	stderr := &lineWriter{emit: g.log.Warn}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return errors.WrapWithCode(err, errors.ErrReport,
			fmt.Sprintf("Couldn't start report generator '%s'", argv[0]),
			"Check 'report.command' in .perfci.yaml, or set 'report.disabled: true'.")
	}

	err := cmd.Wait()
	stdout.Flush()
	stderr.Flush()
	if err != nil {
		if ctx.Err() != nil {
			return errors.WrapWithCode(ctx.Err(), errors.ErrReport,
				fmt.Sprintf("Report generator didn't finish within %s", g.cfg.Timeout),
				"Raise 'report.timeout'.")
		}
		return errors.WrapWithCode(err, errors.ErrReport,
			"Report generator reported an error",
			"See the generator output above.")
	}
	g.log.Info("report written to %s in %s", outputDir, time.Since(start).Round(time.Millisecond))
	return nil
}

// lineWriter hands each complete line written to it to emit.
type lineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit func(format string, args ...interface{})
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf.Next(i+1)), "\r\n")
		w.emit("%s", line)
	}
	return len(p), nil
}

// Flush emits a trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit("%s", w.buf.String())
		w.buf.Reset()
	}
}
