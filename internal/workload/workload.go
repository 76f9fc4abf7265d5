// Package workload runs the measured work between the start and stop phases.
// Steps are local shell commands run in order; each sees the execution
// layout through PERFCI_* environment variables.
package workload

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
)

// Result contains the result of a workload run.
type Result struct {
	ExitCode    int          // Final exit code (0 if all steps passed)
	StepResults []StepResult // Results for each step that ran
	FailedStep  int          // Index of first failed step (-1 if none)
	Duration    time.Duration
}

// OK reports whether every step that ran succeeded.
func (r *Result) OK() bool { return r != nil && r.FailedStep == -1 }

// StepResult contains the result of a single step execution.
type StepResult struct {
	Name     string
	ExitCode int
	OnFail   string
	TimedOut bool
	Duration time.Duration
}

// Runner executes workload steps.
type Runner struct {
	Stdout io.Writer
	Stderr io.Writer
	Logger logger.Logger
}

// NewRunner returns a runner writing to the process's stdout and stderr.
func NewRunner(log logger.Logger) *Runner {
	if log == nil {
		log = logger.Default()
	}
	return &Runner{Stdout: os.Stdout, Stderr: os.Stderr, Logger: log}
}

// Run executes the steps of w in order. base is the lowest-precedence
// environment, normally the execution layout. A failed step with
// on_fail=stop ends the run; with on_fail=continue the next step runs and
// the failure is still reported.
//
// The returned error is only for steps that could not be started or for a
// cancelled ctx. Non-zero exits are reported in the Result.
func (r *Runner) Run(ctx context.Context, w config.WorkloadConfig, base map[string]string) (*Result, error) {
	start := time.Now()
	result := &Result{
		StepResults: make([]StepResult, 0, len(w.Steps)),
		FailedStep:  -1,
	}
	defer func() { result.Duration = time.Since(start) }()

	if len(w.Steps) == 0 {
		r.Logger.Info("no workload steps configured")
		return result, nil
	}

	for i, step := range w.Steps {
		if err := ctx.Err(); err != nil {
			return result, errors.WrapWithCode(err, errors.ErrTimeout,
				"Workload cancelled before "+config.StepName(i, step), "")
		}

		sr, err := r.runStep(ctx, w, i, step, base)
		if err != nil {
			return result, err
		}
		result.StepResults = append(result.StepResults, sr)

		if sr.ExitCode == 0 {
			continue
		}
		if result.FailedStep == -1 {
			result.FailedStep = i
		}
		result.ExitCode = sr.ExitCode
		if sr.OnFail == config.OnFailStop {
			r.Logger.Warn("%s failed (exit %d), stopping workload", sr.Name, sr.ExitCode)
			return result, nil
		}
		r.Logger.Warn("%s failed (exit %d), continuing", sr.Name, sr.ExitCode)
	}
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, w config.WorkloadConfig, i int, step config.WorkloadStep, base map[string]string) (StepResult, error) {
	sr := StepResult{
		Name:   config.StepName(i, step),
		OnFail: config.GetStepOnFail(step),
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	r.Logger.Info("running %s: %s", sr.Name, step.Run)
	start := time.Now()
	exitCode, err := ExecuteLocal(stepCtx, step.Run, w.Dir, config.MergedStepEnv(w, step, base), r.Stdout, r.Stderr)
	sr.Duration = time.Since(start)

	if err != nil {
		// A step that hit its own timeout is a failed step; a cancelled run
		// or a command that never started is an error.
		if errors.IsCode(err, errors.ErrTimeout) && ctx.Err() == nil {
			r.Logger.Warn("%s timed out after %s", sr.Name, step.Timeout)
			sr.TimedOut = true
			sr.ExitCode = -1
			return sr, nil
		}
		return sr, err
	}
	sr.ExitCode = exitCode
	r.Logger.Debug("%s exited %d in %s", sr.Name, exitCode, sr.Duration.Round(time.Millisecond))
	return sr, nil
}
