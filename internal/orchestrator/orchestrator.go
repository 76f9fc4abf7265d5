// Package orchestrator sequences one workload execution: start every monitor,
// run the workload, stop and collect every monitor that started, then hand
// the raw data to the report generator.
//
// Monitors are independent. The start and stop phases fan out over a
// bounded scheduler with one shared deadline per phase, and a failing
// monitor never keeps another from being attempted. Each job writes only its
// own result slot; the orchestrator reads the slots after the phase returns.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/lock"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/internal/monitor"
	"github.com/rileyhilliard/perfci/internal/report"
	"github.com/rileyhilliard/perfci/internal/scheduler"
	"github.com/rileyhilliard/perfci/internal/toolkit"
	"github.com/rileyhilliard/perfci/internal/workload"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// DialerFactory returns the dialer used for one monitor. sink mirrors that
// monitor's remote output.
type DialerFactory func(m config.Monitor, sink sshutil.LineSink) sshutil.Dialer

// WorkloadRunner runs the workload between the phases.
type WorkloadRunner interface {
	Run(ctx context.Context, w config.WorkloadConfig, base map[string]string) (*workload.Result, error)
}

// Reporter turns collected raw data into a report.
type Reporter interface {
	Generate(ctx context.Context, inputDir, outputDir string) error
}

// Options configures an Orchestrator. Zero values get working defaults.
type Options struct {
	// ExecutionID names this execution. Empty generates a new one.
	ExecutionID string
	Dialers     DialerFactory
	Workload    WorkloadRunner
	Reporter    Reporter
	// Lock tunes the per-host toolkit install lock.
	Lock   lock.Options
	Logger logger.Logger
}

// Orchestrator runs the phases of one execution.
type Orchestrator struct {
	cfg         *config.Config
	layout      Layout
	controllers []*monitor.Controller
	workload    WorkloadRunner
	reporter    Reporter
	log         logger.Logger
}

// NewExecutionID returns a sortable, unique execution id.
func NewExecutionID() string {
	return time.Now().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

// New builds an orchestrator for cfg. cfg is expected to be validated.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrConfig,
			"Config is nil",
			"Load a config before creating the orchestrator.")
	}

	log := opts.Logger
	if log == nil {
		log = logger.Default()
	}
	id := opts.ExecutionID
	if id == "" {
		id = NewExecutionID()
	}
	dialers := opts.Dialers
	if dialers == nil {
		dialers = SSHDialers(cfg, log)
	}

	o := &Orchestrator{
		cfg:      cfg,
		layout:   NewLayout(cfg.ResultDir, id),
		workload: opts.Workload,
		reporter: opts.Reporter,
		log:      log,
	}
	if o.workload == nil {
		o.workload = workload.NewRunner(log)
	}
	if o.reporter == nil {
		o.reporter = report.NewGenerator(cfg.Report, log)
	}

	retryDelay := cfg.Timeouts.RetryDelay
	if retryDelay == 0 {
		retryDelay = -1
	}
	monitorOpts := monitor.Options{
		Project:     cfg.Project,
		ExecutionID: id,
		Layout:      toolkit.NewLayout(cfg.RemoteRoot),
		MaxTries:    cfg.MaxTries,
		RetryDelay:  retryDelay,
		Lock:        opts.Lock,
		Logger:      log,
	}
	for _, m := range cfg.Monitors {
		sink := monitor.LineLogger(logger.WithPrefix(log, "["+m.Name+"]"))
		o.controllers = append(o.controllers, monitor.NewController(m, dialers(m, sink), monitorOpts))
	}
	return o, nil
}

// SSHDialers dials real SSH sessions with the configured timeouts.
func SSHDialers(cfg *config.Config, log logger.Logger) DialerFactory {
	return func(_ config.Monitor, sink sshutil.LineSink) sshutil.Dialer {
		return sshutil.NewDialer(sshutil.Options{
			ConnectTimeout: cfg.Timeouts.Connect,
			ExecTimeout:    cfg.Timeouts.Exec,
			Logger:         log,
			OnLine:         sink,
		})
	}
}

// ExecutionID returns the id of this execution.
func (o *Orchestrator) ExecutionID() string { return o.layout.ExecutionID }

// Layout returns the local directory layout.
func (o *Orchestrator) Layout() Layout { return o.layout }

// Run executes start, workload, stop and report. All monitors are always
// attempted. The returned error aggregates every failure; Result is never
// nil.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	start := time.Now()
	res := &Result{ExecutionID: o.layout.ExecutionID, Layout: o.layout}
	defer func() { res.Duration = time.Since(start) }()

	if err := o.prepare(); err != nil {
		res.setupErr = err
		return res, res.Err()
	}

	res.Start = o.runPhase(ctx, monitor.PhaseStart, o.controllers, o.cfg.Timeouts.Start)

	switch {
	case o.cfg.AbortOnStartFailure && len(res.Start.Failed()) > 0:
		o.log.Error("skipping workload: %d monitor(s) failed to start and abort_on_start_failure is set",
			len(res.Start.Failed()))
		res.WorkloadSkipped = true
	default:
		res.Workload, res.WorkloadErr = o.runWorkload(ctx)
	}

	// Only monitors whose start succeeded are stopped. A start still in
	// flight after the deadline leaves its sampler unowned.
	var started []*monitor.Controller
	for i, out := range res.Start.Outcomes {
		switch out.State {
		case monitor.Running, monitor.Disabled:
			started = append(started, o.controllers[i])
		default:
			if errors.IsCode(out.Err, errors.ErrTimeout) {
				o.log.Warn("[%s] start did not finish in time; it will not be stopped", out.Monitor)
			}
		}
	}
	// Samplers that started must be stopped even after an interrupt.
	stopCtx := context.WithoutCancel(ctx)
	if o.cfg.Timeouts.Stop > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(stopCtx, o.cfg.Timeouts.Stop)
		defer cancel()
	}
	if ctx.Err() != nil && len(started) > 0 {
		o.log.Warn("interrupted; stopping %d started monitor(s)", len(started))
	}
	res.Stop = o.runPhase(stopCtx, monitor.PhaseStop, started, o.cfg.Timeouts.Stop)

	res.ReportErr = o.GenerateReport(ctx)
	return res, res.Err()
}

// Start runs only the start phase, recording the execution id so a later
// Stop in another process can pick it up.
func (o *Orchestrator) Start(ctx context.Context) (*PhaseReport, error) {
	if err := o.prepare(); err != nil {
		return nil, err
	}
	rep := o.runPhase(ctx, monitor.PhaseStart, o.controllers, o.cfg.Timeouts.Start)
	return rep, rep.Err()
}

// Stop runs only the stop phase over every monitor. It is meant for a
// process other than the one that ran Start, so no controller has state.
func (o *Orchestrator) Stop(ctx context.Context) (*PhaseReport, error) {
	if err := o.layout.Create(); err != nil {
		return nil, err
	}
	rep := o.runPhase(ctx, monitor.PhaseStop, o.controllers, o.cfg.Timeouts.Stop)
	return rep, rep.Err()
}

// GenerateReport hands the raw-data directory to the report generator.
func (o *Orchestrator) GenerateReport(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapWithCode(err, errors.ErrReport, "Skipped report generation: execution was cancelled", "")
	}
	return o.reporter.Generate(ctx, o.layout.RawData, o.layout.Report)
}

func (o *Orchestrator) prepare() error {
	if err := o.layout.Create(); err != nil {
		return err
	}
	o.log.Info("execution %s: results in %s", o.layout.ExecutionID, o.layout.Root)
	return WriteLatest(o.layout.Base, o.layout.ExecutionID)
}

func (o *Orchestrator) runWorkload(ctx context.Context) (*workload.Result, error) {
	if len(o.cfg.Workload.Steps) == 0 {
		return nil, nil
	}
	o.log.Info("running workload (%d step(s))", len(o.cfg.Workload.Steps))
	res, err := o.workload.Run(ctx, o.cfg.Workload, o.layout.Env())
	if err != nil {
		return res, err
	}
	if !res.OK() {
		failed := res.StepResults[res.FailedStep]
		return res, errors.New(errors.ErrExec,
			fmt.Sprintf("Workload step '%s' failed with exit code %d", failed.Name, failed.ExitCode),
			"Monitors were still stopped and collected.")
	}
	return res, nil
}

// runPhase fans phase out over ctrls and waits up to deadline. Outcomes are
// returned in the order of ctrls; jobs that did not finish in time get a
// TIMEOUT outcome.
func (o *Orchestrator) runPhase(ctx context.Context, phase monitor.Phase, ctrls []*monitor.Controller, deadline time.Duration) *PhaseReport {
	var mu sync.Mutex
	slots := make([]monitor.Outcome, len(ctrls))
	done := make([]bool, len(ctrls))

	q := scheduler.New(scheduler.Options{
		MaxWorkers: o.cfg.MaxParallel,
		Logger:     o.log,
		// Controllers already log their failures.
		OnError: func(job string, err error) { o.log.Debug("%s: %s", job, errors.Code(err)) },
	})
	for i, c := range ctrls {
		_ = q.Enqueue(scheduler.Job{
			Name: fmt.Sprintf("%s %s", phase, c.Name()),
			Run: func(ctx context.Context) error {
				var out monitor.Outcome
				if phase == monitor.PhaseStart {
					out = c.Start(ctx)
				} else {
					out = c.Stop(ctx, o.layout.MonitorDest(c.Monitor()))
				}
				mu.Lock()
				slots[i], done[i] = out, true
				mu.Unlock()
				return out.Err
			},
		})
	}

	if len(ctrls) > 0 {
		o.log.Info("%s phase: %d monitor(s), deadline %s", phase, len(ctrls), deadlineString(deadline))
	}
	summary := q.RunAll(ctx, deadline)

	rep := &PhaseReport{Phase: phase, Summary: summary, Outcomes: make([]monitor.Outcome, len(ctrls))}
	mu.Lock()
	defer mu.Unlock()
	for i, c := range ctrls {
		if done[i] {
			rep.Outcomes[i] = slots[i]
			continue
		}
		rep.Outcomes[i] = monitor.Outcome{
			Monitor: c.Name(),
			Phase:   phase,
			State:   c.State(),
			Err: errors.New(errors.ErrTimeout,
				fmt.Sprintf("%s of monitor %s did not finish within %s", phase, c.Name(), deadlineString(deadline)),
				fmt.Sprintf("Raise timeouts.%s if the host is just slow.", phase)),
		}
	}
	return rep
}

func deadlineString(d time.Duration) string {
	if d <= 0 {
		return "no limit"
	}
	return d.String()
}

// PhaseReport is the outcome of one phase across monitors.
type PhaseReport struct {
	Phase    monitor.Phase
	Outcomes []monitor.Outcome
	Summary  scheduler.Summary
}

// Failed returns the outcomes that did not succeed.
func (p *PhaseReport) Failed() []monitor.Outcome {
	if p == nil {
		return nil
	}
	var out []monitor.Outcome
	for _, o := range p.Outcomes {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Err aggregates the failures of the phase, one entry per monitor.
func (p *PhaseReport) Err() error {
	var result *multierror.Error
	for _, o := range p.Failed() {
		result = multierror.Append(result, &MonitorError{Monitor: o.Monitor, Phase: o.Phase, Err: o.Err})
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = formatErrors
	return result
}

// MonitorError names the monitor and phase of a failure.
type MonitorError struct {
	Monitor string
	Phase   monitor.Phase
	Err     error
}

func (e *MonitorError) Error() string {
	return fmt.Sprintf("monitor %s failed to %s: %s", e.Monitor, e.Phase, Summarize(e.Err))
}

func (e *MonitorError) Unwrap() error { return e.Err }

// Result is the outcome of a full Run.
type Result struct {
	ExecutionID     string
	Layout          Layout
	Start           *PhaseReport
	Workload        *workload.Result
	WorkloadErr     error
	WorkloadSkipped bool
	Stop            *PhaseReport
	ReportErr       error
	Duration        time.Duration

	setupErr error
}

// OK reports whether every monitor completed both phases and the workload
// and report succeeded.
func (r *Result) OK() bool { return r.Err() == nil }

// Err aggregates every failure of the run.
func (r *Result) Err() error {
	var result *multierror.Error
	if r.setupErr != nil {
		result = multierror.Append(result, r.setupErr)
	}
	if r.Start != nil {
		if err := r.Start.Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.WorkloadErr != nil {
		result = multierror.Append(result, r.WorkloadErr)
	}
	if r.Stop != nil {
		if err := r.Stop.Err(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if r.ReportErr != nil {
		result = multierror.Append(result, r.ReportErr)
	}
	if result == nil {
		return nil
	}
	result.ErrorFormat = formatErrors
	return result
}

func formatErrors(es []error) string {
	if len(es) == 1 {
		return Summarize(es[0])
	}
	msg := fmt.Sprintf("%d failures:", len(es))
	for _, err := range es {
		msg += "\n  - " + Summarize(err)
	}
	return msg
}

// Summarize renders err on one line, preferring structured messages.
func Summarize(err error) string {
	switch e := err.(type) {
	case *errors.Error:
		return e.Message
	case *MonitorError:
		return e.Error()
	default:
		return err.Error()
	}
}
