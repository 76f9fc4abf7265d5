// Package monitor drives one remote resource monitor through its lifecycle.
//
// A Controller owns a single monitor for one execution:
//
//	Idle → Starting → Running → Stopping → Collected
//
// with Failed reachable from Starting and Stopping. Disabled monitors report
// success on both phases without touching the network.
//
// # Attempts
//
// Start and Stop each make up to MaxTries attempts. Every attempt dials a
// fresh session, runs its sequence of remote commands and transfers, and
// closes the session before returning. A rejected credential ends the loop
// at once; any other failure (unreachable host, transfer error, timeout,
// non-zero exit) is retried after RetryDelay.
//
// # Start
//
//  1. cat <root>/VERSION
//  2. when the marker is missing or differs: take the install lock, upload
//     the toolkit bundle, replace <root> with its contents
//  3. mkdir -p <root>/jobs/<project>/<execution-id>/monitoring
//  4. <root>/bin/start_monitor <project> <execution-id> <interval>
//
// # Stop
//
//  1. <root>/bin/stop_monitor <project> <execution-id> (exit 1 means the
//     sampler was already gone, which is fine)
//  2. tar -czf monitoring.tar.gz -C <output dir> .
//  3. download to <dest>/monitoring-<uuid>.tar.gz, extract into <dest>,
//     remove the local archive
package monitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/lock"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/internal/toolkit"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Defaults for Options fields left at zero.
const (
	DefaultMaxTries   = 5
	DefaultRetryDelay = 2 * time.Second
)

// Options configures a Controller. Project and ExecutionID are required.
type Options struct {
	Project     string
	ExecutionID string
	// Layout locates the toolkit on the host. Zero value means the default root.
	Layout toolkit.Layout
	// MaxTries bounds attempts per phase. Zero means DefaultMaxTries.
	MaxTries int
	// RetryDelay is the pause between attempts. Negative disables it.
	RetryDelay time.Duration
	// Lock tunes the install lock.
	Lock lock.Options
	// Bundle builds the toolkit archive. Nil means toolkit.Bundle.
	Bundle func(root string) ([]byte, error)
	// Version is the toolkit version expected on the host. Empty means
	// toolkit.Version().
	Version string
	Logger  logger.Logger
}

func (o Options) withDefaults() Options {
	if o.Layout.Root == "" {
		o.Layout = toolkit.NewLayout("")
	}
	if o.MaxTries <= 0 {
		o.MaxTries = DefaultMaxTries
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Bundle == nil {
		o.Bundle = toolkit.Bundle
	}
	if o.Version == "" {
		o.Version = toolkit.Version()
	}
	if o.Lock.ExecutionID == "" {
		o.Lock.ExecutionID = o.ExecutionID
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Controller runs the start and stop phases of one monitor.
type Controller struct {
	monitor config.Monitor
	dialer  sshutil.Dialer
	opts    Options
	log     logger.Logger

	mu    sync.Mutex
	state State
}

// NewController returns a controller in the Idle state.
func NewController(m config.Monitor, dialer sshutil.Dialer, opts Options) *Controller {
	opts = opts.withDefaults()
	return &Controller{
		monitor: m,
		dialer:  dialer,
		opts:    opts,
		log:     logger.WithPrefix(opts.Logger, "["+m.Name+"]"),
		state:   Idle,
	}
}

// Name returns the monitor name.
func (c *Controller) Name() string { return c.monitor.Name }

// Monitor returns the monitor configuration.
func (c *Controller) Monitor() config.Monitor { return c.monitor }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start installs the toolkit if needed and launches the sampler.
func (c *Controller) Start(ctx context.Context) Outcome {
	return c.runPhase(ctx, PhaseStart, []State{Idle}, Starting, Running, c.startAttempt)
}

// Stop stops the sampler and collects its output into dest. It is valid
// from Running, or from Idle when the start phase ran in another process.
func (c *Controller) Stop(ctx context.Context, dest string) Outcome {
	return c.runPhase(ctx, PhaseStop, []State{Idle, Running}, Stopping, Collected,
		func(ctx context.Context, sess sshutil.Session) error {
			return c.stopAttempt(ctx, sess, dest)
		})
}

type attemptFunc func(ctx context.Context, sess sshutil.Session) error

func (c *Controller) runPhase(ctx context.Context, phase Phase, from []State, during, success State, attempt attemptFunc) Outcome {
	start := time.Now()
	out := Outcome{Monitor: c.monitor.Name, Phase: phase}

	if c.monitor.Disabled {
		c.log.Info("disabled, skipping %s", phase)
		c.setState(Disabled)
		out.State = Disabled
		return out
	}

	c.mu.Lock()
	current := c.state
	allowed := false
	for _, s := range from {
		if current == s {
			allowed = true
		}
	}
	if allowed {
		c.state = during
	}
	c.mu.Unlock()

	if !allowed {
		out.State = current
		out.Err = errors.New(errors.ErrConfig,
			fmt.Sprintf("Can't %s monitor %s while it is %s", phase, c.monitor.Name, current),
			"")
		return out
	}

	attempts, err := c.retry(ctx, phase, attempt)
	out.Attempts = attempts
	out.Duration = time.Since(start)
	if err != nil {
		c.setState(Failed)
		out.State = Failed
		out.Err = err
		c.log.Error("%s failed after %d attempt(s): %v", phase, attempts, errors.Code(err))
		return out
	}

	c.setState(success)
	out.State = success
	c.log.Info("%s done in %s (%d attempt(s))", phase, out.Duration.Round(time.Millisecond), attempts)
	return out
}

// retry runs attempt up to MaxTries times, each over a fresh session.
// It returns the number of attempts made and the last error.
func (c *Controller) retry(ctx context.Context, phase Phase, attempt attemptFunc) (int, error) {
	var last error
	tries := 0
	for tries < c.opts.MaxTries {
		tries++
		err := c.once(ctx, attempt)
		if err == nil {
			return tries, nil
		}
		last = err
		c.log.Warn("%s attempt %d/%d failed: %s", phase, tries, c.opts.MaxTries, firstLine(err))

		if !errors.Retryable(err) {
			c.log.Debug("not retrying: credentials were rejected")
			break
		}
		if ctx.Err() != nil || tries == c.opts.MaxTries {
			break
		}
		if !c.pause(ctx) {
			break
		}
	}

	code := errors.Code(last)
	switch {
	case code != "":
	case ctx.Err() != nil:
		code = errors.ErrTimeout
	default:
		code = errors.ErrSSH
	}
	return tries, errors.WrapWithCode(last, code,
		fmt.Sprintf("Couldn't %s monitor %s on %s after %d attempt(s)", phase, c.monitor.Name, c.monitor.Host, tries),
		suggestionFor(code))
}

// once dials, runs attempt, and always closes the session.
func (c *Controller) once(ctx context.Context, attempt attemptFunc) error {
	if err := ctx.Err(); err != nil {
		return errors.WrapWithCode(err, errors.ErrTimeout, "Cancelled before connecting", "")
	}
	sess, err := c.dialer.Dial(ctx, c.monitor.Target())
	if err != nil {
		return err
	}
	defer sess.Close()
	return attempt(ctx, sess)
}

func (c *Controller) pause(ctx context.Context) bool {
	if c.opts.RetryDelay < 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(c.opts.RetryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// exec runs a remote command and turns an unexpected exit status into an
// EXEC error. ok lists the accepted statuses; empty means only 0.
func (c *Controller) exec(ctx context.Context, sess sshutil.Session, executable string, args []string, ok ...int) (*sshutil.CommandResult, error) {
	res, err := sess.Exec(ctx, executable, args, nil)
	if err != nil {
		return nil, err
	}
	if len(ok) == 0 {
		ok = []int{0}
	}
	for _, status := range ok {
		if res.ExitStatus == status {
			return res, nil
		}
	}
	return res, errors.New(errors.ErrExec,
		fmt.Sprintf("Remote command failed on %s: %s", c.monitor.Name, res),
		"Check the command output above; the host may be missing a tool (try 'perfci check').")
}

func suggestionFor(code string) string {
	switch code {
	case errors.ErrAuth:
		return "Check the monitor's user, password or key files."
	case errors.ErrSSH:
		return "Make sure the host is up and reachable on its SSH port."
	case errors.ErrTimeout:
		return "The host is slow or hung; raise timeouts.exec if that is expected."
	case errors.ErrTransfer:
		return "Check free disk space on both ends."
	default:
		return ""
	}
}

func firstLine(err error) string {
	msg := err.Error()
	if e, ok := err.(*errors.Error); ok {
		msg = e.Message
	}
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
