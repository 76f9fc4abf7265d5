// Package scheduler runs a batch of independent jobs on a bounded pool of
// workers and waits for them up to a single shared deadline.
package scheduler

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
)

// Job is one unit of work. Run receives the caller's context, never one
// derived from the deadline: jobs still running when the deadline passes
// are left to finish in the background.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// ErrorSink receives the error of every job that failed or panicked.
// It may be called from several workers at once.
type ErrorSink func(job string, err error)

// Options configures a Queue.
type Options struct {
	// MaxWorkers caps the pool size. Zero means runtime.NumCPU().
	MaxWorkers int
	// OnError receives job failures. Nil logs them through Logger.
	OnError ErrorSink
	// Logger defaults to logger.Default().
	Logger logger.Logger
}

// Summary describes one RunAll call.
type Summary struct {
	Jobs      int
	Workers   int
	Completed int
	Failed    int
	// TimedOut is set when the deadline (or ctx) expired before every job
	// finished. Pending lists the jobs that had not finished by then.
	TimedOut bool
	Pending  []string
	Duration time.Duration
}

// Finished reports whether every job ran to completion before RunAll returned.
func (s Summary) Finished() bool {
	return !s.TimedOut && s.Completed == s.Jobs
}

// Queue is a single-use batch of jobs.
type Queue struct {
	opts Options

	mu      sync.Mutex
	jobs    []Job
	started bool
	done    []bool
	failed  int

	wg sync.WaitGroup
}

// New returns an empty queue.
func New(opts Options) *Queue {
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Default()
	}
	if opts.OnError == nil {
		log := opts.Logger
		opts.OnError = func(job string, err error) {
			log.Error("%s: %v", job, err)
		}
	}
	return &Queue{opts: opts}
}

// Enqueue adds a job. It fails once RunAll has been called.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Can't enqueue %q: queue already running", job.Name),
			"Create a new queue for each batch.")
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// RunAll starts min(len(jobs), MaxWorkers) workers that pull jobs from a
// shared channel until it is drained, then waits until every job finished,
// the deadline elapsed, or ctx was cancelled. A deadline of zero waits
// without limit. Every job is handed to exactly one worker.
//
// A failing or panicking job never stops the others; its error goes to the
// ErrorSink.
func (q *Queue) RunAll(ctx context.Context, deadline time.Duration) Summary {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return Summary{}
	}
	q.started = true
	jobs := q.jobs
	q.done = make([]bool, len(jobs))
	q.mu.Unlock()

	start := time.Now()
	summary := Summary{Jobs: len(jobs)}
	if len(jobs) == 0 {
		return summary
	}

	workers := q.opts.MaxWorkers
	if workers > len(jobs) {
		workers = len(jobs)
	}
	summary.Workers = workers

	queue := make(chan int, len(jobs))
	for i := range jobs {
		queue <- i
	}
	close(queue)

	allDone := make(chan struct{})
	for w := 0; w < workers; w++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.worker(ctx, jobs, queue)
		}()
	}
	go func() {
		q.wg.Wait()
		close(allDone)
	}()

	var expired <-chan time.Time
	if deadline > 0 {
		timer := time.NewTimer(deadline)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-allDone:
	case <-expired:
		summary.TimedOut = true
	case <-ctx.Done():
		summary.TimedOut = true
	}

	q.mu.Lock()
	for i, done := range q.done {
		if done {
			summary.Completed++
		} else {
			summary.Pending = append(summary.Pending, jobs[i].Name)
		}
	}
	summary.Failed = q.failed
	q.mu.Unlock()

	// allDone can race the timer; a batch with nothing pending finished.
	if summary.TimedOut && len(summary.Pending) == 0 {
		summary.TimedOut = false
	}
	sort.Strings(summary.Pending)
	summary.Duration = time.Since(start)

	if summary.TimedOut {
		q.opts.Logger.Warn("Gave up waiting after %s: %d of %d job(s) still running (%v)",
			summary.Duration.Round(time.Millisecond), len(summary.Pending), summary.Jobs, summary.Pending)
	}
	return summary
}

// Wait blocks until every worker started by RunAll has exited, including
// those still running after the deadline.
func (q *Queue) Wait() {
	q.wg.Wait()
}

func (q *Queue) worker(ctx context.Context, jobs []Job, queue <-chan int) {
	for i := range queue {
		if ctx.Err() != nil {
			return
		}
		err := q.runJob(ctx, jobs[i])

		q.mu.Lock()
		q.done[i] = true
		if err != nil {
			q.failed++
		}
		q.mu.Unlock()

		if err != nil {
			q.opts.OnError(jobs[i].Name, err)
		}
	}
}

func (q *Queue) runJob(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.opts.Logger.Debug("panic in %s:\n%s", job.Name, debug.Stack())
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
		}
	}()
	if job.Run == nil {
		return nil
	}
	return job.Run(ctx)
}
