// Package lock serializes toolkit installs on a monitored host across
// perfci processes. Two executions sharing a host must not remove and
// re-extract the toolkit under each other.
package lock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Defaults for Options fields left at zero.
const (
	DefaultTimeout      = 2 * time.Minute
	DefaultStale        = 10 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// Options tunes lock acquisition.
type Options struct {
	// Timeout bounds how long Acquire waits for a held lock.
	Timeout time.Duration
	// Stale is the age after which a lock is presumed abandoned and removed.
	// Negative disables stale detection.
	Stale time.Duration
	// PollInterval is the pause between attempts while the lock is held.
	PollInterval time.Duration
	// ExecutionID is recorded in the owner record for diagnostics.
	ExecutionID string
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Stale == 0 {
		o.Stale = DefaultStale
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	return o
}

// Lock is an install lock held by this process.
type Lock struct {
	Dir   string
	Owner Owner
	sess  sshutil.Session
}

// DirFor returns the lock directory guarding the toolkit installed at root.
func DirFor(root string) string {
	return path.Clean(root) + ".lock"
}

// Acquire takes the lock at dir on the remote host.
// It uses mkdir as an atomic primitive (mkdir fails if the directory exists).
// If the lock is held, it polls until Options.Timeout. Stale locks are
// removed automatically.
func Acquire(ctx context.Context, sess sshutil.Session, dir string, opts Options) (*Lock, error) {
	if sess == nil {
		return nil, errors.New(errors.ErrSSH,
			"Cannot acquire lock: no connection",
			"Establish an SSH connection first")
	}
	opts = opts.withDefaults()
	owner := currentOwner(opts.ExecutionID)
	record, err := json.Marshal(owner)
	if err != nil {
		return nil, err
	}
	start := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.WrapWithCode(err, errors.ErrTimeout,
				"Cancelled while waiting for install lock", "")
		}
		if time.Since(start) > opts.Timeout {
			return nil, errors.New(errors.ErrTimeout,
				fmt.Sprintf("Timed out waiting for install lock %s after %s", dir, opts.Timeout),
				fmt.Sprintf("Lock held by: %s. Remove %s on the host if that process is gone.", Holder(ctx, sess, dir), dir))
		}

		if isStale(ctx, sess, dir, opts.Stale) {
			if err := forceRemove(ctx, sess, dir); err == nil {
				continue
			}
		}

		res, err := sess.Exec(ctx, "mkdir", []string{dir}, nil)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return nil, err
		}

		if res.Success() {
			if err := sess.Upload(ctx, bytes.NewReader(record), path.Join(dir, ownerFile), 0o644); err != nil {
				_ = forceRemove(ctx, sess, dir)
				return nil, errors.WrapWithCode(err, errors.ErrTransfer,
					"Failed to write the install lock owner record",
					"Check disk space and permissions on the host")
			}
			return &Lock{Dir: dir, Owner: owner, sess: sess}, nil
		}

		select {
		case <-ctx.Done():
		case <-time.After(opts.PollInterval):
		}
	}
}

// Release removes the lock, allowing others to acquire it.
func (l *Lock) Release(ctx context.Context) error {
	if l == nil || l.sess == nil {
		return nil
	}
	return forceRemove(ctx, l.sess, l.Dir)
}

// Holder describes who holds the lock at dir, or "unknown".
func Holder(ctx context.Context, sess sshutil.Session, dir string) string {
	o, raw, ok := readOwner(ctx, sess, dir)
	switch {
	case ok:
		return o.String()
	case strings.TrimSpace(raw) != "":
		return strings.TrimSpace(raw)
	default:
		return "unknown"
	}
}

// isStale reports whether the lock at dir was taken longer ago than
// threshold. A lock without a readable owner record is never stale.
func isStale(ctx context.Context, sess sshutil.Session, dir string, threshold time.Duration) bool {
	if threshold <= 0 {
		return false
	}
	o, _, ok := readOwner(ctx, sess, dir)
	return ok && time.Since(o.Acquired) > threshold
}

// forceRemove removes a directory and all its contents.
func forceRemove(ctx context.Context, sess sshutil.Session, dir string) error {
	res, err := sess.Exec(ctx, "rm", []string{"-rf", dir}, nil)
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.New(errors.ErrExec,
			fmt.Sprintf("Failed to remove lock directory: %s", dir),
			fmt.Sprintf("Error: %s", strings.TrimSpace(res.Stderr)))
	}
	return nil
}
