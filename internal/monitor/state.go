package monitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rileyhilliard/perfci/internal/archive"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// State is where a monitor is in its lifecycle.
type State int

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Collected
	Failed
	// Disabled monitors skip both phases and count as successful.
	Disabled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Collected:
		return "collected"
	case Failed:
		return "failed"
	case Disabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// Phase names a lifecycle operation.
type Phase string

const (
	PhaseStart Phase = "start"
	PhaseStop  Phase = "stop"
)

// Outcome is the result of one phase for one monitor.
type Outcome struct {
	Monitor  string
	Phase    Phase
	State    State
	Attempts int
	Err      error
	Duration time.Duration
}

// OK reports whether the phase succeeded.
func (o Outcome) OK() bool { return o.Err == nil }

// ArchiveTransfer moves a remote archive to the local disk and unpacks it
// next to itself. It is consumed once.
type ArchiveTransfer struct {
	RemotePath   string
	LocalPath    string
	DeleteRemote bool
}

// Run downloads the archive, extracts it into the directory holding
// LocalPath, and removes the local archive.
func (t ArchiveTransfer) Run(ctx context.Context, sess sshutil.Session) error {
	dest := filepath.Dir(t.LocalPath)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			"Can't create collection directory "+dest,
			"Check permissions on the result directory.")
	}

	if err := sess.Download(ctx, t.RemotePath, t.LocalPath, t.DeleteRemote); err != nil {
		if errors.Code(err) == "" {
			return errors.WrapWithCode(err, errors.ErrTransfer, "Failed to download "+t.RemotePath, "")
		}
		return err
	}
	defer os.Remove(t.LocalPath)

	return archive.ExtractFile(t.LocalPath, dest)
}
