package monitor

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/lock"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/internal/toolkit"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// stopNotRunning is the stop script's status when no sampler was running.
const stopNotRunning = 1

func (c *Controller) startAttempt(ctx context.Context, sess sshutil.Session) error {
	if err := c.ensureToolkit(ctx, sess); err != nil {
		return err
	}

	layout := c.opts.Layout
	out := layout.OutputDir(c.opts.Project, c.opts.ExecutionID)
	if _, err := c.exec(ctx, sess, "mkdir", []string{"-p", out}); err != nil {
		return err
	}

	res, err := c.exec(ctx, sess, layout.StartScript(), []string{
		c.opts.Project,
		c.opts.ExecutionID,
		strconv.Itoa(c.monitor.Interval),
	})
	if err != nil {
		return err
	}
	c.log.Debug("sampler started: %s", strings.TrimSpace(res.Stdout))
	return nil
}

// ensureToolkit installs the bundle unless the host already has this
// version. The install runs under the host's install lock and re-checks the
// marker once the lock is held, so concurrent executions install once.
func (c *Controller) ensureToolkit(ctx context.Context, sess sshutil.Session) error {
	if c.toolkitCurrent(ctx, sess) {
		c.log.Debug("toolkit %s already installed", c.opts.Version)
		return nil
	}

	root := c.opts.Layout.Root
	l, err := lock.Acquire(ctx, sess, lock.DirFor(root), c.opts.Lock)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx)); err != nil {
			c.log.Warn("couldn't release install lock: %v", err)
		}
	}()

	if c.toolkitCurrent(ctx, sess) {
		c.log.Debug("toolkit installed by another execution")
		return nil
	}
	return c.installToolkit(ctx, sess)
}

func (c *Controller) toolkitCurrent(ctx context.Context, sess sshutil.Session) bool {
	res, err := sess.Exec(ctx, "cat", []string{c.opts.Layout.VersionFile()}, nil)
	if err != nil || !res.Success() {
		return false
	}
	return toolkit.Matches(res.Stdout, c.opts.Version)
}

func (c *Controller) installToolkit(ctx context.Context, sess sshutil.Session) error {
	layout := c.opts.Layout
	c.log.Info("installing toolkit %s into %s", c.opts.Version, layout.Root)

	bundle, err := c.opts.Bundle(layout.Root)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer, "Couldn't build the toolkit bundle", "")
	}
	upload := layout.UploadPath()
	if err := sess.Upload(ctx, bytes.NewReader(bundle), upload, 0o644); err != nil {
		if errors.Code(err) == "" {
			return errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Failed to upload toolkit to %s", upload),
				"Check free space in the remote root's parent directory.")
		}
		return err
	}

	steps := []struct {
		executable string
		args       []string
	}{
		{"rm", []string{"-rf", layout.Root}},
		{"tar", []string{"-xzf", upload, "-C", layout.Parent()}},
		{"rm", []string{"-f", upload}},
	}
	for _, step := range steps {
		if _, err := c.exec(ctx, sess, step.executable, step.args); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) stopAttempt(ctx context.Context, sess sshutil.Session, dest string) error {
	layout := c.opts.Layout
	res, err := c.exec(ctx, sess, layout.StopScript(),
		[]string{c.opts.Project, c.opts.ExecutionID}, 0, stopNotRunning)
	if err != nil {
		return err
	}
	if res.ExitStatus == stopNotRunning {
		c.log.Warn("sampler was not running; collecting what it wrote")
	}

	out := layout.OutputDir(c.opts.Project, c.opts.ExecutionID)
	remote := layout.ArchivePath(c.opts.Project, c.opts.ExecutionID)
	if _, err := c.exec(ctx, sess, "tar", []string{"-czf", remote, "-C", out, "."}); err != nil {
		return err
	}

	transfer := ArchiveTransfer{
		RemotePath:   remote,
		LocalPath:    filepath.Join(dest, "monitoring-"+uuid.NewString()+".tar.gz"),
		DeleteRemote: c.monitor.DeleteRemoteAfter,
	}
	if err := transfer.Run(ctx, sess); err != nil {
		return err
	}
	c.log.Info("collected into %s", dest)
	return nil
}

// LineLogger returns a sink that mirrors remote output through log:
// stdout at info, stderr at warn.
func LineLogger(log logger.Logger) sshutil.LineSink {
	return func(stream, line string) {
		if stream == "stderr" {
			log.Warn("%s", line)
			return
		}
		log.Info("%s", line)
	}
}
