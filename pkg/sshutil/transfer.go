package sshutil

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/rileyhilliard/perfci/internal/errors"
)

// Upload streams src to remotePath over SFTP. Data is written to
// "<remotePath>.part" and renamed into place once complete.
func (c *Client) Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}

	if dir := path.Dir(remotePath); dir != "." && dir != "/" {
		if err := sc.MkdirAll(dir); err != nil {
			return errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Couldn't create remote directory %s on '%s'", dir, c.Host),
				"Check permissions on the remote host.")
		}
	}

	partPath := remotePath + ".part"
	f, err := sc.OpenFile(partPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't create %s on '%s'", partPath, c.Host),
			"Check permissions and free space on the remote host.")
	}

	_, copyErr := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	closeErr := f.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = sc.Remove(partPath)
		return errors.WrapWithCode(copyErr, errors.ErrTransfer,
			fmt.Sprintf("Upload to %s:%s failed", c.Host, remotePath),
			"Check free space on the remote host and retry.")
	}

	if mode != 0 {
		if err := sc.Chmod(partPath, mode); err != nil {
			_ = sc.Remove(partPath)
			return errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Couldn't set mode on %s", partPath), "")
		}
	}

	if err := sc.PosixRename(partPath, remotePath); err != nil {
		// Servers without the posix-rename extension refuse to overwrite.
		_ = sc.Remove(remotePath)
		if err := sc.Rename(partPath, remotePath); err != nil {
			_ = sc.Remove(partPath)
			return errors.WrapWithCode(err, errors.ErrTransfer,
				fmt.Sprintf("Couldn't move %s into place", remotePath), "")
		}
	}

	return nil
}

// Download copies remotePath to localPath over SFTP. The data lands in a
// temporary file next to localPath, is synced, and only then renamed, so a
// failed or interrupted transfer never leaves a partial file at localPath.
func (c *Client) Download(ctx context.Context, remotePath, localPath string, deleteRemoteAfter bool) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}

	src, err := sc.Open(remotePath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't open %s on '%s'", remotePath, c.Host),
			"The remote file may not have been produced. Check the monitor's output directory.")
	}
	defer src.Close()

	dir := filepath.Dir(localPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't create local directory %s", dir), "")
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(localPath)+".*.part")
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't create temporary file in %s", dir), "")
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	_, copyErr := io.Copy(&ctxWriter{ctx: ctx, w: tmp}, src)
	if copyErr == nil {
		copyErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		return errors.WrapWithCode(copyErr, errors.ErrTransfer,
			fmt.Sprintf("Download of %s:%s failed", c.Host, remotePath),
			"Check local free space and the connection to the host.")
	}

	if err := os.Rename(tmpName, localPath); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't move download into place at %s", localPath), "")
	}
	committed = true

	if deleteRemoteAfter {
		if err := sc.Remove(remotePath); err != nil {
			c.opts.Logger.Warn("Downloaded %s but couldn't delete it on '%s': %v", remotePath, c.Host, err)
		}
	}

	return nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}

// ctxWriter stops a copy once ctx is done.
type ctxWriter struct {
	ctx context.Context
	w   io.Writer
}

func (w *ctxWriter) Write(p []byte) (int, error) {
	if err := w.ctx.Err(); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
