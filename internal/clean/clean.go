// Package clean discovers and removes execution directories left on
// monitored hosts.
//
// Every execution leaves <remote_root>/jobs/<project>/<execution-id> behind
// on each host, holding the sampler output and its archive. Nothing else
// removes them.
package clean

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/toolkit"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// StaleDir is a remote execution directory eligible for removal.
type StaleDir struct {
	Path        string // Full remote path
	ExecutionID string // Last path segment
	DiskUsage   string // Human-readable size (e.g., "142M")
}

// Discover lists the execution directories of project on the host behind
// sess, skipping the ids in keep.
func Discover(ctx context.Context, sess sshutil.Session, layout toolkit.Layout, project string, keep map[string]bool) ([]StaleDir, error) {
	dir := layout.ProjectDir(project)
	res, err := sess.Exec(ctx, "ls", []string{"-1", dir}, nil)
	if err != nil {
		return nil, err
	}
	if !res.Success() {
		// ls fails when the project never ran on this host.
		if strings.Contains(res.Stderr, "No such file") {
			return nil, nil
		}
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("ls exited with code %d", res.ExitStatus)
		}
		return nil, errors.New(errors.ErrExec,
			fmt.Sprintf("Couldn't list %s on %s: %s", dir, sess.GetHost(), msg), "")
	}

	var stale []StaleDir
	for _, id := range strings.Split(res.Stdout, "\n") {
		id = strings.TrimSpace(id)
		if id == "" || keep[id] {
			continue
		}
		p := path.Join(dir, id)
		stale = append(stale, StaleDir{
			Path:        p,
			ExecutionID: id,
			DiskUsage:   diskUsage(ctx, sess, p),
		})
	}
	return stale, nil
}

// Remove deletes dirs on the host. Each path must sit directly under the
// project's jobs directory. Returns the removed paths and any errors.
func Remove(ctx context.Context, sess sshutil.Session, layout toolkit.Layout, project string, dirs []StaleDir) (removed []string, errs []error) {
	for _, dir := range dirs {
		if err := validateRemovalTarget(dir.Path, layout.ProjectDir(project)); err != nil {
			errs = append(errs, fmt.Errorf("refusing to delete %q: %s", dir.Path, err))
			continue
		}
		res, err := sess.Exec(ctx, "rm", []string{"-rf", dir.Path}, nil)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", dir.Path, err))
			continue
		}
		if !res.Success() {
			msg := strings.TrimSpace(res.Stderr)
			if msg == "" {
				msg = fmt.Sprintf("exit code %d", res.ExitStatus)
			}
			errs = append(errs, fmt.Errorf("failed to remove %s: %s", dir.Path, msg))
			continue
		}
		removed = append(removed, dir.Path)
	}
	return removed, errs
}

// validateRemovalTarget accepts only paths of the form <projectDir>/<id>
// where id is a single plain segment.
func validateRemovalTarget(p, projectDir string) error {
	trimmed := strings.TrimSpace(p)
	if trimmed == "" {
		return fmt.Errorf("empty path")
	}
	if path.Clean(trimmed) != trimmed {
		return fmt.Errorf("path is not clean")
	}
	if path.Dir(trimmed) != path.Clean(projectDir) {
		return fmt.Errorf("path is not inside %s", projectDir)
	}
	id := path.Base(trimmed)
	if id == "." || id == ".." || id == "/" {
		return fmt.Errorf("invalid execution id %q", id)
	}
	// Minimum depth: <root>/jobs/<project>/<id>.
	segments := 0
	for _, seg := range strings.Split(trimmed, "/") {
		if seg != "" {
			segments++
		}
	}
	if segments < 4 {
		return fmt.Errorf("path too shallow (need at least 4 components, got %d)", segments)
	}
	return nil
}

func diskUsage(ctx context.Context, sess sshutil.Session, p string) string {
	res, err := sess.Exec(ctx, "du", []string{"-sh", p}, nil)
	if err != nil || !res.Success() {
		return "?"
	}
	output := strings.TrimSpace(res.Stdout)
	// du output format: "142M\t/path/to/dir"
	if parts := strings.SplitN(output, "\t", 2); parts[0] != "" {
		return parts[0]
	}
	return "?"
}
