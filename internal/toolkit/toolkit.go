// Package toolkit embeds the remote monitoring scripts and knows where they
// live on a monitored host.
//
// The bundle is a tar.gz whose single top-level directory is the base name
// of the remote root, so `tar -xzf bundle -C <parent of root>` installs it.
package toolkit

import (
	"bytes"
	"embed"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/hashicorp/go-version"

	"github.com/rileyhilliard/perfci/internal/archive"
)

// DefaultRoot is where the toolkit is installed on monitored hosts.
const DefaultRoot = "/tmp/perfci"

//go:embed assets
var assets embed.FS

var (
	versionOnce sync.Once
	versionStr  string
)

// Files returns the toolkit tree: VERSION and bin/.
func Files() fs.FS {
	sub, err := fs.Sub(assets, "assets")
	if err != nil {
		panic(err)
	}
	return sub
}

// Version returns the embedded toolkit version.
func Version() string {
	versionOnce.Do(func() {
		data, err := fs.ReadFile(Files(), "VERSION")
		if err != nil {
			panic(err)
		}
		versionStr = strings.TrimSpace(string(data))
	})
	return versionStr
}

// Matches reports whether an installed version marker equals want.
// Semantic versions compare by value ("1.0" equals "1.0.0"); anything else
// falls back to exact string comparison.
func Matches(installed, want string) bool {
	installed = strings.TrimSpace(installed)
	want = strings.TrimSpace(want)
	if installed == "" {
		return false
	}
	iv, err1 := version.NewVersion(installed)
	wv, err2 := version.NewVersion(want)
	if err1 != nil || err2 != nil {
		return installed == want
	}
	return iv.Equal(wv)
}

// Bundle packs the toolkit for installation under root. Scripts in bin/ are
// marked executable.
func Bundle(root string) ([]byte, error) {
	var buf bytes.Buffer
	err := archive.Pack(&buf, Files(), archive.PackOptions{
		Prefix: path.Base(path.Clean(root)) + "/",
		Mode: func(name string, _ fs.FileMode) fs.FileMode {
			if strings.HasPrefix(name, "bin/") {
				return 0o755
			}
			return 0o644
		},
	})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Layout resolves toolkit paths on a monitored host.
type Layout struct {
	Root string
}

// NewLayout returns the layout for root, or DefaultRoot when empty.
func NewLayout(root string) Layout {
	if root == "" {
		root = DefaultRoot
	}
	return Layout{Root: path.Clean(root)}
}

// Parent is the directory the bundle is extracted into.
func (l Layout) Parent() string { return path.Dir(l.Root) }

// UploadPath is where the bundle is staged before extraction.
func (l Layout) UploadPath() string { return l.Root + "-upload.tar.gz" }

// VersionFile is the installed version marker.
func (l Layout) VersionFile() string { return path.Join(l.Root, "VERSION") }

// StartScript is the start entry point.
func (l Layout) StartScript() string { return path.Join(l.Root, "bin", "start_monitor") }

// StopScript is the stop entry point.
func (l Layout) StopScript() string { return path.Join(l.Root, "bin", "stop_monitor") }

// ProjectDir holds the execution directories of one project.
func (l Layout) ProjectDir(project string) string {
	return path.Join(l.Root, "jobs", project)
}

// ExecutionDir holds everything one execution produced for a project.
func (l Layout) ExecutionDir(project, executionID string) string {
	return path.Join(l.ProjectDir(project), executionID)
}

// OutputDir is where the sampler writes for one execution.
func (l Layout) OutputDir(project, executionID string) string {
	return path.Join(l.ExecutionDir(project, executionID), "monitoring")
}

// ArchivePath is the tarball built from OutputDir at stop time.
func (l Layout) ArchivePath(project, executionID string) string {
	return path.Join(l.ExecutionDir(project, executionID), "monitoring.tar.gz")
}
