// Package testing provides in-memory stand-ins for sshutil sessions.
// A MockHost simulates one remote machine: a virtual filesystem plus
// canned command responses, reachable through a MockDialer.
package testing

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// ErrNotExist is returned for paths missing from a MockFS.
var ErrNotExist = errors.New("no such file or directory")

// MockFS is an in-memory remote filesystem. Paths are slash-separated and
// always treated as absolute.
type MockFS struct {
	mu    sync.RWMutex
	files map[string][]byte
	dirs  map[string]struct{}
}

// NewMockFS returns an empty filesystem containing only "/".
func NewMockFS() *MockFS {
	return &MockFS{
		files: make(map[string][]byte),
		dirs:  map[string]struct{}{"/": {}},
	}
}

func clean(p string) string {
	return path.Clean("/" + p)
}

// MkdirAll creates p and its parents, like `mkdir -p`.
func (fs *MockFS) MkdirAll(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.mkdirAllLocked(clean(p))
}

// Mkdir creates p, failing if anything already exists there. The check and
// the create are atomic, like mkdir(2).
func (fs *MockFS) Mkdir(p string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = clean(p)
	_, isDir := fs.dirs[p]
	_, isFile := fs.files[p]
	if isDir || isFile {
		return fmt.Errorf("mkdir %s: file exists", p)
	}
	return fs.mkdirAllLocked(p)
}

func (fs *MockFS) mkdirAllLocked(p string) error {
	for cur := p; ; cur = path.Dir(cur) {
		if _, isFile := fs.files[cur]; isFile {
			return fmt.Errorf("mkdir %s: not a directory", cur)
		}
		fs.dirs[cur] = struct{}{}
		if cur == "/" {
			return nil
		}
	}
}

// WriteFile stores content at p, creating parent directories.
func (fs *MockFS) WriteFile(p string, content []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p = clean(p)
	if _, isDir := fs.dirs[p]; isDir {
		return fmt.Errorf("write %s: is a directory", p)
	}
	if err := fs.mkdirAllLocked(path.Dir(p)); err != nil {
		return err
	}
	fs.files[p] = append([]byte(nil), content...)
	return nil
}

// ReadFile returns a copy of the content at p.
func (fs *MockFS) ReadFile(p string) ([]byte, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	content, ok := fs.files[clean(p)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", p, ErrNotExist)
	}
	return append([]byte(nil), content...), nil
}

// Remove deletes p and everything below it, like `rm -rf`. Missing paths
// are not an error.
func (fs *MockFS) Remove(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	p = clean(p)
	if p == "/" {
		fs.files = make(map[string][]byte)
		fs.dirs = map[string]struct{}{"/": {}}
		return
	}

	delete(fs.files, p)
	delete(fs.dirs, p)
	prefix := p + "/"
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			delete(fs.files, f)
		}
	}
	for d := range fs.dirs {
		if strings.HasPrefix(d, prefix) {
			delete(fs.dirs, d)
		}
	}
}

// Exists reports whether p is a file or directory.
func (fs *MockFS) Exists(p string) bool {
	return fs.IsFile(p) || fs.IsDir(p)
}

// IsDir reports whether p is a directory.
func (fs *MockFS) IsDir(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, ok := fs.dirs[clean(p)]
	return ok
}

// IsFile reports whether p is a regular file.
func (fs *MockFS) IsFile(p string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	_, ok := fs.files[clean(p)]
	return ok
}

// Files returns every file path under dir, sorted.
func (fs *MockFS) Files(dir string) []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir = clean(dir)
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	var out []string
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// Children returns the names of the entries directly inside dir, sorted.
func (fs *MockFS) Children(dir string) []string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir = clean(dir)
	prefix := dir + "/"
	if dir == "/" {
		prefix = "/"
	}
	seen := make(map[string]bool)
	collect := func(p string) {
		if !strings.HasPrefix(p, prefix) || p == dir {
			return
		}
		name, _, _ := strings.Cut(strings.TrimPrefix(p, prefix), "/")
		if name != "" {
			seen[name] = true
		}
	}
	for f := range fs.files {
		collect(f)
	}
	for d := range fs.dirs {
		collect(d)
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// PackDir builds a gzip-compressed tar of dir, with entries named relative
// to dir and prefixed "./", matching `tar -czf out -C dir .`.
func (fs *MockFS) PackDir(dir string) ([]byte, error) {
	dir = clean(dir)
	if !fs.IsDir(dir) {
		return nil, fmt.Errorf("%s: %w", dir, ErrNotExist)
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var dirs, files []string
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for d := range fs.dirs {
		if strings.HasPrefix(d, prefix) {
			dirs = append(dirs, d)
		}
	}
	for f := range fs.files {
		if strings.HasPrefix(f, prefix) {
			files = append(files, f)
		}
	}
	sort.Strings(dirs)
	sort.Strings(files)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for _, d := range dirs {
		name := "./" + strings.TrimPrefix(d, prefix) + "/"
		if err := tw.WriteHeader(&tar.Header{Name: name, Typeflag: tar.TypeDir, Mode: 0o755}); err != nil {
			return nil, err
		}
	}
	for _, f := range files {
		content := fs.files[f]
		hdr := &tar.Header{
			Name:     "./" + strings.TrimPrefix(f, prefix),
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(content); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnpackInto extracts a gzip-compressed tar into dir, like
// `tar -xzf archive -C dir`.
func (fs *MockFS) UnpackInto(data []byte, dir string) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer gz.Close()

	dir = clean(dir)
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		target := path.Join(dir, hdr.Name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := fs.MkdirAll(target); err != nil {
				return err
			}
		case tar.TypeReg:
			content, err := io.ReadAll(tr)
			if err != nil {
				return err
			}
			if err := fs.WriteFile(target, content); err != nil {
				return err
			}
		}
	}
}
