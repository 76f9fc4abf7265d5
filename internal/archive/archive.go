// Package archive packs and unpacks the gzip-compressed tarballs exchanged
// with monitored hosts: the toolkit bundle going out and the collected
// monitoring data coming back.
package archive

import (
	"archive/tar"
	"compress/gzip"
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rileyhilliard/perfci/internal/errors"
)

// DefaultSizeLimit caps the uncompressed bytes Extract will write.
const DefaultSizeLimit int64 = 8 << 30

// PackOptions controls Pack.
type PackOptions struct {
	// Prefix is prepended to every entry name, e.g. "perfci/".
	Prefix string
	// Mode overrides the permission bits recorded for a regular file. Nil
	// keeps the source permissions.
	Mode func(name string, mode fs.FileMode) fs.FileMode
	// ModTime, when non-zero, is stamped on every entry so output is
	// reproducible.
	ModTime time.Time
}

// Pack writes every file and directory of fsys to w as a tar.gz stream.
// Entries are emitted in lexical order.
func Pack(w io.Writer, fsys fs.FS, opts PackOptions) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)

	err := fs.WalkDir(fsys, ".", func(name string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if name == "." {
			return nil
		}
		if !d.IsDir() && !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = opts.Prefix + name
		if d.IsDir() {
			hdr.Name += "/"
		}
		mode := info.Mode().Perm()
		switch {
		case d.IsDir():
			mode |= 0o700
		case opts.Mode != nil:
			mode = opts.Mode(name, mode)
		}
		hdr.Mode = int64(mode)
		switch {
		case !opts.ModTime.IsZero():
			hdr.ModTime = opts.ModTime
		case hdr.ModTime.IsZero():
			// embed.FS reports no modification time.
			hdr.ModTime = time.Unix(0, 0)
		}
		hdr.Uname, hdr.Gname = "", ""
		hdr.Uid, hdr.Gid = 0, 0

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		f, err := fsys.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer, "Couldn't build archive", "")
	}
	if err := tw.Close(); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer, "Couldn't finish archive", "")
	}
	if err := gw.Close(); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer, "Couldn't finish archive", "")
	}
	return nil
}

// PackDir is Pack over a directory on disk.
func PackDir(w io.Writer, dir string, opts PackOptions) error {
	return Pack(w, os.DirFS(dir), opts)
}

// Extract unpacks a tar.gz stream into dest, recreating directories, regular
// files with their permission bits, and symlinks that stay inside dest.
// Entries that would land outside dest are rejected.
func Extract(r io.Reader, dest string) error {
	return ExtractLimit(r, dest, DefaultSizeLimit)
}

// ExtractLimit is Extract with an explicit cap on uncompressed bytes.
func ExtractLimit(r io.Reader, dest string, limit int64) error {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer, "Invalid extraction directory", "")
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't create %s", dest), "Check local permissions and free space.")
	}

	gr, err := gzip.NewReader(r)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer, "Archive is not gzip-compressed",
			"The download may be truncated. Retry the collection.")
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	var written int64
	for {
		hdr, err := tr.Next()
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrTransfer, "Corrupt archive",
				"The download may be truncated. Retry the collection.")
		}

		target, ok := within(dest, hdr.Name)
		if !ok {
			return errors.New(errors.ErrTransfer,
				fmt.Sprintf("Archive entry %q escapes %s", hdr.Name, dest),
				"Refusing to extract. Inspect the archive on the monitored host.")
		}
		if target == dest {
			continue
		}
		if err := noSymlinkParents(dest, target); err != nil {
			return errors.New(errors.ErrTransfer,
				fmt.Sprintf("Archive entry %q %s", hdr.Name, err), "Refusing to extract. Inspect the archive on the monitored host.")
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, dirMode(hdr)); err != nil {
				return extractErr(err, hdr.Name)
			}

		case tar.TypeReg:
			written += hdr.Size
			if written > limit {
				return errors.New(errors.ErrTransfer,
					fmt.Sprintf("Archive expands beyond %d bytes", limit), "")
			}
			if err := writeFile(tr, target, os.FileMode(hdr.Mode).Perm()); err != nil {
				return extractErr(err, hdr.Name)
			}

		case tar.TypeSymlink:
			if !linkStaysInside(dest, filepath.Dir(target), hdr.Linkname) {
				return errors.New(errors.ErrTransfer,
					fmt.Sprintf("Archive symlink %q points outside %s", hdr.Name, dest), "")
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return extractErr(err, hdr.Name)
			}
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return extractErr(err, hdr.Name)
			}
		}
	}
}

// ExtractFile extracts the archive at archivePath into dest.
func ExtractFile(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't open archive %s", archivePath), "")
	}
	defer f.Close()
	return Extract(f, dest)
}

// within joins name onto dest and reports whether the result stays inside.
func within(dest, name string) (string, bool) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", false
	}
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.Join(dest, rel), true
}

// noSymlinkParents fails when a directory between dest and target is a
// symlink created by an earlier entry. A symlink at target itself is
// removed so the entry replaces it instead of writing through it.
func noSymlinkParents(dest, target string) error {
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return err
	}
	parts := strings.Split(rel, string(filepath.Separator))
	cur := dest
	for i, part := range parts {
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			// Nothing below a missing path can be a symlink yet.
			return nil
		}
		if info.Mode()&os.ModeSymlink == 0 {
			continue
		}
		if i < len(parts)-1 {
			return fmt.Errorf("passes through symlink %s", filepath.Join(parts[:i+1]...))
		}
		return os.Remove(cur)
	}
	return nil
}

// linkStaysInside walks link from dir one component at a time, as the
// kernel would, and reports whether every step stays inside dest. Stepping
// through an existing symlink is refused, so chains cannot climb out.
func linkStaysInside(dest, dir, link string) bool {
	if filepath.IsAbs(link) {
		return false
	}
	parts := strings.Split(filepath.ToSlash(link), "/")
	cur := dir
	for i, part := range parts {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
		default:
			cur = filepath.Join(cur, part)
			if i < len(parts)-1 {
				if info, err := os.Lstat(cur); err == nil && info.Mode()&os.ModeSymlink != 0 {
					return false
				}
			}
		}
		if !inside(dest, cur) {
			return false
		}
	}
	return true
}

func inside(dest, p string) bool {
	p = filepath.Clean(p)
	return p == dest || strings.HasPrefix(p, dest+string(filepath.Separator))
}

func dirMode(hdr *tar.Header) os.FileMode {
	mode := os.FileMode(hdr.Mode).Perm()
	if mode == 0 {
		mode = 0o755
	}
	return mode | 0o700
}

func writeFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask; restore the recorded bits.
	return os.Chmod(target, mode)
}

func extractErr(err error, name string) error {
	return errors.WrapWithCode(err, errors.ErrTransfer,
		fmt.Sprintf("Couldn't extract %s", name), "Check local permissions and free space.")
}
