package archive

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/perfci/internal/errors"
)

type entry struct {
	name     string
	typeflag byte
	body     string
	mode     int64
	linkname string
}

func rawArchive(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{Name: e.name, Typeflag: e.typeflag, Mode: mode, Size: int64(len(e.body)), Linkname: e.linkname}
		if e.typeflag != tar.TypeReg {
			hdr.Size = 0
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if e.typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestPackExtract_RoundTrip(t *testing.T) {
	src := t.TempDir()
	files := map[string]string{
		"host1.nmon":          "AAA,header\nZZZZ,T0001\n",
		"nested/deep/cpu.csv": "ts,cpu\n1,99\n",
		"nested/empty.log":    "",
		"binary.dat":          string([]byte{0, 1, 2, 255, 254}),
	}
	for name, body := range files {
		p := filepath.Join(src, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o640))
	}
	require.NoError(t, os.MkdirAll(filepath.Join(src, "emptydir"), 0o755))

	var buf bytes.Buffer
	require.NoError(t, PackDir(&buf, src, PackOptions{}))

	dest := t.TempDir()
	require.NoError(t, Extract(&buf, dest))

	for name, body := range files {
		got, err := os.ReadFile(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err, name)
		assert.Equal(t, body, string(got), name)

		info, err := os.Stat(filepath.Join(dest, filepath.FromSlash(name)))
		require.NoError(t, err)
		assert.Equal(t, fs.FileMode(0o640), info.Mode().Perm(), name)
	}
	info, err := os.Stat(filepath.Join(dest, "emptydir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestPack_PrefixModeAndModTime(t *testing.T) {
	fsys := fstest.MapFS{
		"VERSION":           {Data: []byte("1.2.0\n"), Mode: 0o444},
		"bin/start_monitor": {Data: []byte("#!/bin/sh\n"), Mode: 0o444},
	}
	stamp := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

	var buf bytes.Buffer
	err := Pack(&buf, fsys, PackOptions{
		Prefix:  "perfci/",
		ModTime: stamp,
		Mode: func(name string, mode fs.FileMode) fs.FileMode {
			if filepath.Dir(name) == "bin" {
				return 0o755
			}
			return 0o644
		},
	})
	require.NoError(t, err)

	gr, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gr)

	modes := map[string]int64{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		modes[hdr.Name] = hdr.Mode
		assert.True(t, hdr.ModTime.Equal(stamp), hdr.Name)
	}
	assert.Equal(t, int64(0o644), modes["perfci/VERSION"])
	assert.Equal(t, int64(0o755), modes["perfci/bin/start_monitor"])
	assert.Contains(t, modes, "perfci/bin/")
}

func TestPack_IsDeterministic(t *testing.T) {
	fsys := fstest.MapFS{
		"a":   {Data: []byte("1")},
		"b/c": {Data: []byte("2")},
	}
	var one, two bytes.Buffer
	opts := PackOptions{ModTime: time.Unix(0, 0)}
	require.NoError(t, Pack(&one, fsys, opts))
	require.NoError(t, Pack(&two, fsys, opts))
	assert.Equal(t, one.Bytes(), two.Bytes())
}

func TestExtract_RejectsEscapingEntries(t *testing.T) {
	tests := []struct {
		name  string
		entry entry
	}{
		{"parent traversal", entry{name: "../evil", typeflag: tar.TypeReg, body: "x"}},
		{"nested traversal", entry{name: "ok/../../evil", typeflag: tar.TypeReg, body: "x"}},
		{"absolute path", entry{name: "/etc/evil", typeflag: tar.TypeReg, body: "x"}},
		{"symlink out", entry{name: "link", typeflag: tar.TypeSymlink, linkname: "../../outside"}},
		{"absolute symlink", entry{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}},
		{"link climbing out", entry{name: "sub/link", typeflag: tar.TypeSymlink, linkname: "../../evil"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "dest")
			err := Extract(bytes.NewReader(rawArchive(t, tt.entry)), dest)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrTransfer))
			assert.NoFileExists(t, filepath.Join(parent, "evil"))
		})
	}
}

func TestExtract_RejectsSymlinkChains(t *testing.T) {
	tests := []struct {
		name    string
		entries []entry
	}{
		{
			name: "link through self link",
			entries: []entry{
				{name: "self", typeflag: tar.TypeSymlink, linkname: "."},
				{name: "up", typeflag: tar.TypeSymlink, linkname: "self/.."},
				{name: "up/evil", typeflag: tar.TypeReg, body: "x"},
			},
		},
		{
			name: "write through directory link",
			entries: []entry{
				{name: "data", typeflag: tar.TypeDir, mode: 0o755},
				{name: "alias", typeflag: tar.TypeSymlink, linkname: "data"},
				{name: "alias/x.nmon", typeflag: tar.TypeReg, body: "x"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parent := t.TempDir()
			dest := filepath.Join(parent, "rawdata")
			err := Extract(bytes.NewReader(rawArchive(t, tt.entries...)), dest)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrTransfer))
			assert.NoFileExists(t, filepath.Join(parent, "evil"))
			assert.NoFileExists(t, filepath.Join(dest, "data", "x.nmon"))
		})
	}
}

func TestExtract_EntryReplacesSymlink(t *testing.T) {
	parent := t.TempDir()
	dest := filepath.Join(parent, "rawdata")
	outside := filepath.Join(parent, "victim")
	require.NoError(t, os.WriteFile(outside, []byte("keep"), 0o644))
	require.NoError(t, os.MkdirAll(dest, 0o755))
	require.NoError(t, os.Symlink(outside, filepath.Join(dest, "cpu.csv")))

	data := rawArchive(t, entry{name: "cpu.csv", typeflag: tar.TypeReg, body: "ts,cpu\n"})
	require.NoError(t, Extract(bytes.NewReader(data), dest))

	got, err := os.ReadFile(outside)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "cpu.csv"))
	require.NoError(t, err)
	assert.Equal(t, "ts,cpu\n", string(got))
}

func TestExtract_InternalSymlink(t *testing.T) {
	data := rawArchive(t,
		entry{name: "./data/real.txt", typeflag: tar.TypeReg, body: "hello"},
		entry{name: "./latest", typeflag: tar.TypeSymlink, linkname: "data/real.txt"},
	)
	dest := t.TempDir()
	require.NoError(t, Extract(bytes.NewReader(data), dest))

	got, err := os.ReadFile(filepath.Join(dest, "latest"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestExtract_DotPrefixedEntries(t *testing.T) {
	data := rawArchive(t,
		entry{name: "./", typeflag: tar.TypeDir, mode: 0o755},
		entry{name: "./sub/", typeflag: tar.TypeDir, mode: 0o755},
		entry{name: "./sub/run.sh", typeflag: tar.TypeReg, body: "echo", mode: 0o755},
	)
	dest := t.TempDir()
	require.NoError(t, Extract(bytes.NewReader(data), dest))

	info, err := os.Stat(filepath.Join(dest, "sub", "run.sh"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())
}

func TestExtract_SizeLimit(t *testing.T) {
	data := rawArchive(t, entry{name: "big", typeflag: tar.TypeReg, body: "0123456789"})
	err := ExtractLimit(bytes.NewReader(data), t.TempDir(), 5)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
}

func TestExtract_NotGzip(t *testing.T) {
	err := Extract(bytes.NewReader([]byte("plain text")), t.TempDir())
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "monitoring.tar.gz")
	require.NoError(t, os.WriteFile(archivePath, rawArchive(t, entry{name: "a.txt", typeflag: tar.TypeReg, body: "a"}), 0o644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, ExtractFile(archivePath, dest))
	assert.FileExists(t, filepath.Join(dest, "a.txt"))

	err := ExtractFile(filepath.Join(dir, "missing.tar.gz"), dest)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
}
