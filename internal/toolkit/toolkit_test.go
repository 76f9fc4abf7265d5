package toolkit

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/perfci/internal/archive"
)

func TestVersion(t *testing.T) {
	v := Version()
	assert.NotEmpty(t, v)
	assert.NotContains(t, v, "\n")
}

func TestFiles(t *testing.T) {
	for _, name := range []string{"VERSION", "bin/start_monitor", "bin/stop_monitor", "bin/sample"} {
		_, err := fs.Stat(Files(), name)
		assert.NoError(t, err, name)
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		installed, want string
		match           bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0.0\n", "1.0.0", true},
		{"1.0", "1.0.0", true},
		{"v1.0.0", "1.0.0", true},
		{"0.9.0", "1.0.0", false},
		{"", "1.0.0", false},
		{"dev-abc", "dev-abc", true},
		{"dev-abc", "dev-abd", false},
		{"cat: /tmp/perfci/VERSION: No such file", "1.0.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.installed+"_vs_"+tt.want, func(t *testing.T) {
			assert.Equal(t, tt.match, Matches(tt.installed, tt.want))
		})
	}
}

func TestBundle_ExtractsUnderRootName(t *testing.T) {
	data, err := Bundle("/opt/monitoring/perfci-kit")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, archive.Extract(bytes.NewReader(data), dest))

	got, err := os.ReadFile(filepath.Join(dest, "perfci-kit", "VERSION"))
	require.NoError(t, err)
	assert.True(t, Matches(string(got), Version()))

	info, err := os.Stat(filepath.Join(dest, "perfci-kit", "bin", "start_monitor"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o755), info.Mode().Perm())

	info, err = os.Stat(filepath.Join(dest, "perfci-kit", "VERSION"))
	require.NoError(t, err)
	assert.Equal(t, fs.FileMode(0o644), info.Mode().Perm())
}

func TestLayout(t *testing.T) {
	l := NewLayout("")
	assert.Equal(t, DefaultRoot, l.Root)
	assert.Equal(t, "/tmp", l.Parent())
	assert.Equal(t, "/tmp/perfci-upload.tar.gz", l.UploadPath())
	assert.Equal(t, "/tmp/perfci/VERSION", l.VersionFile())
	assert.Equal(t, "/tmp/perfci/bin/start_monitor", l.StartScript())
	assert.Equal(t, "/tmp/perfci/bin/stop_monitor", l.StopScript())
	assert.Equal(t, "/tmp/perfci/jobs/web/42/monitoring", l.OutputDir("web", "42"))
	assert.Equal(t, "/tmp/perfci/jobs/web/42/monitoring.tar.gz", l.ArchivePath("web", "42"))

	assert.Equal(t, "/srv/kit", NewLayout("/srv/kit/").Root)
}
