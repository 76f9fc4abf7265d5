package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
)

const testSSHConfig = `Host db01
  HostName 10.0.0.5
  User perf

Host web01
  HostName 10.0.0.6

Host *
  ServerAliveInterval 30
`

func writeSSHConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ssh_config")
	require.NoError(t, os.WriteFile(path, []byte(testSSHConfig), 0600))
	return path
}

func TestInit_WritesLoadableSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	var out bytes.Buffer

	require.NoError(t, Init(&out, InitOptions{Path: path}))
	assert.Contains(t, out.String(), "with 1 monitor(s)")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, config.Validate(cfg))
	require.Len(t, cfg.Monitors, 1)
	assert.Equal(t, "db01", cfg.Monitors[0].Name)
	assert.Equal(t, config.DefaultStartDeadline, cfg.Timeouts.Start)
	assert.False(t, cfg.Report.Enabled())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(content), "# workload:")
}

func TestInit_RefusesToOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("project: x\n"), 0644))

	err := Init(&bytes.Buffer{}, InitOptions{Path: path})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))

	require.NoError(t, Init(&bytes.Buffer{}, InitOptions{Path: path, Overwrite: true}))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Monitors, 1)
}

func TestInit_FromSSHConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)

	require.NoError(t, Init(&bytes.Buffer{}, InitOptions{
		Path:          path,
		FromSSHConfig: true,
		SSHConfigPath: writeSSHConfig(t),
	}))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"db01", "web01"}, config.MonitorNames(cfg))
	assert.Equal(t, "db01", cfg.Monitors[0].Host, "alias kept for ssh config resolution")
	assert.Equal(t, defaultInterval, cfg.Monitors[1].Interval)
}

func TestInit_FromSSHConfigAppendsToExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	existing := "project: shop\nmonitors:\n  - name: db01\n    host: db.internal\n    interval: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(existing), 0644))

	var out bytes.Buffer
	require.NoError(t, Init(&out, InitOptions{
		Path:          path,
		FromSSHConfig: true,
		SSHConfigPath: writeSSHConfig(t),
	}))
	assert.Contains(t, out.String(), "Added 1 monitor(s)")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"db01", "web01"}, config.MonitorNames(cfg))
	assert.Equal(t, "db.internal", cfg.Monitors[0].Host, "existing monitor untouched")
	assert.Equal(t, 10, cfg.Monitors[0].Interval)

	out.Reset()
	require.NoError(t, Init(&out, InitOptions{Path: path, FromSSHConfig: true, SSHConfigPath: writeSSHConfig(t)}))
	assert.Contains(t, out.String(), "already monitors")
}

func TestInit_FromEmptySSHConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ConfigFileName)

	err := Init(&bytes.Buffer{}, InitOptions{
		Path:          path,
		FromSSHConfig: true,
		SSHConfigPath: filepath.Join(t.TempDir(), "missing"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No hosts found")
	assert.NoFileExists(t, path)
}
