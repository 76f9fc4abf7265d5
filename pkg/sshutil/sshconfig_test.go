package sshutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSSHConfig(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestListHosts(t *testing.T) {
	p := writeSSHConfig(t, `
Host perf-db
    HostName 10.0.0.5
    User bench
    Port 2222
    IdentityFile /keys/bench

Host perf-app perf-app-alias
    HostName app.internal

Host *.internal
    User ignored

Match host foo
    User matched
`)

	hosts, err := ListHosts(p)
	require.NoError(t, err)
	require.Len(t, hosts, 3)

	assert.Equal(t, "perf-app", hosts[0].Alias)
	assert.Equal(t, "perf-app-alias", hosts[1].Alias)
	assert.Equal(t, "perf-db", hosts[2].Alias)

	db := hosts[2]
	assert.Equal(t, "10.0.0.5", db.Hostname)
	assert.Equal(t, "bench", db.User)
	assert.Equal(t, "2222", db.Port)
	assert.Equal(t, "/keys/bench", db.IdentityFile)
	assert.Equal(t, "10.0.0.5, user: bench, port: 2222", db.Description())

	target := db.Target()
	assert.Equal(t, "perf-db", target.Host)
	assert.Equal(t, 2222, target.Port)
	assert.Equal(t, []string{"/keys/bench"}, target.KeyFiles)
}

func TestListHosts_MissingFile(t *testing.T) {
	hosts, err := ListHosts(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestHostEntry_DescriptionFallsBackToAlias(t *testing.T) {
	assert.Equal(t, "box", HostEntry{Alias: "box", Hostname: "box"}.Description())
	assert.Equal(t, "user: me", HostEntry{Alias: "box", User: "me", Port: "22"}.Description())
}

func TestResolveSSHSettings_ExplicitFieldsWin(t *testing.T) {
	p := writeSSHConfig(t, `
Host alias
    HostName real.example.com
    User cfguser
    Port 2200
`)

	s := resolveSSHSettings(Target{Host: "alias"}, p)
	assert.Equal(t, "real.example.com", s.hostname)
	assert.Equal(t, "cfguser", s.user)
	assert.Equal(t, "2200", s.port)

	s = resolveSSHSettings(Target{Host: "alias", User: "me", Port: 22}, p)
	assert.Equal(t, "me", s.user)
	assert.Equal(t, "22", s.port)
	assert.Equal(t, "real.example.com:22", s.address())

	s = resolveSSHSettings(Target{Host: "plain.example.com"}, p)
	assert.Equal(t, "plain.example.com", s.hostname)
	assert.Equal(t, "22", s.port)
}

func TestExpandPath(t *testing.T) {
	home := homeDir()
	assert.Equal(t, filepath.Join(home, "test"), expandPath("~/test"))
	assert.Equal(t, "/absolute/path", expandPath("/absolute/path"))
	assert.Equal(t, "relative/path", expandPath("relative/path"))
}
