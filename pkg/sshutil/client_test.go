package sshutil_test

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
	"github.com/rileyhilliard/perfci/pkg/sshutil/sshtest"
)

const otherMD5 = "00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff"

func testOptions(t *testing.T) sshutil.Options {
	return sshutil.Options{
		ConnectTimeout: 5 * time.Second,
		ExecTimeout:    10 * time.Second,
		Logger:         logger.NewBufferLogger(),
		SSHConfigPath:  filepath.Join(t.TempDir(), "no-ssh-config"),
	}
}

func dial(t *testing.T, srv *sshtest.Server, opts sshutil.Options) *sshutil.Client {
	t.Helper()
	c, err := sshutil.Dial(context.Background(), srv.Target(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDial_PinnedFingerprint(t *testing.T) {
	srv := sshtest.NewServer(t)

	c := dial(t, srv, testOptions(t))
	assert.Equal(t, "127.0.0.1", c.GetHost())
	assert.Equal(t, srv.Addr(), c.GetAddress())

	target := srv.Target()
	target.Fingerprint = strings.ToUpper(srv.FingerprintMD5())
	c2, err := sshutil.Dial(context.Background(), target, testOptions(t))
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}

func TestDial_FingerprintMismatchStopsBeforeAuth(t *testing.T) {
	srv := sshtest.NewServer(t)
	target := srv.Target()
	target.Fingerprint = otherMD5

	_, err := sshutil.Dial(context.Background(), target, testOptions(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSSH))
	assert.Contains(t, err.Error(), "host key")
	assert.True(t, errors.Retryable(err))

	assert.Equal(t, 0, srv.AuthAttempts())
	assert.Equal(t, 0, srv.SFTPSessions())
	assert.Empty(t, srv.Commands())
}

func TestDial_InvalidFingerprintIsConfigError(t *testing.T) {
	srv := sshtest.NewServer(t)
	target := srv.Target()
	target.Fingerprint = "not-a-fingerprint"

	_, err := sshutil.Dial(context.Background(), target, testOptions(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	assert.Equal(t, 0, srv.Connections())
}

func TestDial_WrongPasswordIsAuthError(t *testing.T) {
	srv := sshtest.NewServer(t)
	target := srv.Target()
	target.Password = "wrong"

	_, err := sshutil.Dial(context.Background(), target, testOptions(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrAuth))
	assert.False(t, errors.Retryable(err))
	assert.Positive(t, srv.AuthAttempts())
}

func TestDial_MissingKeyFileIsAuthError(t *testing.T) {
	srv := sshtest.NewServer(t)
	target := srv.Target()
	target.Password = ""
	target.KeyFiles = []string{filepath.Join(t.TempDir(), "id_missing")}

	_, err := sshutil.Dial(context.Background(), target, testOptions(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrAuth))
}

func TestDial_UnreachableIsSSHError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	target := sshutil.Target{Host: "127.0.0.1", Port: port, User: "u", Password: "p", Fingerprint: otherMD5}
	_, err = sshutil.Dial(context.Background(), target, testOptions(t))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSSH))
	assert.True(t, errors.Retryable(err))
}

func TestDial_NoFingerprintWarns(t *testing.T) {
	srv := sshtest.NewServer(t)
	opts := testOptions(t)
	log := opts.Logger.(*logger.BufferLogger)

	target := srv.Target()
	target.Fingerprint = ""
	c, err := sshutil.Dial(context.Background(), target, opts)
	require.NoError(t, err)
	defer c.Close()

	assert.True(t, log.Contains("warn", "man-in-the-middle"))
}

func TestDialer_ReturnsSession(t *testing.T) {
	srv := sshtest.NewServer(t)

	var d sshutil.Dialer = sshutil.NewDialer(testOptions(t))
	sess, err := d.Dial(context.Background(), srv.Target())
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	require.NoError(t, sess.Close())
}

func TestClient_CloseNil(t *testing.T) {
	var c *sshutil.Client
	assert.NoError(t, c.Close())
}

func TestExec_CapturesOutputAndStatus(t *testing.T) {
	srv := sshtest.NewServer(t)
	c := dial(t, srv, testOptions(t))
	ctx := context.Background()

	res, err := c.Exec(ctx, "echo", []string{"hello world"}, nil)
	require.NoError(t, err)
	assert.True(t, res.Success())
	assert.Equal(t, "hello world\n", res.Stdout)
	assert.Equal(t, []string{"echo", "hello world"}, res.Command)

	res, err = c.Exec(ctx, "sh", []string{"-c", "echo oops >&2; exit 3"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitStatus)
	assert.Equal(t, "oops\n", res.Stderr)
	assert.False(t, res.Success())
}

func TestExec_ExportsEnvInline(t *testing.T) {
	srv := sshtest.NewServer(t)
	c := dial(t, srv, testOptions(t))

	env := map[string]string{"PERFCI_A": "it's", "PERFCI_B": "two words"}
	res, err := c.Exec(context.Background(), "sh", []string{"-c", `printf '%s|%s' "$PERFCI_A" "$PERFCI_B"`}, env)
	require.NoError(t, err)
	assert.Equal(t, "it's|two words", res.Stdout)
}

func TestExec_StreamsKeepPerStreamOrder(t *testing.T) {
	srv := sshtest.NewServer(t)

	var mu sync.Mutex
	lines := map[string][]string{}
	opts := testOptions(t)
	opts.OnLine = func(stream, line string) {
		mu.Lock()
		lines[stream] = append(lines[stream], line)
		mu.Unlock()
	}
	c := dial(t, srv, opts)

	script := `i=0; while [ $i -lt 200 ]; do echo "out $i"; echo "err $i" >&2; i=$((i+1)); done`
	res, err := c.Exec(context.Background(), "sh", []string{"-c", script}, nil)
	require.NoError(t, err)
	require.True(t, res.Success())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines["stdout"], 200)
	require.Len(t, lines["stderr"], 200)
	for i := 0; i < 200; i++ {
		assert.Equal(t, fmt.Sprintf("out %d", i), lines["stdout"][i])
		assert.Equal(t, fmt.Sprintf("err %d", i), lines["stderr"][i])
	}
}

func TestExec_LargeOutputOnBothStreams(t *testing.T) {
	srv := sshtest.NewServer(t)
	c := dial(t, srv, testOptions(t))

	script := `head -c 300000 /dev/zero | tr '\0' 'a'; head -c 300000 /dev/zero | tr '\0' 'b' >&2`
	res, err := c.Exec(context.Background(), "sh", []string{"-c", script}, nil)
	require.NoError(t, err)
	assert.Len(t, res.Stdout, 300000)
	assert.Len(t, res.Stderr, 300000)
}

func TestExec_TimeoutIsDistinctFromExitStatus(t *testing.T) {
	srv := sshtest.NewServer(t)
	opts := testOptions(t)
	opts.ExecTimeout = 300 * time.Millisecond
	c := dial(t, srv, opts)

	start := time.Now()
	_, err := c.Exec(context.Background(), "sleep", []string{"5"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTimeout))
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestExec_ContextCancel(t *testing.T) {
	srv := sshtest.NewServer(t)
	c := dial(t, srv, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Exec(ctx, "sleep", []string{"5"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTimeout))
}

func TestUploadDownload_RoundTrip(t *testing.T) {
	srv := sshtest.NewServer(t)
	c := dial(t, srv, testOptions(t))
	ctx := context.Background()

	remoteDir := t.TempDir()
	remote := filepath.Join(remoteDir, "nested", "bundle.tar.gz")
	payload := bytes.Repeat([]byte("perfci"), 50000)

	require.NoError(t, c.Upload(ctx, bytes.NewReader(payload), remote, 0o640))
	info, err := os.Stat(remote)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
	assert.NoFileExists(t, remote+".part")

	// Overwrite in place.
	require.NoError(t, c.Upload(ctx, strings.NewReader("v2"), remote, 0o644))
	got, err := os.ReadFile(remote)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))

	local := filepath.Join(t.TempDir(), "out", "copy.tar.gz")
	require.NoError(t, c.Download(ctx, remote, local, true))
	got, err = os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(got))
	assert.NoFileExists(t, remote)
	assert.Positive(t, srv.SFTPSessions())
}

func TestDownload_MissingRemoteLeavesNoLocalFile(t *testing.T) {
	srv := sshtest.NewServer(t)
	c := dial(t, srv, testOptions(t))

	localDir := t.TempDir()
	local := filepath.Join(localDir, "copy.tar.gz")
	err := c.Download(context.Background(), filepath.Join(t.TempDir(), "absent"), local, false)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrTransfer))
	assert.NoFileExists(t, local)

	entries, err := os.ReadDir(localDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestTransfer_AfterCloseFails(t *testing.T) {
	srv := sshtest.NewServer(t)
	c, err := sshutil.Dial(context.Background(), srv.Target(), testOptions(t))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = c.Upload(context.Background(), strings.NewReader("x"), filepath.Join(t.TempDir(), "x"), 0)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrSSH))
}
