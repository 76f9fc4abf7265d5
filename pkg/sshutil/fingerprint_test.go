package sshutil

import (
	"crypto/ed25519"
	"crypto/rand"
	stderrors "errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/rileyhilliard/perfci/internal/errors"
)

func testHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestValidFingerprint(t *testing.T) {
	tests := []struct {
		fp    string
		valid bool
	}{
		{"00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff", true},
		{"0:1:2:3:4:5:6:7:8:9:A:B:C:D:E:F", true},
		{"SHA256:47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU", true},
		{"00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee", false},
		{"00:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff:00", false},
		{"zz:11:22:33:44:55:66:77:88:99:aa:bb:cc:dd:ee:ff", false},
		{"SHA256:", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.fp, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidFingerprint(tt.fp))
		})
	}
}

func TestNormalizeFingerprint(t *testing.T) {
	assert.Equal(t,
		"00:01:02:03:04:05:06:07:08:09:0a:0b:0c:0d:0e:0f",
		NormalizeFingerprint("0:1:2:3:4:5:6:7:8:9:A:B:C:D:E:F"))
	assert.Equal(t,
		"aa:bb:cc:dd:ee:ff:00:11:22:33:44:55:66:77:88:99",
		NormalizeFingerprint("MD5:AA:BB:CC:DD:EE:FF:00:11:22:33:44:55:66:77:88:99"))
	assert.Equal(t, "SHA256:AbC", NormalizeFingerprint(" SHA256:AbC "))
}

func TestFingerprintCallback(t *testing.T) {
	key := testHostKey(t)

	for _, fp := range []string{
		ssh.FingerprintLegacyMD5(key),
		strings.ToUpper(ssh.FingerprintLegacyMD5(key)),
		"MD5:" + ssh.FingerprintLegacyMD5(key),
		ssh.FingerprintSHA256(key),
	} {
		cb, err := FingerprintCallback(fp)
		require.NoError(t, err, fp)
		assert.NoError(t, cb("host:22", nil, key), fp)
	}

	cb, err := FingerprintCallback(ssh.FingerprintSHA256(testHostKey(t)))
	require.NoError(t, err)
	err = cb("host:22", nil, key)
	var mismatch *HostKeyMismatchError
	require.True(t, stderrors.As(err, &mismatch))
	assert.Equal(t, ssh.FingerprintSHA256(key), mismatch.Got)
	assert.Contains(t, mismatch.Suggestion(), "ssh-keyscan host")
}

func TestFingerprintCallback_Invalid(t *testing.T) {
	_, err := FingerprintCallback("nope")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestBuildCommand(t *testing.T) {
	assert.Equal(t, `'echo' 'hi there'`, BuildCommand("echo", []string{"hi there"}, nil))
	assert.Equal(t,
		`A='1' B='it'\''s' '/opt/bin/start_monitor' 'proj'`,
		BuildCommand("/opt/bin/start_monitor", []string{"proj"}, map[string]string{"B": "it's", "A": "1"}))
}

func TestCommandResult(t *testing.T) {
	var nilResult *CommandResult
	assert.False(t, nilResult.Success())
	assert.Equal(t, "<no result>", nilResult.String())

	r := &CommandResult{ExitStatus: 1, Stdout: "out\n", Stderr: "err\n", Command: []string{"stop", "p"}}
	assert.False(t, r.Success())
	assert.Equal(t, `{status=1, command=stop p, out="out", err="err"}`, r.String())
}

func TestTargetAddress(t *testing.T) {
	assert.Equal(t, "box:22", Target{Host: "box"}.Address())
	assert.Equal(t, "me@box:2222", Target{Host: "box", Port: 2222, User: "me"}.String())
	assert.Equal(t, "[::1]:22", Target{Host: "::1"}.Address())
}
