package sshutil

import (
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/rileyhilliard/perfci/internal/errors"
	"golang.org/x/crypto/ssh"
)

var md5FingerprintPattern = regexp.MustCompile(`^[\da-fA-F]{1,2}(?::[\da-fA-F]{1,2}){15}$`)

// ValidFingerprint reports whether fp is a legacy MD5 fingerprint
// ("xx:xx:...:xx", 16 pairs) or an OpenSSH "SHA256:" fingerprint.
func ValidFingerprint(fp string) bool {
	if strings.HasPrefix(fp, "SHA256:") {
		return len(fp) > len("SHA256:")
	}
	return md5FingerprintPattern.MatchString(fp)
}

// NormalizeFingerprint converts an MD5 fingerprint to the form produced by
// ssh.FingerprintLegacyMD5: lowercase, two hex digits per pair.
// SHA256 fingerprints are returned unchanged (base64 is case sensitive).
func NormalizeFingerprint(fp string) string {
	fp = strings.TrimSpace(fp)
	if strings.HasPrefix(fp, "SHA256:") {
		return fp
	}
	fp = strings.TrimPrefix(strings.TrimPrefix(fp, "MD5:"), "md5:")
	pairs := strings.Split(strings.ToLower(fp), ":")
	for i, p := range pairs {
		if len(p) == 1 {
			pairs[i] = "0" + p
		}
	}
	return strings.Join(pairs, ":")
}

// FingerprintCallback returns a host key callback that accepts only a key
// whose fingerprint matches fp. The check runs during key exchange, before
// any authentication method is tried.
func FingerprintCallback(fp string) (ssh.HostKeyCallback, error) {
	if !ValidFingerprint(strings.TrimPrefix(strings.TrimPrefix(fp, "MD5:"), "md5:")) {
		return nil, errors.New(errors.ErrConfig,
			fmt.Sprintf("Invalid host fingerprint %q", fp),
			"Use 16 colon-separated hex pairs (ssh-keygen -l -E md5 -f <key>) or a SHA256:... fingerprint.")
	}
	want := NormalizeFingerprint(fp)
	sha := strings.HasPrefix(want, "SHA256:")

	return func(hostname string, _ net.Addr, key ssh.PublicKey) error {
		var got string
		if sha {
			got = ssh.FingerprintSHA256(key)
		} else {
			got = ssh.FingerprintLegacyMD5(key)
		}
		if got != want {
			return &HostKeyMismatchError{
				Hostname: hostname,
				Expected: want,
				Got:      got,
			}
		}
		return nil
	}, nil
}

// HostKeyMismatchError is returned when the server's host key does not match
// the configured fingerprint or known_hosts entry.
type HostKeyMismatchError struct {
	Hostname string
	Expected string
	Got      string
}

func (e *HostKeyMismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s: expected %s, server presented %s", e.Hostname, e.Expected, e.Got)
}

// Suggestion returns actionable steps to fix the host key mismatch.
func (e *HostKeyMismatchError) Suggestion() string {
	host := e.Hostname
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return fmt.Sprintf(
		"The server's host key doesn't match the pinned identity.\n"+
			"  If the host was legitimately reinstalled, fetch the new fingerprint:\n"+
			"    ssh-keyscan %s | ssh-keygen -lf - -E md5\n"+
			"  and update the monitor's 'fingerprint'.", host)
}
