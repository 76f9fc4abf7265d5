package sshutil

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// Session is one authenticated connection to a monitored host.
// It is owned by a single caller, used for one sequence of commands and
// transfers, then closed. Both the real Client and the mocks in
// pkg/sshutil/testing satisfy this interface.
type Session interface {
	// Exec runs executable with args on the remote host. A non-zero exit
	// status is reported in the result, not as an error.
	Exec(ctx context.Context, executable string, args []string, env map[string]string) (*CommandResult, error)

	// Upload writes src to remotePath. The destination only appears once
	// the whole stream has been written.
	Upload(ctx context.Context, src io.Reader, remotePath string, mode os.FileMode) error

	// Download copies remotePath to localPath. A partial transfer never
	// leaves a file at localPath.
	Download(ctx context.Context, remotePath, localPath string, deleteRemoteAfter bool) error

	// Close tears down the connection. Safe to call more than once.
	Close() error

	// GetHost returns the host name or alias used to connect.
	GetHost() string

	// GetAddress returns the resolved host:port address.
	GetAddress() string
}

// Dialer opens sessions. The lifecycle controller depends on this rather than
// on Dial directly so tests can substitute a fake.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, target Target) (Session, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, target Target) (Session, error) {
	return f(ctx, target)
}

// CommandResult is the outcome of one remote command.
type CommandResult struct {
	ExitStatus int
	Stdout     string
	Stderr     string
	Command    []string
}

// Success reports whether the command exited with status 0.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitStatus == 0
}

// String renders the result for log and error messages.
func (r *CommandResult) String() string {
	if r == nil {
		return "<no result>"
	}
	return fmt.Sprintf("{status=%d, command=%s, out=%q, err=%q}",
		r.ExitStatus, strings.Join(r.Command, " "),
		strings.TrimSpace(r.Stdout), strings.TrimSpace(r.Stderr))
}

// Target identifies a remote host and the credentials used to reach it.
type Target struct {
	// Host is a hostname, IP, or ~/.ssh/config alias.
	Host string
	// Port defaults to 22 (or the ssh_config value for an alias).
	Port int
	// User defaults to the ssh_config value, then $USER.
	User string
	// Password selects password authentication when non-empty.
	Password string
	// KeyFiles are private keys tried in order when no password is set.
	KeyFiles []string
	// Fingerprint pins the host key. Either the legacy MD5 form
	// "xx:xx:...:xx" (16 pairs) or OpenSSH "SHA256:...".
	Fingerprint string
	// KnownHostsFile verifies the host key when no fingerprint is set.
	KnownHostsFile string
}

// Address returns host:port, applying the default port.
func (t Target) Address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(t.Host, strconv.Itoa(port))
}

// String renders the target for log messages without credentials.
func (t Target) String() string {
	if t.User == "" {
		return t.Address()
	}
	return t.User + "@" + t.Address()
}
