package testing

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// ErrSessionClosed is returned by operations on a closed MockSession.
var ErrSessionClosed = errors.New("session closed")

// CommandResponse is a canned reply for commands matching a pattern.
type CommandResponse struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Error    error
}

// Handler computes a reply from the command words and the host filesystem.
type Handler func(command []string, fs *MockFS) CommandResponse

type cannedHandler struct {
	pattern *regexp.Regexp
	handle  Handler
}

// MockHost simulates one remote machine. All sessions dialed to the same
// host name share its filesystem, responses and counters.
type MockHost struct {
	mu sync.Mutex

	name     string
	fs       *MockFS
	handlers []cannedHandler

	dialFailures  []error
	dialErr       error
	uploadErr     error
	downloadErr   error
	dials         int
	uploads       int
	downloads     int
	openSessions  int
	commands      [][]string
	uploadedPaths []string
}

// NewMockHost returns a host with an empty filesystem.
func NewMockHost(name string) *MockHost {
	return &MockHost{name: name, fs: NewMockFS()}
}

// Name returns the host name.
func (h *MockHost) Name() string { return h.name }

// FS returns the host's filesystem.
func (h *MockHost) FS() *MockFS { return h.fs }

// SetCommandResponse replies with resp to commands whose space-joined words
// match pattern. Later registrations take precedence.
func (h *MockHost) SetCommandResponse(pattern string, resp CommandResponse) {
	h.SetHandler(pattern, func([]string, *MockFS) CommandResponse { return resp })
}

// SetHandler routes commands matching pattern to fn. Later registrations
// take precedence.
func (h *MockHost) SetHandler(pattern string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers = append(h.handlers, cannedHandler{pattern: regexp.MustCompile(pattern), handle: fn})
}

// FailDials makes the next n dials fail with err.
func (h *MockHost) FailDials(n int, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < n; i++ {
		h.dialFailures = append(h.dialFailures, err)
	}
}

// FailAllDials makes every dial fail with err. Pass nil to clear.
func (h *MockHost) FailAllDials(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialErr = err
}

// FailUploads makes every upload fail with err. Pass nil to clear.
func (h *MockHost) FailUploads(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.uploadErr = err
}

// FailDownloads makes every download fail with err. Pass nil to clear.
func (h *MockHost) FailDownloads(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.downloadErr = err
}

// DialCount returns the number of dial attempts, failed ones included.
func (h *MockHost) DialCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dials
}

// UploadCount returns the number of completed uploads.
func (h *MockHost) UploadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.uploads
}

// UploadedPaths returns the destinations of completed uploads, in order.
func (h *MockHost) UploadedPaths() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.uploadedPaths...)
}

// DownloadCount returns the number of completed downloads.
func (h *MockHost) DownloadCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.downloads
}

// OpenSessions returns the number of sessions not yet closed.
func (h *MockHost) OpenSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.openSessions
}

// Commands returns every command run on the host, in order.
func (h *MockHost) Commands() [][]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]string, len(h.commands))
	for i, c := range h.commands {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// CommandCount returns how many commands matched pattern.
func (h *MockHost) CommandCount(pattern string) int {
	re := regexp.MustCompile(pattern)
	n := 0
	for _, c := range h.Commands() {
		if re.MatchString(strings.Join(c, " ")) {
			n++
		}
	}
	return n
}

func (h *MockHost) dial() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dials++
	if len(h.dialFailures) > 0 {
		err := h.dialFailures[0]
		h.dialFailures = h.dialFailures[1:]
		return err
	}
	if h.dialErr != nil {
		return h.dialErr
	}
	h.openSessions++
	return nil
}

// MockDialer hands out MockSessions keyed by Target.Host.
type MockDialer struct {
	mu    sync.Mutex
	hosts map[string]*MockHost
}

// NewMockDialer returns a dialer with no hosts. Unknown hosts are created
// on first use.
func NewMockDialer() *MockDialer {
	return &MockDialer{hosts: make(map[string]*MockHost)}
}

// Host returns the simulated host for name, creating it if needed.
func (d *MockDialer) Host(name string) *MockHost {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.hosts[name]
	if !ok {
		h = NewMockHost(name)
		d.hosts[name] = h
	}
	return h
}

// TotalDials sums dial attempts across all hosts.
func (d *MockDialer) TotalDials() int {
	d.mu.Lock()
	hosts := make([]*MockHost, 0, len(d.hosts))
	for _, h := range d.hosts {
		hosts = append(hosts, h)
	}
	d.mu.Unlock()

	n := 0
	for _, h := range hosts {
		n += h.DialCount()
	}
	return n
}

// Dial implements sshutil.Dialer.
func (d *MockDialer) Dial(ctx context.Context, target sshutil.Target) (sshutil.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h := d.Host(target.Host)
	if err := h.dial(); err != nil {
		return nil, err
	}
	return &MockSession{host: h, address: target.Address()}, nil
}

// MockSession implements sshutil.Session against a MockHost.
type MockSession struct {
	mu      sync.Mutex
	host    *MockHost
	address string
	closed  bool
}

// NewMockSession returns a session on host without going through a dialer.
func NewMockSession(host *MockHost) *MockSession {
	host.mu.Lock()
	host.openSessions++
	host.mu.Unlock()
	return &MockSession{host: host, address: host.name + ":22"}
}

var _ sshutil.Session = (*MockSession)(nil)

func (s *MockSession) checkOpen(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return ctx.Err()
}

// Exec runs a command. Registered handlers are consulted first, newest
// first; otherwise a handful of shell commands (cat, mkdir, rm, test, tar)
// are simulated against the filesystem. Anything else exits 0 silently.
func (s *MockSession) Exec(ctx context.Context, executable string, args []string, env map[string]string) (*sshutil.CommandResult, error) {
	if err := s.checkOpen(ctx); err != nil {
		return nil, err
	}

	command := append([]string{executable}, args...)
	line := strings.Join(command, " ")

	h := s.host
	h.mu.Lock()
	h.commands = append(h.commands, command)
	var handler Handler
	for i := len(h.handlers) - 1; i >= 0; i-- {
		if h.handlers[i].pattern.MatchString(line) {
			handler = h.handlers[i].handle
			break
		}
	}
	h.mu.Unlock()

	var resp CommandResponse
	if handler != nil {
		resp = handler(command, h.fs)
	} else {
		resp = builtin(command, h.fs)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &sshutil.CommandResult{
		ExitStatus: resp.ExitCode,
		Stdout:     resp.Stdout,
		Stderr:     resp.Stderr,
		Command:    command,
	}, nil
}

// Upload stores the stream in the host filesystem.
func (s *MockSession) Upload(ctx context.Context, src io.Reader, remotePath string, _ os.FileMode) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	h := s.host
	h.mu.Lock()
	uploadErr := h.uploadErr
	h.mu.Unlock()
	if uploadErr != nil {
		return uploadErr
	}

	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	if err := h.fs.WriteFile(remotePath, data); err != nil {
		return err
	}

	h.mu.Lock()
	h.uploads++
	h.uploadedPaths = append(h.uploadedPaths, remotePath)
	h.mu.Unlock()
	return nil
}

// Download copies a host file to the local disk via a temporary file.
func (s *MockSession) Download(ctx context.Context, remotePath, localPath string, deleteRemoteAfter bool) error {
	if err := s.checkOpen(ctx); err != nil {
		return err
	}
	h := s.host
	h.mu.Lock()
	downloadErr := h.downloadErr
	h.mu.Unlock()
	if downloadErr != nil {
		return downloadErr
	}

	data, err := h.fs.ReadFile(remotePath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp := localPath + ".part"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, localPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if deleteRemoteAfter {
		h.fs.Remove(remotePath)
	}

	h.mu.Lock()
	h.downloads++
	h.mu.Unlock()
	return nil
}

// Close marks the session closed. Repeated calls are no-ops.
func (s *MockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.host.mu.Lock()
	s.host.openSessions--
	s.host.mu.Unlock()
	return nil
}

// GetHost returns the host name.
func (s *MockSession) GetHost() string { return s.host.name }

// GetAddress returns the host:port address.
func (s *MockSession) GetAddress() string { return s.address }

func builtin(command []string, fs *MockFS) CommandResponse {
	args := command[1:]
	switch filepath.Base(command[0]) {
	case "cat":
		var out strings.Builder
		for _, p := range args {
			data, err := fs.ReadFile(p)
			if err != nil {
				return CommandResponse{Stderr: fmt.Sprintf("cat: %s: No such file or directory\n", p), ExitCode: 1}
			}
			out.Write(data)
		}
		return CommandResponse{Stdout: out.String()}

	case "mkdir":
		parents := false
		for _, p := range args {
			if p == "-p" {
				parents = true
			}
		}
		for _, p := range args {
			if strings.HasPrefix(p, "-") {
				continue
			}
			if !parents {
				if err := fs.Mkdir(p); err != nil {
					return CommandResponse{Stderr: fmt.Sprintf("mkdir: cannot create directory '%s': File exists\n", p), ExitCode: 1}
				}
				continue
			}
			if err := fs.MkdirAll(p); err != nil {
				return CommandResponse{Stderr: err.Error() + "\n", ExitCode: 1}
			}
		}
		return CommandResponse{}

	case "rm":
		for _, p := range args {
			if !strings.HasPrefix(p, "-") {
				fs.Remove(p)
			}
		}
		return CommandResponse{}

	case "test":
		if len(args) != 2 {
			return CommandResponse{ExitCode: 2}
		}
		var ok bool
		switch args[0] {
		case "-f":
			ok = fs.IsFile(args[1])
		case "-d":
			ok = fs.IsDir(args[1])
		case "-e":
			ok = fs.Exists(args[1])
		}
		if ok {
			return CommandResponse{}
		}
		return CommandResponse{ExitCode: 1}

	case "ls":
		var out strings.Builder
		for _, p := range args {
			if strings.HasPrefix(p, "-") {
				continue
			}
			if !fs.IsDir(p) {
				return CommandResponse{Stderr: fmt.Sprintf("ls: cannot access '%s': No such file or directory\n", p), ExitCode: 2}
			}
			for _, name := range fs.Children(p) {
				out.WriteString(name + "\n")
			}
		}
		return CommandResponse{Stdout: out.String()}

	case "tar":
		return simulateTar(args, fs)
	}
	return CommandResponse{}
}

// simulateTar handles `tar -xzf archive -C dir` and
// `tar -czf archive -C dir .`.
func simulateTar(args []string, fs *MockFS) CommandResponse {
	if len(args) < 4 || args[2] != "-C" {
		return CommandResponse{Stderr: "tar: unsupported invocation\n", ExitCode: 2}
	}
	archive, dir := args[1], args[3]

	switch args[0] {
	case "-xzf":
		data, err := fs.ReadFile(archive)
		if err != nil {
			return CommandResponse{Stderr: fmt.Sprintf("tar: %s: Cannot open\n", archive), ExitCode: 2}
		}
		if err := fs.UnpackInto(data, dir); err != nil {
			return CommandResponse{Stderr: "tar: " + err.Error() + "\n", ExitCode: 2}
		}
		return CommandResponse{}
	case "-czf":
		data, err := fs.PackDir(dir)
		if err != nil {
			return CommandResponse{Stderr: fmt.Sprintf("tar: %s: Cannot open\n", dir), ExitCode: 2}
		}
		if err := fs.WriteFile(archive, data); err != nil {
			return CommandResponse{Stderr: "tar: " + err.Error() + "\n", ExitCode: 2}
		}
		return CommandResponse{}
	}
	return CommandResponse{Stderr: "tar: unsupported mode\n", ExitCode: 2}
}
