// Package sshtest runs a real SSH server in-process for tests. Commands are
// executed with /bin/sh on the local machine and the "sftp" subsystem is
// served by github.com/pkg/sftp, so clients exercise the full wire protocol.
package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Default credentials accepted by the server.
const (
	User     = "perfci"
	Password = "secret"
)

// Server is a loopback SSH server bound to 127.0.0.1 on a random port.
type Server struct {
	Host string
	Port int

	hostKey  ssh.PublicKey
	listener net.Listener
	config   *ssh.ServerConfig

	authAttempts atomic.Int32
	sftpSessions atomic.Int32
	connections  atomic.Int32

	mu       sync.Mutex
	commands []string

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewServer starts a server and registers its shutdown with t.Cleanup.
func NewServer(t testing.TB) *Server {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host key signer: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Host:     "127.0.0.1",
		Port:     ln.Addr().(*net.TCPAddr).Port,
		hostKey:  signer.PublicKey(),
		listener: ln,
		closed:   make(chan struct{}),
	}

	s.config = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == User && string(pass) == Password {
				return nil, nil
			}
			return nil, errors.New("password rejected")
		},
		AuthLogCallback: func(_ ssh.ConnMetadata, method string, _ error) {
			if method != "none" {
				s.authAttempts.Add(1)
			}
		},
	}
	s.config.AddHostKey(signer)

	s.wg.Add(1)
	go s.serve()

	t.Cleanup(s.Close)
	return s
}

// Target returns a target that authenticates with the default credentials
// and pins the server's SHA256 fingerprint.
func (s *Server) Target() sshutil.Target {
	return sshutil.Target{
		Host:        s.Host,
		Port:        s.Port,
		User:        User,
		Password:    Password,
		Fingerprint: s.FingerprintSHA256(),
	}
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// FingerprintSHA256 returns the host key's OpenSSH SHA256 fingerprint.
func (s *Server) FingerprintSHA256() string {
	return ssh.FingerprintSHA256(s.hostKey)
}

// FingerprintMD5 returns the host key's legacy colon-separated MD5 fingerprint.
func (s *Server) FingerprintMD5() string {
	return ssh.FingerprintLegacyMD5(s.hostKey)
}

// AuthAttempts counts authentication attempts other than "none".
func (s *Server) AuthAttempts() int { return int(s.authAttempts.Load()) }

// SFTPSessions counts sftp subsystem requests.
func (s *Server) SFTPSessions() int { return int(s.sftpSessions.Load()) }

// Connections counts accepted TCP connections.
func (s *Server) Connections() int { return int(s.connections.Load()) }

// Commands returns the exec requests received so far, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Close stops accepting connections and waits for handlers to exit.
func (s *Server) Close() {
	select {
	case <-s.closed:
		return
	default:
	}
	close(s.closed)
	_ = s.listener.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.connections.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(nConn net.Conn) {
	defer nConn.Close()

	conn, chans, reqs, err := ssh.NewServerConn(nConn, s.config)
	if err != nil {
		return
	}
	defer conn.Close()
	go ssh.DiscardRequests(reqs)

	go func() {
		<-s.closed
		_ = conn.Close()
	}()

	var wg sync.WaitGroup
	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "only session channels")
			continue
		}
		ch, requests, err := newCh.Accept()
		if err != nil {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ch, requests)
		}()
	}
	wg.Wait()
}

func (s *Server) handleSession(ch ssh.Channel, requests <-chan *ssh.Request) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.mu.Lock()
			s.commands = append(s.commands, payload.Command)
			s.mu.Unlock()
			go s.runCommand(ctx, ch, payload.Command)

		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			_ = req.Reply(true, nil)
			s.sftpSessions.Add(1)
			go func() {
				defer ch.Close()
				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				_ = server.Serve()
			}()

		case "signal":
			cancel()
			if req.WantReply {
				_ = req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				_ = req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
		}
	}
}

func (s *Server) runCommand(ctx context.Context, ch ssh.Channel, command string) {
	defer ch.Close()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()
	cmd.WaitDelay = 100 * time.Millisecond

	status := 0
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			status = exitErr.ExitCode()
		} else {
			status = 255
		}
	}

	_ = ch.CloseWrite()
	_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}
