package sshutil

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kevinburke/ssh_config"
	"github.com/pkg/sftp"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/logger"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// DefaultPort is the SSH port used when neither the target nor ssh_config set one.
const DefaultPort = 22

// Defaults for Options fields left at zero.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultExecTimeout    = 60 * time.Second
)

// LineSink receives each line of remote output as it arrives.
// stream is "stdout" or "stderr".
type LineSink func(stream, line string)

// Options tunes connection and command behavior.
type Options struct {
	// ConnectTimeout bounds TCP connect plus SSH handshake.
	ConnectTimeout time.Duration
	// ExecTimeout bounds how long Exec waits for a command to finish.
	ExecTimeout time.Duration
	// Logger receives connection progress and security warnings.
	Logger logger.Logger
	// OnLine mirrors remote output line by line. Nil disables mirroring.
	OnLine LineSink
	// SSHConfigPath overrides ~/.ssh/config for alias resolution.
	SSHConfigPath string
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.ExecTimeout <= 0 {
		o.ExecTimeout = DefaultExecTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.Default()
	}
	return o
}

// Client wraps an SSH connection with a lazily opened SFTP channel.
type Client struct {
	*ssh.Client
	Host    string // The original host/alias used to connect
	Address string // The resolved address (host:port)

	opts Options

	mu     sync.Mutex
	sftp   *sftp.Client
	closed bool
}

// SSHDialer is the production Dialer.
type SSHDialer struct {
	Options Options
}

// NewDialer returns a Dialer that opens real SSH connections.
func NewDialer(opts Options) *SSHDialer {
	return &SSHDialer{Options: opts}
}

// Dial implements Dialer.
func (d *SSHDialer) Dial(ctx context.Context, target Target) (Session, error) {
	client, err := Dial(ctx, target, d.Options)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Dial establishes an authenticated SSH connection to target.
//
// Errors are structured: code AUTH when the credential is rejected or
// unusable, code SSH for everything else (unreachable host, handshake
// failure, host identity mismatch). Dial never retries.
func Dial(ctx context.Context, target Target, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	log := opts.Logger

	settings := resolveSSHSettings(target, opts.SSHConfigPath)

	config, err := buildSSHConfig(target, settings, log)
	if err != nil {
		var perr *errors.Error
		if stderrors.As(err, &perr) {
			return nil, err
		}
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Couldn't set up SSH for '%s'", target.Host),
			"Check the credentials configured for this monitor.")
	}
	config.Timeout = opts.ConnectTimeout

	address := settings.address()
	log.Info("Connecting to %s@%s...", settings.user, address)

	dialer := net.Dialer{Timeout: opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Can't reach '%s' at %s", target.Host, address),
			suggestionForDialError(err))
	}

	// The handshake has no timeout of its own.
	_ = conn.SetDeadline(time.Now().Add(opts.ConnectTimeout))

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, address, config)
	if err != nil {
		conn.Close()

		var hostKeyErr *HostKeyMismatchError
		if stderrors.As(err, &hostKeyErr) {
			return nil, errors.WrapWithCode(hostKeyErr, errors.ErrSSH,
				fmt.Sprintf("Host identity check failed for '%s'", target.Host),
				hostKeyErr.Suggestion())
		}

		if isAuthFailure(err) {
			log.Error("Unable to authenticate %s@%s", settings.user, address)
			return nil, errors.WrapWithCode(err, errors.ErrAuth,
				fmt.Sprintf("Authentication rejected for %s@%s", settings.user, target.Host),
				suggestionForAuthError(target, settings.encryptedKeys))
		}

		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("SSH handshake with '%s' didn't go through", target.Host),
			suggestionForHandshakeError(err))
	}
	_ = conn.SetDeadline(time.Time{})

	log.Info("Authenticated to %s@%s", settings.user, address)

	return &Client{
		Client:  ssh.NewClient(sshConn, chans, reqs),
		Host:    target.Host,
		Address: address,
		opts:    opts,
	}, nil
}

// Close closes the SFTP channel (if opened) and the SSH connection.
// Safe on a nil receiver, after a failed dial, and when called twice.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	if c.sftp != nil {
		_ = c.sftp.Close()
		c.sftp = nil
	}
	if c.Client == nil {
		return nil
	}
	return c.Client.Close()
}

// GetHost returns the original host/alias used to connect.
func (c *Client) GetHost() string {
	return c.Host
}

// GetAddress returns the resolved host:port address.
func (c *Client) GetAddress() string {
	return c.Address
}

// sftpClient opens the SFTP subsystem on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New(errors.ErrSSH,
			fmt.Sprintf("Connection to '%s' is already closed", c.Host),
			"Open a new session.")
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(c.Client)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrTransfer,
			fmt.Sprintf("Couldn't open SFTP on '%s'", c.Host),
			"Make sure the SFTP subsystem is enabled in sshd_config.")
	}
	c.sftp = sc
	return sc, nil
}

// sshSettings holds resolved SSH connection parameters.
type sshSettings struct {
	hostname      string
	port          string
	user          string
	identityFile  string
	encryptedKeys []string // Keys that exist but are encrypted
}

// address returns the host:port string for dialing.
func (s *sshSettings) address() string {
	return net.JoinHostPort(s.hostname, s.port)
}

// resolveSSHSettings applies ~/.ssh/config to the target. Explicit target
// fields always win over config values.
func resolveSSHSettings(target Target, configPath string) *sshSettings {
	settings := &sshSettings{
		hostname: target.Host,
		port:     strconv.Itoa(DefaultPort),
		user:     currentUser(),
	}

	if configPath == "" {
		configPath = filepath.Join(homeDir(), ".ssh", "config")
	}

	// kevinburke/ssh_config doesn't support Match, so only the content
	// before the first Match block is parsed.
	if content, _, err := preprocessSSHConfig(configPath); err == nil {
		if cfg, err := ssh_config.Decode(bytes.NewReader(content)); err == nil {
			if hostname, _ := cfg.Get(target.Host, "HostName"); hostname != "" {
				settings.hostname = hostname
			}
			if port, _ := cfg.Get(target.Host, "Port"); port != "" {
				settings.port = port
			}
			if user, _ := cfg.Get(target.Host, "User"); user != "" {
				settings.user = user
			}
			if identity, _ := cfg.Get(target.Host, "IdentityFile"); identity != "" {
				settings.identityFile = expandPath(identity)
			}
		}
	}

	if target.Port != 0 {
		settings.port = strconv.Itoa(target.Port)
	}
	if target.User != "" {
		settings.user = target.User
	}

	return settings
}

// buildSSHConfig creates an SSH client config with authentication methods and
// the host key policy for target.
func buildSSHConfig(target Target, settings *sshSettings, log logger.Logger) (*ssh.ClientConfig, error) {
	authMethods, err := authMethodsFor(target, settings)
	if err != nil {
		return nil, err
	}

	hostKeyCallback, err := hostKeyCallbackFor(target, log)
	if err != nil {
		return nil, err
	}

	return &ssh.ClientConfig{
		User:            settings.user,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// authMethodsFor picks password auth when a password is configured, key auth otherwise.
func authMethodsFor(target Target, settings *sshSettings) ([]ssh.AuthMethod, error) {
	if target.Password != "" {
		password := target.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil
	}

	// Explicitly configured keys must load; a missing key is a credential
	// problem, not a transient one.
	if len(target.KeyFiles) > 0 {
		var signers []ssh.Signer
		for _, keyPath := range target.KeyFiles {
			signer, err := loadSigner(expandPath(keyPath))
			if err != nil {
				var encErr *EncryptedKeyError
				if stderrors.As(err, &encErr) {
					return nil, errors.WrapWithCode(err, errors.ErrAuth,
						fmt.Sprintf("SSH key %s is passphrase protected", keyPath),
						"Use an unencrypted key for monitoring, or load it into ssh-agent and drop 'keys' from the config.")
				}
				return nil, errors.WrapWithCode(err, errors.ErrAuth,
					fmt.Sprintf("Couldn't load SSH key %s", keyPath),
					"Check the 'keys' list for this monitor.")
			}
			signers = append(signers, signer)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, nil
	}

	var authMethods []ssh.AuthMethod

	if agentAuth := sshAgentAuth(); agentAuth != nil {
		authMethods = append(authMethods, agentAuth)
	}

	var signers []ssh.Signer
	tryKeyFile := func(keyPath string) {
		signer, err := loadSigner(keyPath)
		if err != nil {
			var encErr *EncryptedKeyError
			if stderrors.As(err, &encErr) {
				settings.encryptedKeys = append(settings.encryptedKeys, keyPath)
			}
			return
		}
		signers = append(signers, signer)
	}

	if settings.identityFile != "" {
		tryKeyFile(settings.identityFile)
	}
	for _, keyPath := range []string{
		filepath.Join(homeDir(), ".ssh", "id_ed25519"),
		filepath.Join(homeDir(), ".ssh", "id_rsa"),
		filepath.Join(homeDir(), ".ssh", "id_ecdsa"),
	} {
		if keyPath == settings.identityFile {
			continue
		}
		tryKeyFile(keyPath)
	}
	if len(signers) > 0 {
		authMethods = append(authMethods, ssh.PublicKeys(signers...))
	}

	if len(authMethods) == 0 {
		msg := "No SSH auth methods available"
		suggestion := "Set a password or 'keys' for this monitor, or load a key into ssh-agent."
		if len(settings.encryptedKeys) > 0 {
			msg = fmt.Sprintf("Found SSH key(s) but they're encrypted: %s", strings.Join(settings.encryptedKeys, ", "))
			suggestion = "Add them to the agent: ssh-add <key>"
		}
		return nil, errors.New(errors.ErrAuth, msg, suggestion)
	}

	return authMethods, nil
}

// hostKeyCallbackFor returns the host identity policy: pinned fingerprint,
// known_hosts file, or (with a warning) accept any host.
func hostKeyCallbackFor(target Target, log logger.Logger) (ssh.HostKeyCallback, error) {
	if target.Fingerprint != "" {
		return FingerprintCallback(target.Fingerprint)
	}

	if target.KnownHostsFile != "" {
		return createHostKeyCallback(expandPath(target.KnownHostsFile))
	}

	log.Warn("No fingerprint configured for '%s'. Host identity is NOT verified and the connection is open to man-in-the-middle attacks.", target.Host)
	return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec // no fingerprint configured, warned above
}

// agentConn holds the reusable SSH agent connection.
var (
	agentConn     net.Conn
	agentClient   agent.ExtendedAgent
	agentConnOnce sync.Once
)

// sshAgentAuth returns an auth method using the SSH agent if available.
// Returns nil if the agent has no keys loaded.
func sshAgentAuth() ssh.AuthMethod {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil
	}

	agentConnOnce.Do(func() {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return
		}
		agentConn = conn
		agentClient = agent.NewClient(conn)
	})

	if agentClient == nil {
		return nil
	}

	// An empty agent causes auth failures when placed before other methods.
	signers, err := agentClient.Signers()
	if err != nil || len(signers) == 0 {
		return nil
	}

	return ssh.PublicKeysCallback(agentClient.Signers)
}

// CloseAgent closes the SSH agent connection if one is open.
func CloseAgent() {
	if agentConn != nil {
		agentConn.Close()
	}
}

// loadSigner parses a private key file.
// Returns EncryptedKeyError if the key requires a passphrase.
func loadSigner(keyPath string) (ssh.Signer, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var passErr *ssh.PassphraseMissingError
		if stderrors.As(err, &passErr) ||
			strings.Contains(err.Error(), "encrypted") ||
			isEncryptedPEM(key) {
			return nil, &EncryptedKeyError{Path: keyPath}
		}
		return nil, err
	}

	return signer, nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return os.Getenv("HOME")
	}
	return home
}

func currentUser() string {
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "root"
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(homeDir(), path[2:])
	}
	return path
}

func isAuthFailure(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "unable to authenticate") ||
		strings.Contains(errStr, "no supported methods remain")
}

func suggestionForDialError(err error) string {
	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") {
		return "Is SSH running on that box? Try: ssh <host>"
	}
	if strings.Contains(errStr, "no route to host") || strings.Contains(errStr, "network is unreachable") {
		return "Can't route to the host. Check your network connection."
	}
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "i/o timeout") {
		return "Connection timed out. Host might be offline or blocked by a firewall."
	}
	return "Make sure the host is reachable: ping <host>"
}

func suggestionForAuthError(target Target, encryptedKeys []string) string {
	if target.Password != "" {
		return "The password was rejected. Check the monitor's user and password."
	}
	if len(encryptedKeys) > 0 {
		return fmt.Sprintf("Your key(s) are encrypted. Add them to the agent: ssh-add %s", encryptedKeys[0])
	}
	return "Key authentication failed. Check the monitor's user and that its key is in authorized_keys."
}

func suggestionForHandshakeError(err error) string {
	if strings.Contains(err.Error(), "host key") {
		return "Host key issue. Check the configured fingerprint or known_hosts file."
	}
	return "Something went wrong during SSH setup. Try: ssh -v <host>"
}

// EncryptedKeyError is returned when an SSH key requires a passphrase.
type EncryptedKeyError struct {
	Path string
}

func (e *EncryptedKeyError) Error() string {
	return fmt.Sprintf("SSH key at %s is encrypted (passphrase protected)", e.Path)
}

// preprocessSSHConfig reads the SSH config and returns content up to the first Match directive.
// Also returns the line number where Match was found (0 if not found).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}

// isEncryptedPEM checks if PEM data contains encryption markers.
func isEncryptedPEM(data []byte) bool {
	return bytes.Contains(data, []byte("ENCRYPTED"))
}

// createHostKeyCallback wraps the knownhosts callback to provide better error messages.
func createHostKeyCallback(knownHostsPath string) (ssh.HostKeyCallback, error) {
	callback, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Couldn't load known_hosts file %s", knownHostsPath),
			"Check the 'known_hosts' path for this monitor.")
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := callback(hostname, remote, key)
		if err != nil {
			var keyErr *knownhosts.KeyError
			if stderrors.As(err, &keyErr) {
				return &HostKeyMismatchError{
					Hostname: hostname,
					Expected: knownHostsPath,
					Got:      ssh.FingerprintSHA256(key),
				}
			}
		}
		return err
	}, nil
}
