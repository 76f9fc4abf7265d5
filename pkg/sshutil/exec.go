package sshutil

import (
	"bufio"
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/util"
	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// BuildCommand renders executable, args and env into a single shell command
// line. Every word is single-quoted; env is exported inline because many
// servers refuse the SSH "env" request.
func BuildCommand(executable string, args []string, env map[string]string) string {
	var b strings.Builder

	if len(env) > 0 {
		keys := make([]string, 0, len(env))
		for k := range env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(util.ShellQuote(env[k]))
			b.WriteByte(' ')
		}
	}

	b.WriteString(util.ShellQuote(executable))
	for _, arg := range args {
		b.WriteByte(' ')
		b.WriteString(util.ShellQuote(arg))
	}
	return b.String()
}

// Exec runs a command on the remote host.
//
// Stdout and stderr are drained by two independent goroutines so a command
// filling both pipes cannot stall. Each stream keeps its own line order;
// nothing is promised about ordering between the two. When Options.OnLine is
// set, every line is mirrored to it as it arrives.
//
// The wait is bounded by Options.ExecTimeout; exceeding it yields a TIMEOUT
// error, distinct from a non-zero exit status (which is returned as data).
func (c *Client) Exec(ctx context.Context, executable string, args []string, env map[string]string) (*CommandResult, error) {
	fullCommand := append([]string{executable}, args...)
	cmdLine := BuildCommand(executable, args, env)

	session, err := c.Client.NewSession()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			"Failed to create SSH session",
			"Connection may have been closed. Try reconnecting.")
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH, "Couldn't attach to remote stdout", "")
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH, "Couldn't attach to remote stderr", "")
	}

	if err := session.Start(cmdLine); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrSSH,
			fmt.Sprintf("Failed to start command: %s", strings.Join(fullCommand, " ")),
			"Connection may have been closed. Try reconnecting.")
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	type outcome struct {
		readErr error
		waitErr error
	}
	done := make(chan outcome, 1)

	go func() {
		var g errgroup.Group
		g.Go(func() error { return drainLines(stdoutPipe, &stdoutBuf, "stdout", c.opts.OnLine) })
		g.Go(func() error { return drainLines(stderrPipe, &stderrBuf, "stderr", c.opts.OnLine) })
		readErr := g.Wait()
		done <- outcome{readErr: readErr, waitErr: session.Wait()}
	}()

	timer := time.NewTimer(c.opts.ExecTimeout)
	defer timer.Stop()

	var res outcome
	select {
	case res = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, errors.New(errors.ErrTimeout,
			fmt.Sprintf("Command did not finish within %s: %s", c.opts.ExecTimeout, strings.Join(fullCommand, " ")),
			"Raise 'exec_timeout' if the remote side is legitimately slow.")
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		return nil, errors.WrapWithCode(ctx.Err(), errors.ErrTimeout,
			fmt.Sprintf("Command cancelled: %s", strings.Join(fullCommand, " ")), "")
	}

	result := &CommandResult{
		Stdout:  stdoutBuf.String(),
		Stderr:  stderrBuf.String(),
		Command: fullCommand,
	}

	if res.waitErr != nil {
		var exitErr *ssh.ExitError
		if !stderrors.As(res.waitErr, &exitErr) {
			return nil, errors.WrapWithCode(res.waitErr, errors.ErrSSH,
				fmt.Sprintf("Lost track of remote command: %s", strings.Join(fullCommand, " ")),
				"The connection dropped or the command exited without a status.")
		}
		result.ExitStatus = exitErr.ExitStatus()
	}
	if res.readErr != nil {
		return nil, errors.WrapWithCode(res.readErr, errors.ErrSSH,
			"Failed reading remote command output", "")
	}

	return result, nil
}

// drainLines copies r into buf line by line, mirroring each line to sink.
// A trailing line without a newline is still delivered.
func drainLines(r io.Reader, buf *bytes.Buffer, stream string, sink LineSink) error {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			buf.WriteString(line)
			if sink != nil {
				sink(stream, strings.TrimRight(line, "\r\n"))
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
