package workload

import (
	"context"
	"io"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/rileyhilliard/perfci/internal/errors"
)

// waitDelay bounds how long Run waits for output pipes after the shell is
// killed, so a backgrounded child holding stdout can't hang the step.
const waitDelay = 2 * time.Second

// ExecuteLocal runs cmd with /bin/sh -c, streaming output to the provided
// writers. env is added on top of the current process environment.
// A non-zero exit is returned as the exit code, not as an error; the error
// is reserved for commands that could not be run at all.
func ExecuteLocal(ctx context.Context, cmd, workDir string, env map[string]string, stdout, stderr io.Writer) (exitCode int, err error) {
	command := exec.CommandContext(ctx, shell(), "-c", cmd)
	if workDir != "" {
		command.Dir = workDir
	}
	command.Env = append(os.Environ(), envList(env)...)
	command.Stdout = stdout
	command.Stderr = stderr
	command.WaitDelay = waitDelay

	runErr := command.Run()
	if runErr == nil {
		return 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, errors.WrapWithCode(ctxErr, errors.ErrTimeout,
			"Command was stopped before it finished",
			"Raise the step's timeout if it needs more time.")
	}
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	return -1, errors.WrapWithCode(runErr, errors.ErrExec,
		"Couldn't run the command locally",
		"Make sure the command exists and is executable.")
}

// shell returns the interpreter for workload commands. $SHELL is ignored.
func shell() string {
	if _, err := os.Stat("/bin/sh"); err == nil {
		return "/bin/sh"
	}
	return "sh"
}

// envList renders env as KEY=value pairs in key order.
func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
