package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorCodes(t *testing.T) {
	codes := []string{
		ErrConfig,
		ErrSSH,
		ErrAuth,
		ErrExec,
		ErrTransfer,
		ErrTimeout,
		ErrReport,
	}

	seen := make(map[string]bool)
	for _, code := range codes {
		assert.NotEmpty(t, code, "error code should not be empty")
		assert.False(t, seen[code], "error code %q should be unique", code)
		seen[code] = true
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		code       string
		message    string
		suggestion string
	}{
		{
			name:       "config error",
			code:       ErrConfig,
			message:    "Invalid configuration in .perfci.yaml",
			suggestion: "Check your configuration file syntax",
		},
		{
			name:       "connection error",
			code:       ErrSSH,
			message:    "Can't reach 'db1' at 10.0.0.5:22",
			suggestion: "Make sure the host is reachable",
		},
		{
			name:       "auth error",
			code:       ErrAuth,
			message:    "Authentication rejected for perf@db1",
			suggestion: "Check the password or key configured for this monitor",
		},
		{
			name:       "transfer error",
			code:       ErrTransfer,
			message:    "Download of monitoring.tar.gz failed",
			suggestion: "Check free disk space",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := New(tt.code, tt.message, tt.suggestion)

			require.NotNil(t, err)
			assert.Equal(t, tt.code, err.Code)
			assert.Equal(t, tt.message, err.Message)
			assert.Equal(t, tt.suggestion, err.Suggestion)
			assert.Nil(t, err.Cause)
		})
	}
}

func TestErrorFormatting(t *testing.T) {
	err := WrapWithCode(
		errors.New("dial tcp 10.0.0.5:22: i/o timeout"),
		ErrSSH,
		"Can't reach 'db1'",
		"Host might be offline or blocked by a firewall.",
	)

	output := err.Error()
	lines := strings.Split(output, "\n")

	assert.True(t, strings.HasPrefix(strings.TrimSpace(lines[0]), "✗"))
	assert.Contains(t, lines[0], "Can't reach 'db1'")
	assert.Contains(t, output, "i/o timeout")
	assert.Contains(t, output, "firewall")
}

func TestErrorWithoutSuggestion(t *testing.T) {
	err := New(ErrExec, "Command failed", "")
	assert.Equal(t, "✗ Command failed\n", err.Error())
}

func TestErrorsIsAndAs(t *testing.T) {
	cause := errors.New("root cause")
	wrapped := WrapWithCode(cause, ErrTransfer, "Upload failed", "")

	assert.True(t, errors.Is(wrapped, cause))

	var perr *Error
	require.True(t, errors.As(fmt.Errorf("attempt 2: %w", wrapped), &perr))
	assert.Equal(t, ErrTransfer, perr.Code)
}

func TestIsCode(t *testing.T) {
	err := New(ErrConfig, "Config error", "")

	assert.True(t, IsCode(err, ErrConfig))
	assert.False(t, IsCode(err, ErrSSH))
	assert.False(t, IsCode(errors.New("standard error"), ErrConfig))
	assert.False(t, IsCode(nil, ErrConfig))
}

func TestCode(t *testing.T) {
	assert.Equal(t, ErrTransfer, Code(fmt.Errorf("attempt 2: %w", New(ErrTransfer, "download failed", ""))))
	assert.Equal(t, "", Code(errors.New("plain")))
	assert.Equal(t, "", Code(nil))
}

func TestHasCode(t *testing.T) {
	inner := New(ErrAuth, "Authentication rejected", "")
	outer := WrapWithCode(inner, ErrSSH, "Start attempt failed", "")

	assert.False(t, IsCode(outer, ErrAuth), "IsCode only looks at the outermost structured error")
	assert.True(t, HasCode(outer, ErrAuth))
	assert.True(t, HasCode(outer, ErrSSH))
	assert.False(t, HasCode(outer, ErrTimeout))
	assert.False(t, HasCode(nil, ErrAuth))
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection", New(ErrSSH, "unreachable", ""), true},
		{"transfer", New(ErrTransfer, "download failed", ""), true},
		{"timeout", New(ErrTimeout, "join timed out", ""), true},
		{"plain", errors.New("boom"), true},
		{"auth", New(ErrAuth, "denied", ""), false},
		{"wrapped auth", fmt.Errorf("attempt 1: %w", New(ErrAuth, "denied", "")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestExitError(t *testing.T) {
	err := NewExitError(137)
	assert.Equal(t, "exit code 137", err.Error())

	code, ok := GetExitCode(fmt.Errorf("wrapped: %w", err))
	assert.True(t, ok)
	assert.Equal(t, 137, code)

	_, ok = GetExitCode(errors.New("plain"))
	assert.False(t, ok)
}
