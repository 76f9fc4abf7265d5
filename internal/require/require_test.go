package require

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/rileyhilliard/perfci/internal/errors"
	sshtesting "github.com/rileyhilliard/perfci/pkg/sshutil/testing"
)

func newSession(t *testing.T) (*sshtesting.MockHost, *sshtesting.MockSession) {
	t.Helper()
	host := sshtesting.NewMockHost("db01")
	sess := sshtesting.NewMockSession(host)
	t.Cleanup(func() { _ = sess.Close() })
	return host, sess
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name  string
		lists [][]string
		want  []string
	}{
		{"nothing", nil, nil},
		{"base only", [][]string{{"tar", "gzip"}}, []string{"tar", "gzip"}},
		{"monitor extras appended", [][]string{{"tar"}, {"nmon", "sar"}}, []string{"tar", "nmon", "sar"}},
		{"repeats dropped", [][]string{{"tar", "sh"}, {"sh", "nmon", "tar"}}, []string{"tar", "sh", "nmon"}},
		{"blanks dropped", [][]string{{"tar", ""}, {"", "nmon"}}, []string{"tar", "nmon"}},
		{"nil lists", [][]string{nil, {"nmon"}, nil}, []string{"nmon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Merge(tt.lists...))
		})
	}
}

func TestCheck(t *testing.T) {
	host, sess := newSession(t)
	host.SetCommandResponse(`command -v`, sshtesting.CommandResponse{Stdout: "nmon\n"})

	results, err := Check(context.Background(), sess, []string{"tar", "nmon", "bad;name"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, CheckResult{Name: "tar", Satisfied: true}, results[0])
	assert.Equal(t, CheckResult{Name: "nmon"}, results[1])
	assert.False(t, results[2].Satisfied)
	assert.Error(t, results[2].Err)

	assert.Equal(t, "nmon, bad;name (not checked)", FormatMissing(FilterMissing(results)))
	assert.Equal(t, 1, host.CommandCount(`command -v`), "one round trip for all tools")
	assert.Zero(t, host.CommandCount(`bad;name`), "unsafe names never reach the host")
}

func TestCheck_Cached(t *testing.T) {
	host, sess := newSession(t)
	host.SetCommandResponse(`command -v`, sshtesting.CommandResponse{Stdout: "sar\n"})
	cache := NewCache()

	_, err := Check(context.Background(), sess, []string{"tar", "sar"}, cache)
	require.NoError(t, err)

	results, err := Check(context.Background(), sess, []string{"sar", "tar"}, cache)
	require.NoError(t, err)
	assert.False(t, results[0].Satisfied)
	assert.True(t, results[1].Satisfied)
	assert.Equal(t, 1, host.CommandCount(`command -v`))

	_, err = Check(context.Background(), sess, []string{"tar", "nmon"}, cache)
	require.NoError(t, err)
	assert.Equal(t, 2, host.CommandCount(`command -v`))
	assert.Equal(t, 1, host.CommandCount(`for t in nmon;`), "only unknown tools are probed")
}

func TestCheck_ProbeFails(t *testing.T) {
	host, sess := newSession(t)
	cache := NewCache()

	host.SetCommandResponse(`command -v`, sshtesting.CommandResponse{Error: errors.New("connection reset")})
	_, err := Check(context.Background(), sess, []string{"tar"}, cache)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")

	host.SetCommandResponse(`command -v`, sshtesting.CommandResponse{ExitCode: 127, Stderr: "sh: not found\n"})
	_, err = Check(context.Background(), sess, []string{"tar"}, cache)
	require.Error(t, err)
	assert.True(t, perrors.IsCode(err, perrors.ErrExec))
	assert.Contains(t, err.Error(), "exited with code 127")

	host.SetCommandResponse(`command -v`, sshtesting.CommandResponse{})
	results, err := Check(context.Background(), sess, []string{"tar"}, cache)
	require.NoError(t, err)
	assert.True(t, results[0].Satisfied, "failed probes are not cached")
}

func TestCheck_Empty(t *testing.T) {
	results, err := Check(context.Background(), nil, nil, nil)
	assert.NoError(t, err)
	assert.Nil(t, results)
}

func TestProbeScript(t *testing.T) {
	assert.Equal(t,
		`for t in tar nmon; do command -v "$t" >/dev/null 2>&1 || echo "$t"; done`,
		probeScript([]string{"tar", "nmon"}))
}

func TestFormatMissing(t *testing.T) {
	assert.Equal(t, "", FormatMissing(nil))
	assert.Equal(t, "nmon, sar", FormatMissing([]CheckResult{{Name: "nmon"}, {Name: "sar"}}))
}

func TestValidateToolName(t *testing.T) {
	tests := []struct {
		tool  string
		valid bool
	}{
		{"nmon", true},
		{"sar", true},
		{"python3.10", true},
		{"g++", true},
		{"my_tool", true},
		{"nvidia-smi", true},
		{"", false},
		{"nmon;rm -rf /", false},
		{"nmon`id`", false},
		{"nmon$PATH", false},
		{"nmon|cat", false},
		{"nmon version", false},
		{"nmon\necho", false},
		{"-v", false},
		{".hidden", false},
		{"/usr/bin/nmon", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, ValidateToolName(tt.tool), "%q", tt.tool)
	}
}
