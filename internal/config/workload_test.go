package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/perfci/internal/errors"
)

func TestGetStepOnFail(t *testing.T) {
	assert.Equal(t, OnFailStop, GetStepOnFail(WorkloadStep{}))
	assert.Equal(t, OnFailStop, GetStepOnFail(WorkloadStep{OnFail: "stop"}))
	assert.Equal(t, OnFailContinue, GetStepOnFail(WorkloadStep{OnFail: "continue"}))
}

func TestStepName(t *testing.T) {
	assert.Equal(t, "warmup", StepName(0, WorkloadStep{Name: "warmup"}))
	assert.Equal(t, "step 3", StepName(2, WorkloadStep{}))
}

func TestMergedStepEnv(t *testing.T) {
	w := WorkloadConfig{Env: map[string]string{"TARGET": "shop", "USERS": "10"}}
	step := WorkloadStep{Env: map[string]string{"USERS": "500"}}
	base := map[string]string{"PERFCI_EXECUTION_ID": "42", "TARGET": "ignored"}

	got := MergedStepEnv(w, step, base)
	assert.Equal(t, map[string]string{
		"PERFCI_EXECUTION_ID": "42",
		"TARGET":              "shop",
		"USERS":               "500",
	}, got)

	// Inputs are not modified.
	assert.Equal(t, "10", w.Env["USERS"])
	assert.Equal(t, "ignored", base["TARGET"])
}

func TestGetMonitor(t *testing.T) {
	cfg := validConfig()

	m, err := GetMonitor(cfg, "web01")
	require.NoError(t, err)
	assert.Equal(t, 2222, m.Port)

	_, err = GetMonitor(cfg, "db02")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
	var e *errors.Error
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Suggestion, "Did you mean db01?")

	_, err = GetMonitor(cfg, "zzzzzz")
	require.ErrorAs(t, err, &e)
	assert.Contains(t, e.Suggestion, "Available monitors: db01, web01")

	_, err = GetMonitor(nil, "db01")
	assert.Error(t, err)
}

func TestMonitorNamesAndEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Monitors[0].Disabled = true
	assert.Equal(t, []string{"db01", "web01"}, MonitorNames(cfg))
	enabled := cfg.EnabledMonitors()
	require.Len(t, enabled, 1)
	assert.Equal(t, "web01", enabled[0].Name)
	assert.Nil(t, MonitorNames(nil))
}

func TestMonitorTarget(t *testing.T) {
	m := Monitor{Name: "db", Host: "db01", Port: 22, User: "perf", Password: "pw", Keys: []string{"/k"}, Fingerprint: "SHA256:x", KnownHosts: "/kh"}
	target := m.Target()
	assert.Equal(t, "db01", target.Host)
	assert.Equal(t, 22, target.Port)
	assert.Equal(t, "perf", target.User)
	assert.Equal(t, "pw", target.Password)
	assert.Equal(t, []string{"/k"}, target.KeyFiles)
	assert.Equal(t, "SHA256:x", target.Fingerprint)
	assert.Equal(t, "/kh", target.KnownHostsFile)
}
