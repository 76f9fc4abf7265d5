package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rileyhilliard/perfci/internal/errors"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Project = "shop"
	cfg.Monitors = []Monitor{
		{Name: "db01", Host: "db01.lab", Interval: 5},
		{Name: "web01", Host: "web01.lab", Port: 2222, Interval: 1, Fingerprint: "c1:b1:30:29:d7:b8:de:6c:97:77:10:d7:46:41:63:87"},
	}
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		opts    []ValidationOption
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "from the future",
			mutate:  func(c *Config) { c.Version = CurrentConfigVersion + 1 },
			wantErr: "from the future",
		},
		{
			name:    "empty project",
			mutate:  func(c *Config) { c.Project = "" },
			wantErr: "project name is empty",
		},
		{
			name:    "project with slash",
			mutate:  func(c *Config) { c.Project = "a/b" },
			wantErr: "path separators",
		},
		{
			name:    "relative remote root",
			mutate:  func(c *Config) { c.RemoteRoot = "perfci" },
			wantErr: "absolute path",
		},
		{
			name:    "no monitors",
			mutate:  func(c *Config) { c.Monitors = nil },
			wantErr: "No monitors configured",
		},
		{
			name:   "no monitors allowed",
			mutate: func(c *Config) { c.Monitors = nil },
			opts:   []ValidationOption{AllowNoMonitors()},
		},
		{
			name:    "duplicate monitor",
			mutate:  func(c *Config) { c.Monitors[1].Name = "db01" },
			wantErr: "used more than once",
		},
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Monitors[0].Name = "" },
			wantErr: "needs a 'name'",
		},
		{
			name:    "unsafe name",
			mutate:  func(c *Config) { c.Monitors[0].Name = "../db" },
			wantErr: "unusable name",
		},
		{
			name:    "missing host",
			mutate:  func(c *Config) { c.Monitors[0].Host = "" },
			wantErr: "needs a 'host'",
		},
		{
			name:    "user in host",
			mutate:  func(c *Config) { c.Monitors[0].Host = "perf@db01" },
			wantErr: "looks like user@host",
		},
		{
			name:    "port out of range",
			mutate:  func(c *Config) { c.Monitors[0].Port = 70000 },
			wantErr: "out of range",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Monitors[0].Interval = 0 },
			wantErr: "positive number of seconds",
		},
		{
			name:    "bad fingerprint",
			mutate:  func(c *Config) { c.Monitors[0].Fingerprint = "c1:b1:30" },
			wantErr: "fingerprint",
		},
		{
			name:    "nested output dir",
			mutate:  func(c *Config) { c.Monitors[0].OutputDir = "a/b" },
			wantErr: "single directory name",
		},
		{
			name:    "shell in requires",
			mutate:  func(c *Config) { c.Monitors[0].Requires = []string{"nmon; rm -rf /"} },
			wantErr: "plain command name",
		},
		{
			name:    "negative deadline",
			mutate:  func(c *Config) { c.Timeouts.Stop = -time.Second },
			wantErr: "timeouts.stop",
		},
		{
			name:   "zero deadline waits forever",
			mutate: func(c *Config) { c.Timeouts.Start = 0 },
		},
		{
			name:    "max tries zero",
			mutate:  func(c *Config) { c.MaxTries = 0 },
			wantErr: "at least 1",
		},
		{
			name:    "negative parallel",
			mutate:  func(c *Config) { c.MaxParallel = -1 },
			wantErr: "can't be negative",
		},
		{
			name:    "step without run",
			mutate:  func(c *Config) { c.Workload.Steps = []WorkloadStep{{Name: "x"}} },
			wantErr: "missing the 'run' command",
		},
		{
			name: "bad on_fail",
			mutate: func(c *Config) {
				c.Workload.Steps = []WorkloadStep{{Run: "true", OnFail: "retry"}}
			},
			wantErr: "on_fail='retry'",
		},
		{
			name: "duplicate step names",
			mutate: func(c *Config) {
				c.Workload.Steps = []WorkloadStep{{Name: "a", Run: "true"}, {Name: "a", Run: "false"}}
			},
			wantErr: "used more than once",
		},
		{
			name: "unknown timezone",
			mutate: func(c *Config) {
				c.Report.Command = []string{"perfcharts"}
				c.Report.Timezone = "Mars/Olympus"
			},
			wantErr: "timezone",
		},
		{
			name: "disabled report is not checked",
			mutate: func(c *Config) {
				c.Report.Disabled = true
				c.Report.Timezone = "Mars/Olympus"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := Validate(cfg, tt.opts...)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	err := Validate(nil)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}
