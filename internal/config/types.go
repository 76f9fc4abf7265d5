package config

import (
	"time"

	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Defaults applied when the config leaves a field unset.
const (
	DefaultResultDir     = "perfci-results"
	DefaultRemoteRoot    = "/tmp/perfci"
	DefaultMaxTries      = 5
	DefaultStartDeadline = 10 * time.Minute
	DefaultStopDeadline  = 6 * time.Hour
	DefaultRetryDelay    = 2 * time.Second
)

// Config represents the complete .perfci.yaml configuration file.
type Config struct {
	Version int `yaml:"version" mapstructure:"version"`

	// Project namespaces remote output so several projects can share a host.
	// Supports ${PROJECT} expansion (git repo or directory name).
	Project string `yaml:"project" mapstructure:"project"`

	// ResultDir is the local base directory; executions land in
	// <result_dir>/builds/<execution-id>.
	ResultDir string `yaml:"result_dir" mapstructure:"result_dir"`

	// RemoteRoot is where the toolkit is installed on monitored hosts.
	RemoteRoot string `yaml:"remote_root" mapstructure:"remote_root"`

	Monitors []Monitor      `yaml:"monitors" mapstructure:"monitors"`
	Timeouts TimeoutsConfig `yaml:"timeouts" mapstructure:"timeouts"`

	// MaxTries bounds start and stop attempts per monitor.
	MaxTries int `yaml:"max_tries" mapstructure:"max_tries"`

	// MaxParallel caps concurrent monitor operations. Zero means one per CPU.
	MaxParallel int `yaml:"max_parallel" mapstructure:"max_parallel"`

	// AbortOnStartFailure skips the workload when any monitor failed to start.
	// Stop and collection still run for the monitors that did start.
	AbortOnStartFailure bool `yaml:"abort_on_start_failure" mapstructure:"abort_on_start_failure"`

	Workload WorkloadConfig `yaml:"workload" mapstructure:"workload"`
	Report   ReportConfig   `yaml:"report" mapstructure:"report"`
}

// Monitor describes one monitored host.
type Monitor struct {
	// Name identifies the monitor in logs and local directory names.
	Name string `yaml:"name" mapstructure:"name"`

	// Host is a hostname, IP, or ~/.ssh/config alias.
	Host string `yaml:"host" mapstructure:"host"`
	Port int    `yaml:"port,omitempty" mapstructure:"port"`
	User string `yaml:"user,omitempty" mapstructure:"user"`

	// Password selects password auth. ${VAR} pulls it from the environment.
	Password string `yaml:"password,omitempty" mapstructure:"password"`

	// Keys are private key files. Empty with no password means ssh-agent
	// and the default keys in ~/.ssh.
	Keys []string `yaml:"keys,omitempty" mapstructure:"keys"`

	// Fingerprint pins the host key: 16 colon-separated hex pairs (MD5) or
	// "SHA256:...". Without it the host identity is not verified.
	Fingerprint string `yaml:"fingerprint,omitempty" mapstructure:"fingerprint"`

	// KnownHosts verifies the host key when no fingerprint is given.
	KnownHosts string `yaml:"known_hosts,omitempty" mapstructure:"known_hosts"`

	// Interval is the sampling interval in seconds.
	Interval int `yaml:"interval" mapstructure:"interval"`

	// Disabled monitors succeed on start and stop without any network I/O.
	Disabled bool `yaml:"disabled,omitempty" mapstructure:"disabled"`

	// OutputDir names the subdirectory of rawdata used when the
	// relocate_output capability is set. Defaults to Name.
	OutputDir string `yaml:"output_dir,omitempty" mapstructure:"output_dir"`

	Capabilities Capabilities `yaml:"capabilities,omitempty" mapstructure:"capabilities"`

	// DeleteRemoteAfter removes the remote archive once downloaded.
	DeleteRemoteAfter bool `yaml:"delete_remote_after,omitempty" mapstructure:"delete_remote_after"`

	// Requires lists tools `perfci check` verifies on the host.
	Requires []string `yaml:"requires,omitempty" mapstructure:"requires"`
}

// Capabilities are optional behaviors a monitor opts into.
type Capabilities struct {
	// RelocateOutput collects into <rawdata>/<output_dir> instead of <rawdata>.
	RelocateOutput bool `yaml:"relocate_output,omitempty" mapstructure:"relocate_output"`
}

// Target converts the monitor to SSH connection settings.
func (m Monitor) Target() sshutil.Target {
	return sshutil.Target{
		Host:           m.Host,
		Port:           m.Port,
		User:           m.User,
		Password:       m.Password,
		KeyFiles:       m.Keys,
		Fingerprint:    m.Fingerprint,
		KnownHostsFile: m.KnownHosts,
	}
}

// CollectSubdir returns the subdirectory of rawdata that receives this
// monitor's data. Empty means rawdata itself.
func (m Monitor) CollectSubdir() string {
	if !m.Capabilities.RelocateOutput {
		return ""
	}
	if m.OutputDir != "" {
		return m.OutputDir
	}
	return m.Name
}

// TimeoutsConfig bounds the phases of an execution.
type TimeoutsConfig struct {
	// Start is how long the start phase may take across all monitors.
	// Zero waits without limit.
	Start time.Duration `yaml:"start" mapstructure:"start"`
	// Stop is the same bound for stop and collection.
	Stop time.Duration `yaml:"stop" mapstructure:"stop"`
	// Connect bounds TCP connect plus SSH handshake.
	Connect time.Duration `yaml:"connect" mapstructure:"connect"`
	// Exec bounds a single remote command.
	Exec time.Duration `yaml:"exec" mapstructure:"exec"`
	// RetryDelay is the pause between attempts.
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay"`
}

// WorkloadConfig is the work measured while monitors run.
type WorkloadConfig struct {
	Steps []WorkloadStep `yaml:"steps" mapstructure:"steps"`
	// Dir is the working directory for steps. Defaults to the current one.
	Dir string `yaml:"dir,omitempty" mapstructure:"dir"`
	// Env is added to every step.
	Env map[string]string `yaml:"env,omitempty" mapstructure:"env"`
}

// WorkloadStep is one local shell command.
type WorkloadStep struct {
	// Name identifies this step in output.
	Name string `yaml:"name" mapstructure:"name"`
	// Run is the command, executed with sh -c.
	Run string `yaml:"run" mapstructure:"run"`
	// OnFail is "stop" (default) or "continue".
	OnFail string `yaml:"on_fail,omitempty" mapstructure:"on_fail"`
	// Env is added to this step only and wins over workload env.
	Env map[string]string `yaml:"env,omitempty" mapstructure:"env"`
	// Timeout bounds the step. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// ReportConfig configures the external report generator.
type ReportConfig struct {
	// Disabled skips report generation. An empty Command does too.
	Disabled bool `yaml:"disabled,omitempty" mapstructure:"disabled"`
	// Command is the generator invocation, e.g. ["java", "-jar", "perfcharts.jar"].
	Command []string `yaml:"command" mapstructure:"command"`
	// Timezone is passed as -z when set.
	Timezone string `yaml:"timezone,omitempty" mapstructure:"timezone"`
	// Exclude is a pattern passed as -e when set.
	Exclude string `yaml:"exclude,omitempty" mapstructure:"exclude"`
	// Timeout bounds the generator run. Zero means no limit.
	Timeout time.Duration `yaml:"timeout,omitempty" mapstructure:"timeout"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version:    CurrentConfigVersion,
		Project:    "${PROJECT}",
		ResultDir:  DefaultResultDir,
		RemoteRoot: DefaultRemoteRoot,
		Monitors:   []Monitor{},
		Timeouts: TimeoutsConfig{
			Start:      DefaultStartDeadline,
			Stop:       DefaultStopDeadline,
			Connect:    sshutil.DefaultConnectTimeout,
			Exec:       sshutil.DefaultExecTimeout,
			RetryDelay: DefaultRetryDelay,
		},
		MaxTries: DefaultMaxTries,
	}
}

// MonitorByName returns the named monitor.
func (c *Config) MonitorByName(name string) (Monitor, bool) {
	for _, m := range c.Monitors {
		if m.Name == name {
			return m, true
		}
	}
	return Monitor{}, false
}

// EnabledMonitors returns the monitors that are not disabled.
func (c *Config) EnabledMonitors() []Monitor {
	var out []Monitor
	for _, m := range c.Monitors {
		if !m.Disabled {
			out = append(out, m)
		}
	}
	return out
}

// Enabled reports whether report generation should run.
func (r ReportConfig) Enabled() bool {
	return !r.Disabled && len(r.Command) > 0
}
