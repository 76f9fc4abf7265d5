package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/require"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// monitorNamePattern keeps monitor names usable as directory names and log
// prefixes.
var monitorNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidationOption controls validation behavior.
type ValidationOption func(*validationContext)

type validationContext struct {
	allowEmpty bool
}

// AllowNoMonitors accepts a config without monitors. Used by commands that
// only manage the config file.
func AllowNoMonitors() ValidationOption {
	return func(c *validationContext) { c.allowEmpty = true }
}

// Validate checks the config for errors and returns structured error messages.
func Validate(cfg *Config, opts ...ValidationOption) error {
	ctx := &validationContext{}
	for _, opt := range opts {
		opt(ctx)
	}

	if cfg == nil {
		return errors.New(errors.ErrConfig,
			"Config is nil",
			"This is unexpected - try reloading the configuration.")
	}

	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but perfci only knows up to %d)", cfg.Version, CurrentConfigVersion),
			"Grab the latest perfci release.")
	}

	if err := validateProject(cfg.Project); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Set 'project' in your .perfci.yaml to a simple name.")
	}

	if err := validateRemoteRoot(cfg.RemoteRoot); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Use an absolute path like /tmp/perfci for 'remote_root'.")
	}

	if len(cfg.Monitors) == 0 && !ctx.allowEmpty {
		return errors.New(errors.ErrConfig,
			"No monitors configured",
			"Add at least one entry under 'monitors:' in .perfci.yaml, or run 'perfci init'.")
	}

	seen := make(map[string]bool, len(cfg.Monitors))
	for i, m := range cfg.Monitors {
		if err := validateMonitor(i, m); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'monitors' section in your .perfci.yaml.")
		}
		if seen[m.Name] {
			return errors.New(errors.ErrConfig,
				fmt.Sprintf("Monitor name '%s' is used more than once", m.Name),
				"Give every monitor a unique name.")
		}
		seen[m.Name] = true
	}

	if err := validateTimeouts(cfg.Timeouts); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'timeouts' section in your .perfci.yaml.")
	}

	if cfg.MaxTries < 1 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("max_tries is %d but needs to be at least 1", cfg.MaxTries),
			"Set 'max_tries' to 1 to disable retries.")
	}
	if cfg.MaxParallel < 0 {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("max_parallel is %d but can't be negative", cfg.MaxParallel),
			"Use 0 for one worker per CPU.")
	}

	if err := validateWorkload(cfg.Workload); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'workload' section in your .perfci.yaml.")
	}

	if err := validateReport(cfg.Report); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig, err.Error(), "Check the 'report' section in your .perfci.yaml.")
	}

	return nil
}

func validateProject(project string) error {
	if project == "" {
		return fmt.Errorf("project name is empty")
	}
	if strings.ContainsAny(project, "/\\") || project == "." || project == ".." {
		return fmt.Errorf("project name '%s' can't contain path separators", project)
	}
	return nil
}

func validateRemoteRoot(root string) error {
	if root == "" {
		return nil
	}
	if !strings.HasPrefix(root, "/") {
		return fmt.Errorf("remote_root '%s' must be an absolute path", root)
	}
	if root == "/" {
		return fmt.Errorf("remote_root can't be '/'")
	}
	return nil
}

func validateMonitor(index int, m Monitor) error {
	label := fmt.Sprintf("monitor %d", index+1)
	if m.Name != "" {
		label = fmt.Sprintf("monitor '%s'", m.Name)
	}

	if m.Name == "" {
		return fmt.Errorf("%s needs a 'name'", label)
	}
	if !monitorNamePattern.MatchString(m.Name) {
		return fmt.Errorf("%s has an unusable name - stick to letters, digits, '.', '_' and '-'", label)
	}
	if m.Host == "" {
		return fmt.Errorf("%s needs a 'host'", label)
	}
	if strings.Contains(m.Host, "@") {
		return fmt.Errorf("%s host '%s' looks like user@host - put the user in 'user'", label, m.Host)
	}
	if m.Port < 0 || m.Port > 65535 {
		return fmt.Errorf("%s port %d is out of range (1-65535)", label, m.Port)
	}
	if m.Interval <= 0 {
		return fmt.Errorf("%s interval is %d but needs to be a positive number of seconds", label, m.Interval)
	}
	if m.Fingerprint != "" && !sshutil.ValidFingerprint(m.Fingerprint) {
		return fmt.Errorf("%s fingerprint '%s' isn't 16 colon-separated hex pairs or SHA256:<base64>", label, m.Fingerprint)
	}
	if strings.ContainsAny(m.OutputDir, "/\\") || m.OutputDir == ".." {
		return fmt.Errorf("%s output_dir '%s' must be a single directory name", label, m.OutputDir)
	}
	for _, tool := range m.Requires {
		if !require.ValidateToolName(tool) {
			return fmt.Errorf("%s requires '%s', which isn't a plain command name", label, tool)
		}
	}
	return nil
}

func validateTimeouts(t TimeoutsConfig) error {
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"start", t.Start},
		{"stop", t.Stop},
		{"connect", t.Connect},
		{"exec", t.Exec},
		{"retry_delay", t.RetryDelay},
	} {
		if d.value < 0 {
			return fmt.Errorf("timeouts.%s is %s but can't be negative", d.name, d.value)
		}
	}
	return nil
}

func validateWorkload(w WorkloadConfig) error {
	names := make(map[string]bool, len(w.Steps))
	for i, step := range w.Steps {
		if step.Run == "" {
			return fmt.Errorf("workload step %d is missing the 'run' command", i+1)
		}
		if step.OnFail != "" && step.OnFail != OnFailStop && step.OnFail != OnFailContinue {
			return fmt.Errorf("workload step %d has on_fail='%s' but it needs to be 'stop' or 'continue'", i+1, step.OnFail)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("workload step %d timeout can't be negative", i+1)
		}
		if step.Name != "" {
			if names[step.Name] {
				return fmt.Errorf("workload step name '%s' is used more than once", step.Name)
			}
			names[step.Name] = true
		}
	}
	return nil
}

func validateReport(r ReportConfig) error {
	if r.Disabled {
		return nil
	}
	if len(r.Command) > 0 && strings.TrimSpace(r.Command[0]) == "" {
		return fmt.Errorf("report command starts with an empty program name")
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return fmt.Errorf("report timezone '%s' is unknown", r.Timezone)
		}
	}
	if r.Timeout < 0 {
		return fmt.Errorf("report timeout can't be negative")
	}
	return nil
}
