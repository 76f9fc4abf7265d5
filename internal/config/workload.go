package config

import (
	"fmt"
	"sort"

	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/internal/util"
)

// OnFail constants define what happens when a step fails.
const (
	OnFailStop     = "stop"     // Default: stop execution on failure
	OnFailContinue = "continue" // Continue to next step on failure
)

// GetStepOnFail returns the on_fail behavior for a step.
// Defaults to "stop" if not specified.
func GetStepOnFail(step WorkloadStep) string {
	if step.OnFail == "" {
		return OnFailStop
	}
	return step.OnFail
}

// StepName returns the display name for the step at index i.
func StepName(i int, step WorkloadStep) string {
	if step.Name != "" {
		return step.Name
	}
	return fmt.Sprintf("step %d", i+1)
}

// MergedStepEnv returns the environment for a step.
// Merge order (lowest to highest precedence): base → workload env → step env.
// base carries the execution layout variables.
func MergedStepEnv(w WorkloadConfig, step WorkloadStep, base map[string]string) map[string]string {
	merged := make(map[string]string, len(base)+len(w.Env)+len(step.Env))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range w.Env {
		merged[k] = v
	}
	for k, v := range step.Env {
		merged[k] = v
	}
	return merged
}

// MonitorNames returns the configured monitor names, sorted.
func MonitorNames(cfg *Config) []string {
	if cfg == nil {
		return nil
	}
	names := make([]string, 0, len(cfg.Monitors))
	for _, m := range cfg.Monitors {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return names
}

// GetMonitor returns a monitor by name, with a did-you-mean hint when the
// name is unknown.
func GetMonitor(cfg *Config, name string) (Monitor, error) {
	if cfg == nil {
		return Monitor{}, errors.New(errors.ErrConfig,
			"Config hasn't been loaded yet",
			"This is unexpected - load a config before looking up monitors.")
	}
	if m, ok := cfg.MonitorByName(name); ok {
		return m, nil
	}

	names := MonitorNames(cfg)
	hint := fmt.Sprintf("Available monitors: %s", util.JoinOrNone(names))
	if similar := util.SuggestSimilar(name, names, 3); len(similar) > 0 {
		hint = fmt.Sprintf("Did you mean %s?", util.JoinOrNone(similar))
	}
	return Monitor{}, errors.New(errors.ErrConfig,
		fmt.Sprintf("No monitor named '%s'", name),
		hint)
}
