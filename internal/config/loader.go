package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/rileyhilliard/perfci/internal/errors"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = ".perfci.yaml"
	// GlobalConfigDir is the directory for global config.
	GlobalConfigDir = ".config/perfci"
	// GlobalConfigFile is the global config file name.
	GlobalConfigFile = "config.yaml"
	// EnvPrefix scopes environment overrides, e.g. PERFCI_MAX_TRIES=3.
	EnvPrefix = "PERFCI"
)

// Load reads config from the specified path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Config file not found",
				"Run 'perfci init' to create a config file, or specify one with --config")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read config file",
			"Check the file exists and is valid YAML")
	}

	return parseConfig(v, path)
}

// Find locates the config file using the search order:
// 1. Explicit path (from --config flag)
// 2. .perfci.yaml in current directory
// 3. .perfci.yaml in parent directories (stops at git root or home)
// 4. ~/.config/perfci/config.yaml (global defaults)
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine current directory",
			"Check directory permissions")
	}
	home, _ := os.UserHomeDir()

	if path := findUpward(cwd, home); path != "" {
		return path, nil
	}

	if home != "" {
		globalConfig := filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", nil
}

// findUpward checks dir and its parents for ConfigFileName, stopping after
// a git root and never climbing above home.
func findUpward(dir, home string) string {
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return ""
		}
		parent := filepath.Dir(dir)
		if parent == dir || (home != "" && parent == home) {
			return ""
		}
		dir = parent
	}
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()

	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	// Viper's default decode hooks turn "90s" into a time.Duration.
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+path)
	}

	cfg.Project = Expand(cfg.Project)
	cfg.ResultDir = ExpandTilde(Expand(cfg.ResultDir))
	cfg.Workload.Dir = ExpandTilde(Expand(cfg.Workload.Dir))
	for i := range cfg.Monitors {
		cfg.Monitors[i] = expandMonitor(cfg.Monitors[i])
	}

	return cfg, nil
}

// setDefaults registers the scalar defaults with viper so environment
// overrides and partially written sections resolve the same way.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("version", cfg.Version)
	v.SetDefault("project", cfg.Project)
	v.SetDefault("result_dir", cfg.ResultDir)
	v.SetDefault("remote_root", cfg.RemoteRoot)
	v.SetDefault("max_tries", cfg.MaxTries)
	v.SetDefault("max_parallel", cfg.MaxParallel)
	v.SetDefault("abort_on_start_failure", cfg.AbortOnStartFailure)
	v.SetDefault("timeouts.start", cfg.Timeouts.Start.String())
	v.SetDefault("timeouts.stop", cfg.Timeouts.Stop.String())
	v.SetDefault("timeouts.connect", cfg.Timeouts.Connect.String())
	v.SetDefault("timeouts.exec", cfg.Timeouts.Exec.String())
	v.SetDefault("timeouts.retry_delay", cfg.Timeouts.RetryDelay.String())
	v.SetDefault("report.disabled", cfg.Report.Disabled)
	v.SetDefault("report.timezone", cfg.Report.Timezone)
}
