package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
	"github.com/rileyhilliard/perfci/pkg/sshutil"
)

// Command-specific flags
var (
	initForce         bool
	initFromSSHConfig bool
	initSSHConfigPath string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a .perfci.yaml config",
	Long: `Write a sample .perfci.yaml in the current directory.

With --from-ssh-config every concrete Host alias in ~/.ssh/config becomes a
monitor. If the config already exists, the aliases are appended to it
instead and existing monitors are left alone.

Examples:
  perfci init
  perfci init --from-ssh-config
  perfci init --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Init(cmd.OutOrStdout(), InitOptions{
			Path:          filepath.Join(".", config.ConfigFileName),
			Overwrite:     initForce,
			FromSSHConfig: initFromSSHConfig,
			SSHConfigPath: initSSHConfigPath,
		})
	},
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing config")
	initCmd.Flags().BoolVar(&initFromSSHConfig, "from-ssh-config", false, "add a monitor per ~/.ssh/config host")
	initCmd.Flags().StringVar(&initSSHConfigPath, "ssh-config", "", "ssh config to read (default: ~/.ssh/config)")
	rootCmd.AddCommand(initCmd)
}

// InitOptions holds options for the init command.
type InitOptions struct {
	Path          string
	Overwrite     bool
	FromSSHConfig bool
	SSHConfigPath string
}

// defaultInterval is the sampling interval written for new monitors.
const defaultInterval = 5

// Init creates the config at opts.Path.
func Init(w io.Writer, opts InitOptions) error {
	var hosts []config.Monitor
	if opts.FromSSHConfig {
		var err error
		if hosts, err = monitorsFromSSHConfig(opts.SSHConfigPath); err != nil {
			return err
		}
		if len(hosts) == 0 {
			return errors.New(errors.ErrConfig,
				"No hosts found in ssh config",
				"Add Host entries to ~/.ssh/config or pass --ssh-config.")
		}
	}

	_, statErr := os.Stat(opts.Path)
	exists := statErr == nil

	if exists && opts.FromSSHConfig && !opts.Overwrite {
		added, err := config.AppendMonitors(opts.Path, hosts)
		if err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				"Failed to add monitors to "+opts.Path, "")
		}
		if len(added) == 0 {
			fmt.Fprintf(w, "All ssh config hosts are already monitors in %s\n", opts.Path)
			return nil
		}
		fmt.Fprintf(w, "Added %d monitor(s) to %s: %s\n", len(added), opts.Path, strings.Join(added, ", "))
		return nil
	}

	if exists && !opts.Overwrite {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("Config file already exists: %s", opts.Path),
			"Use --force to overwrite, or --from-ssh-config to add hosts to it.")
	}

	if len(hosts) == 0 {
		hosts = []config.Monitor{{Name: "db01", Host: "db01.example.com", Interval: defaultInterval}}
	}
	content, err := sampleConfig(hosts)
	if err != nil {
		return err
	}
	if err := os.WriteFile(opts.Path, content, 0644); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to write "+opts.Path,
			"Check write permissions for the current directory.")
	}
	fmt.Fprintf(w, "Created %s with %d monitor(s)\n", opts.Path, len(hosts))
	fmt.Fprintf(w, "Edit it, then run 'perfci check'.\n")
	return nil
}

func monitorsFromSSHConfig(path string) ([]config.Monitor, error) {
	entries, err := sshutil.ListHosts(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read ssh config",
			"Check the file is readable, or pass --ssh-config.")
	}
	monitors := make([]config.Monitor, 0, len(entries))
	for _, e := range entries {
		// The alias stays the host so dialing resolves it through ssh config.
		monitors = append(monitors, config.Monitor{Name: e.Alias, Host: e.Alias, Interval: defaultInterval})
	}
	return monitors, nil
}

const sampleHeader = `# perfci configuration
#
# Each monitor is sampled while the workload runs. Samples land in
# <result_dir>/builds/<execution-id>/rawdata.
#
# Durations accept Go syntax: 90s, 10m, 6h.

`

const sampleFooter = `
# workload:
#   steps:
#     - name: load
#       run: ./bench/run-load.sh
#       timeout: 30m
#
# report:
#   command: [java, -jar, perfcharts.jar]
#   timezone: UTC
`

// sampleConfig renders a starting config holding monitors.
func sampleConfig(monitors []config.Monitor) ([]byte, error) {
	cfg := config.DefaultConfig()
	cfg.Monitors = monitors

	// Workload and report are shown commented out in the footer.
	doc := struct {
		Version             int                   `yaml:"version"`
		Project             string                `yaml:"project"`
		ResultDir           string                `yaml:"result_dir"`
		RemoteRoot          string                `yaml:"remote_root"`
		MaxTries            int                   `yaml:"max_tries"`
		AbortOnStartFailure bool                  `yaml:"abort_on_start_failure"`
		Timeouts            config.TimeoutsConfig `yaml:"timeouts"`
		Monitors            []config.Monitor      `yaml:"monitors"`
	}{
		Version:    cfg.Version,
		Project:    cfg.Project,
		ResultDir:  cfg.ResultDir,
		RemoteRoot: cfg.RemoteRoot,
		MaxTries:   cfg.MaxTries,
		Timeouts:   cfg.Timeouts,
		Monitors:   cfg.Monitors,
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig, "Failed to render sample config", "")
	}
	return []byte(sampleHeader + string(data) + sampleFooter), nil
}
