package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rileyhilliard/perfci/internal/config"
	"github.com/rileyhilliard/perfci/internal/errors"
)

var enableCmd = &cobra.Command{
	Use:   "enable <monitor>...",
	Short: "Enable monitors in the config",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setMonitorsDisabled(cmd.OutOrStdout(), args, false)
	},
}

var disableCmd = &cobra.Command{
	Use:   "disable <monitor>...",
	Short: "Disable monitors without removing them",
	Long: `Mark monitors as disabled in the config. Disabled monitors are
skipped by run, start, stop and check but keep their settings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setMonitorsDisabled(cmd.OutOrStdout(), args, true)
	},
}

func init() {
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
}

func setMonitorsDisabled(w io.Writer, names []string, disabled bool) error {
	path, err := configPath()
	if err != nil {
		return err
	}

	verb := "Enabled"
	if disabled {
		verb = "Disabled"
	}
	for _, name := range names {
		if err := config.SetMonitorDisabled(path, name, disabled); err != nil {
			return errors.WrapWithCode(err, errors.ErrConfig,
				fmt.Sprintf("Couldn't update monitor %s", name),
				"Check the name with 'perfci check' or in "+path+".")
		}
		fmt.Fprintf(w, "%s monitor %s\n", verb, name)
	}
	return nil
}
