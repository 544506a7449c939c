package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/config"
)

func NewRootCmd(version string) *cobra.Command {
	var homeOverride string

	cmd := &cobra.Command{
		Use:          "lanekeeper",
		Short:        "Lanekeeper: traffic-negotiated path planning for robot fleets",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			home, err := config.ResolveHome(homeOverride)
			if err != nil {
				return err
			}
			cmd.SetContext(config.WithHome(cmd.Context(), home))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&homeOverride, "home", "", "Override lanekeeper home directory (default: ~/.lanekeeper, env: LANEKEEPER_HOME)")
	cmd.PersistentFlags().String("addr", "", "Daemon API address (default: from the running daemon, env: LANEKEEPER_ADDR)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())

	cmd.AddCommand(newMapCmd())
	cmd.AddCommand(newAgentCmd())
	cmd.AddCommand(newTaskCmd())
	cmd.AddCommand(newFleetCmd())
	cmd.AddCommand(newEventsCmd())
	cmd.AddCommand(newApikeyCmd())

	// Hidden internal subcommand used by `lanekeeper start` for background mode.
	cmd.AddCommand(newDaemonCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
