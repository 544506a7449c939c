package cli

import (
	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/daemon"
)

func newDaemonCmd() *cobra.Command {
	var opts daemon.StartOptions

	cmd := &cobra.Command{
		Use:    "daemon",
		Short:  "Internal: run daemon process",
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Home = config.MustHomeFrom(cmd.Context())
			return daemon.StartForeground(cmd.Context(), opts)
		},
	}
	daemonFlags(cmd, &opts)
	return cmd
}
