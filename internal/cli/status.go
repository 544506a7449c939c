package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/daemon"
	"github.com/ankittk/lanekeeper/pkg/client"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show lanekeeper daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			home := config.MustHomeFrom(cmd.Context())
			st, err := daemon.Status(cmd.Context(), home)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !st.Running {
				_, _ = fmt.Fprintln(out, "lanekeeper not running")
				return nil
			}
			_, _ = fmt.Fprintf(out, "lanekeeper running (pid %d, addr %s)\n", st.PID, st.Addr)
			rep, err := client.New(baseURL(st.Addr), apiKey()).Report(cmd.Context())
			if err != nil {
				_, _ = fmt.Fprintf(out, "API unreachable: %v\n", err)
				return nil
			}
			state := "running"
			if rep.Paused {
				state = "emergency stop"
			}
			_, _ = fmt.Fprintf(out, "fleet: %s, %d agents, %d active tasks\n", state, len(rep.Agents), rep.Tasks["active"])
			return nil
		},
	}
	return cmd
}
