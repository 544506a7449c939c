package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

func newFleetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet-wide controls and reports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Emergency stop: agents halt at their next safe point",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.EmergencyStop(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Fleet stopped")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "resume",
		Short: "Resume after an emergency stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			if err := c.Resume(cmd.Context()); err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "Fleet resumed")
			return nil
		},
	})
	cmd.AddCommand(newFleetReportCmd())
	cmd.AddCommand(newFleetReservationsCmd())
	return cmd
}

func newFleetReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print fleet performance totals and per-agent stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			rep, err := c.Report(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "generated %s", rep.GeneratedAt.Format("2006-01-02 15:04:05"))
			if rep.Paused {
				_, _ = fmt.Fprint(out, " (emergency stop)")
			}
			_, _ = fmt.Fprintln(out)

			statuses := make([]string, 0, len(rep.Tasks))
			for s := range rep.Tasks {
				statuses = append(statuses, s)
			}
			sort.Strings(statuses)
			parts := make([]string, len(statuses))
			for i, s := range statuses {
				parts[i] = fmt.Sprintf("%s=%d", s, rep.Tasks[s])
			}
			_, _ = fmt.Fprintf(out, "tasks: %s\n", strings.Join(parts, " "))
			_, _ = fmt.Fprintf(out, "distance: %.2f  wait: %s  replans: %d (forced %d)  charges: %d\n",
				rep.Distance, rep.WaitTime, rep.Replans, rep.ForcedReplans, rep.Charges)
			r := rep.Reservations
			_, _ = fmt.Fprintf(out, "reservations: granted=%d denied=%d deferred=%d released=%d deadlocks=%d\n",
				r.Granted, r.Denied, r.Deferred, r.Released, r.Deadlocks)
			for _, a := range rep.Agents {
				printAgent(out, a)
			}
			return nil
		},
	}
}

func newFleetReservationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reservations",
		Short: "Show the reservation table and waiting agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			res, err := c.Reservations(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range res.Reservations {
				_, _ = fmt.Fprintf(out, "%s held by %s\n", r.Resource, r.Agent)
			}
			agents := make([]string, 0, len(res.Waiting))
			for a := range res.Waiting {
				agents = append(agents, a)
			}
			sort.Strings(agents)
			for _, a := range agents {
				_, _ = fmt.Fprintf(out, "%s waiting on %s\n", a, res.Waiting[a])
			}
			if len(res.Deadlocked) > 0 {
				_, _ = fmt.Fprintf(out, "deadlocked: %s\n", strings.Join(res.Deadlocked, ", "))
			}
			return nil
		},
	}
}
