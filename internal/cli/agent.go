package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/pkg/models"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Manage fleet agents",
	}
	cmd.AddCommand(newAgentSpawnCmd())
	cmd.AddCommand(newAgentListCmd())
	return cmd
}

func newAgentSpawnCmd() *cobra.Command {
	var (
		id      string
		at      string
		battery float64
	)
	cmd := &cobra.Command{
		Use:   "spawn",
		Short: "Place a new agent on a free vertex",
		RunE: func(cmd *cobra.Command, args []string) error {
			if at == "" {
				return errors.New("--at is required")
			}
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			req := models.SpawnAgentRequest{ID: id, At: at}
			if cmd.Flags().Changed("battery") {
				req.Battery = &battery
			}
			a, err := c.SpawnAgent(cmd.Context(), req)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Spawned agent %q at %s (battery %.0f%%)\n", a.ID, a.Position.Vertex, a.Battery)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "Agent id (generated when empty)")
	cmd.Flags().StringVar(&at, "at", "", "Vertex to spawn on")
	cmd.Flags().Float64Var(&battery, "battery", 0, "Initial battery percentage (default: fleet initial_battery)")
	return cmd
}

func newAgentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents with state, battery and position",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			agents, err := c.ListAgents(cmd.Context())
			if err != nil {
				return err
			}
			if len(agents) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No agents.")
				return nil
			}
			for _, a := range agents {
				printAgent(cmd.OutOrStdout(), a)
			}
			return nil
		},
	}
	return cmd
}

func printAgent(w io.Writer, a models.Agent) {
	pos := a.Position.Vertex
	if a.Position.Lane != "" {
		pos = fmt.Sprintf("%s (%.0f%%)", a.Position.Lane, a.Position.Progress*100)
	}
	line := fmt.Sprintf("- %s %s battery=%.1f%% at %s", a.ID, a.State, a.Battery, pos)
	if a.Task != "" {
		line += " task=" + a.Task
	}
	if a.Queued > 0 {
		line += fmt.Sprintf(" queued=%d", a.Queued)
	}
	if a.Stranded {
		line += " STRANDED"
	}
	_, _ = fmt.Fprintln(w, line)
}
