package cli

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/daemon"
	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/telemetry"
)

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Read the event log or follow live fleet events",
	}
	cmd.AddCommand(newEventsListCmd())
	cmd.AddCommand(newEventsWatchCmd())
	return cmd
}

func newEventsListCmd() *cobra.Command {
	var (
		typ   string
		agent string
		after int64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List persisted events, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := apiClient(cmd)
			if err != nil {
				return err
			}
			evs, err := c.ListEvents(cmd.Context(), typ, agent, after, limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, ev := range evs {
				if err := enc.Encode(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&typ, "type", "", "Event type (e.g. task_completed)")
	cmd.Flags().StringVar(&agent, "agent", "", "Agent id")
	cmd.Flags().Int64Var(&after, "after", 0, "Only events after this sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum events to return")
	return cmd
}

func newEventsWatchCmd() *cobra.Command {
	var (
		addr  string
		types []string
		agent string
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream live events from the telemetry gRPC service as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := telemetry.Filter{Agent: agent}
			for _, t := range types {
				f.Types = append(f.Types, events.Kind(t))
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			c := &telemetry.Client{Addr: addr}
			err := c.Watch(cmd.Context(), f, func(ev events.Event) error { return enc.Encode(ev) })
			if err != nil && cmd.Context().Err() != nil {
				return nil
			}
			if err != nil {
				return fmt.Errorf("watch %s: %w", addr, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "grpc-addr", "127.0.0.1:"+strconv.Itoa(daemon.DefaultGRPCPort), "Telemetry gRPC address")
	cmd.Flags().StringSliceVar(&types, "type", nil, "Event types to follow (default: all)")
	cmd.Flags().StringVar(&agent, "agent", "", "Only events for this agent")
	return cmd
}
