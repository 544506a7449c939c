package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/daemon"
	"github.com/ankittk/lanekeeper/internal/navgraph"
)

func newMapCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "map",
		Short: "Inspect the navigation map (offline, no daemon needed)",
	}
	cmd.AddCommand(newMapValidateCmd())
	cmd.AddCommand(newMapPathCmd())
	return cmd
}

type mapFlags struct {
	file  string
	level string
}

func (f *mapFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.file, "file", "", "Map JSON file (default: the map configured in fleet.yaml)")
	cmd.Flags().StringVar(&f.level, "level", "", "Level to load from a levels-format map (default: the first)")
}

func (f *mapFlags) load(cmd *cobra.Command) (*navgraph.Graph, error) {
	mc := config.MapConfig{File: f.file, Level: f.level}
	if f.file == "" {
		cfg, err := config.Load(config.MustHomeFrom(cmd.Context()))
		if err != nil {
			return nil, err
		}
		mc = cfg.Map
		if f.level != "" {
			mc.Level = f.level
		}
	}
	return daemon.LoadMap(cmd.Context(), mc)
}

func newMapValidateCmd() *cobra.Command {
	var mf mapFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the map and report vertices, lanes and charger coverage",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := mf.load(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			chargers := g.ChargingStations()
			_, _ = fmt.Fprintf(out, "map ok: %d vertices, %d lanes, %d charging stations\n",
				len(g.Vertices()), len(g.Lanes()), len(chargers))

			var stranded []string
			for _, v := range g.Vertices() {
				if _, _, err := g.NearestChargingStation(v.ID); errors.Is(err, navgraph.ErrNoStationReachable) {
					stranded = append(stranded, g.DisplayName(v.ID))
				}
			}
			if len(stranded) > 0 {
				_, _ = fmt.Fprintf(out, "warning: no charging station reachable from %s\n", strings.Join(stranded, ", "))
			}
			return nil
		},
	}
	mf.register(cmd)
	return cmd
}

func newMapPathCmd() *cobra.Command {
	var (
		mf          mapFlags
		from, to    string
		avoidLanes  []string
		avoidVertex []string
	)
	cmd := &cobra.Command{
		Use:   "path",
		Short: "Plan a route between two vertices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" || to == "" {
				return errors.New("--from and --to are required")
			}
			g, err := mf.load(cmd)
			if err != nil {
				return err
			}
			var p navgraph.Path
			if len(avoidLanes) > 0 || len(avoidVertex) > 0 {
				var avoid navgraph.Avoid
				for _, l := range avoidLanes {
					avoid.Lanes = append(avoid.Lanes, navgraph.LaneID(l))
				}
				for _, v := range avoidVertex {
					avoid.Vertices = append(avoid.Vertices, navgraph.VertexID(v))
				}
				p, err = g.AlternatePath(navgraph.VertexID(from), navgraph.VertexID(to), avoid)
			} else {
				p, err = g.ShortestPath(navgraph.VertexID(from), navgraph.VertexID(to))
			}
			if err != nil {
				return err
			}
			cost, err := g.PathWeight(p)
			if err != nil {
				return err
			}
			hops := make([]string, len(p))
			for i, v := range p {
				hops[i] = string(v)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (cost %.2f)\n", strings.Join(hops, " -> "), cost)
			return nil
		},
	}
	mf.register(cmd)
	cmd.Flags().StringVar(&from, "from", "", "Start vertex")
	cmd.Flags().StringVar(&to, "to", "", "Goal vertex")
	cmd.Flags().StringSliceVar(&avoidLanes, "avoid", nil, "Lanes to avoid (e.g. A->B)")
	cmd.Flags().StringSliceVar(&avoidVertex, "avoid-vertex", nil, "Vertices to avoid")
	return cmd
}
