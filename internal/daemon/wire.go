package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/httpapi"
	"github.com/ankittk/lanekeeper/internal/mapsource"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/notify"
	"github.com/ankittk/lanekeeper/internal/otel"
	"github.com/ankittk/lanekeeper/internal/store"
	"github.com/ankittk/lanekeeper/internal/store/postgres"
	"github.com/ankittk/lanekeeper/internal/telemetry"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

const (
	busBuffer      = 1024
	alertThrottle  = 10 * time.Minute
	shutdownWindow = 15 * time.Second
)

// stack is everything the daemon serves, assembled but not yet running.
type stack struct {
	cfg       config.File
	bus       *events.Bus
	fleet     *fleet.Coordinator
	store     store.Store
	app       *httpapi.App
	telemetry *telemetry.Server
	sinks     map[string]events.Sink
	closers   []func() error
}

func (s *stack) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("shutdown", "err", err)
		}
	}
}

// assemble loads configuration and the map, opens storage and builds the fleet
// and HTTP app. Nothing is started; the caller runs pumps, the fleet and servers.
func assemble(ctx context.Context, opts StartOptions, addr string) (*stack, error) {
	cfg, err := config.Load(opts.Home)
	if err != nil {
		return nil, err
	}
	g, err := LoadMap(ctx, cfg.Map)
	if err != nil {
		return nil, err
	}
	slog.Info("map loaded", "vertices", len(g.Vertices()), "lanes", len(g.Lanes()), "chargers", len(g.ChargingStations()))

	s := &stack{cfg: cfg, bus: events.NewBus(busBuffer), sinks: make(map[string]events.Sink)}
	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	st, err := openStore(ctx, opts.Home, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st
	s.closers = append(s.closers, st.Close)

	fopts := fleet.Options{Config: cfg.Fleet, Emit: s.bus.Publish, Archive: st}
	if n := notifier(cfg.Alerts); n != nil {
		fopts.Notifier = n
	}
	s.fleet, err = fleet.New(g, fopts)
	if err != nil {
		return nil, err
	}

	srvOpts := httpapi.ServerOptions{
		Addr:   addr,
		Dev:    opts.Dev,
		APIKey: os.Getenv("LANEKEEPER_API_KEY"),
		Fleet:  s.fleet,
		Store:  st,
	}
	if opts.EnableOtel {
		metricsHandler, err := otel.InitMeterProvider(ctx, "lanekeeper")
		if err != nil {
			slog.Warn("otel init failed, using text metrics", "err", err)
		} else {
			srvOpts.MetricsHandler = metricsHandler
			srvOpts.UseOtelHTTP = true
			if err := otel.InitMetricsWithFleet(ctx, fleetCounts(s.fleet)); err != nil {
				slog.Warn("otel fleet gauges", "err", err)
			}
			s.sinks["otel"] = otel.NewRecorder()
		}
	}
	s.app, err = httpapi.NewApp(srvOpts)
	if err != nil {
		return nil, err
	}
	s.telemetry = telemetry.NewServer()

	s.sinks["log"] = events.LogSink{}
	s.sinks["store"] = events.SinkFunc(st.AppendEvent)
	s.sinks["stream"] = s.app.Hub
	s.sinks["telemetry"] = s.telemetry
	if cfg.NATS.URL != "" {
		ns, err := events.DialNATS(cfg.NATS.URL, cfg.NATS.Prefix)
		if err != nil {
			return nil, err
		}
		s.sinks["nats"] = ns
		s.closers = append(s.closers, ns.Close)
	}
	ok = true
	return s, nil
}

// pump starts one bus consumer per sink.
func (s *stack) pump(ctx context.Context) {
	for name, sink := range s.sinks {
		go events.Pump(ctx, s.bus, sink, func(err error) {
			slog.Warn("event sink failed", "sink", name, "err", err)
		})
	}
}

// spawnConfigured places the agents listed in fleet.yaml.
func (s *stack) spawnConfigured(ctx context.Context) error {
	for _, a := range s.cfg.Agents {
		battery := a.Battery
		if battery == 0 {
			battery = s.cfg.Fleet.InitialBattery
		}
		snap, err := s.fleet.SpawnAgent(ctx, traffic.AgentID(a.ID), navgraph.VertexID(a.At), battery)
		if err != nil {
			return fmt.Errorf("spawn agent %q at %s: %w", a.ID, a.At, err)
		}
		slog.Info("agent spawned", "agent", snap.ID, "vertex", a.At, "battery", snap.Battery)
	}
	return nil
}

// LoadMap reads the graph from Neo4j when a URI is configured, else from the map file.
func LoadMap(ctx context.Context, m config.MapConfig) (*navgraph.Graph, error) {
	var src mapsource.Source = mapsource.File{Path: m.File, Level: m.Level}
	if m.Neo4j.URI != "" {
		src = mapsource.Neo4j{URI: m.Neo4j.URI, Username: m.Neo4j.Username, Password: m.Neo4j.Password, Database: m.Neo4j.Database}
	}
	g, err := src.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load map: %w", err)
	}
	return g, nil
}

func openStore(ctx context.Context, home string, sc config.StoreConfig) (store.Store, error) {
	if sc.Driver == "postgres" {
		return postgres.Open(ctx, sc.DSN)
	}
	return store.OpenWithOptions(store.OpenOptions{Driver: sc.Driver, Home: home, DSN: sc.DSN})
}

// notifier returns nil when no alert channel is configured.
func notifier(ac config.AlertConfig) fleet.Notifier {
	if ac.SlackWebhook == "" {
		return nil
	}
	reg := notify.NewRegistry()
	reg.Register(notify.NewThrottle(notify.SlackWebhook{WebhookURL: ac.SlackWebhook, Username: "lanekeeper"}, alertThrottle))
	return reg
}

func fleetCounts(c *fleet.Coordinator) otel.FleetCountFunc {
	return func() (map[string]int64, map[string]int64) {
		agents := make(map[string]int64)
		for _, v := range c.Agents() {
			agents[v.State.String()]++
		}
		tasks := make(map[string]int64)
		for _, t := range c.Tasks() {
			tasks[string(t.Status)]++
		}
		return agents, tasks
	}
}

var errNotRunning = errors.New("lanekeeper is not running")
