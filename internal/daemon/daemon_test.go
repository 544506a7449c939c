package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"testing"
	"time"

	"github.com/ankittk/lanekeeper/internal/config"
	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/store"
)

const testMap = `{
  "vertices": [
    {"id": "A", "x": 0, "y": 0},
    {"id": "B", "x": 1, "y": 0},
    {"id": "C", "x": 2, "y": 0, "charging_station": true}
  ],
  "lanes": [
    {"from": "A", "to": "B", "bidirectional": true},
    {"from": "B", "to": "C", "bidirectional": true}
  ]
}`

func writeHome(t *testing.T, fleetYAML string) string {
	t.Helper()
	home := t.TempDir()
	if err := os.WriteFile(filepath.Join(home, "map.json"), []byte(testMap), 0o644); err != nil {
		t.Fatal(err)
	}
	if fleetYAML != "" {
		if err := os.WriteFile(filepath.Join(home, "fleet.yaml"), []byte(fleetYAML), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return home
}

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestAssemble_wiresSinksAndAgents(t *testing.T) {
	home := writeHome(t, `
agents:
  - id: r1
    at: A
  - id: r2
    at: C
    battery: 40
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := assemble(ctx, StartOptions{Home: home}, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer s.close()

	var names []string
	for n := range s.sinks {
		names = append(names, n)
	}
	sort.Strings(names)
	if want := []string{"log", "store", "stream", "telemetry"}; !reflect.DeepEqual(names, want) {
		t.Fatalf("sinks: %v", names)
	}

	s.pump(ctx)
	deadline := time.Now().Add(2 * time.Second)
	for s.bus.Subscribers() < len(s.sinks) && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if err := s.spawnConfigured(ctx); err != nil {
		t.Fatalf("spawnConfigured: %v", err)
	}
	agents := s.fleet.Agents()
	if len(agents) != 2 {
		t.Fatalf("agents: %+v", agents)
	}
	for _, a := range agents {
		want := s.cfg.Fleet.InitialBattery
		if a.ID == "r2" {
			want = 40
		}
		if a.Battery != want {
			t.Errorf("%s battery=%v want %v", a.ID, a.Battery, want)
		}
	}

	// Spawn events reach the event log through the store sink.
	for time.Now().Before(deadline) {
		recs, err := s.store.ListEvents(ctx, store.EventFilter{Type: events.AgentSpawned})
		if err != nil {
			t.Fatal(err)
		}
		if len(recs) == 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("agent_spawned events not persisted")
}

func TestAssemble_errors(t *testing.T) {
	ctx := context.Background()

	home := t.TempDir()
	if _, err := assemble(ctx, StartOptions{Home: home}, "127.0.0.1:0"); err == nil {
		t.Fatal("expected error for missing map")
	}

	home = writeHome(t, "store:\n  driver: mongo\n")
	if _, err := assemble(ctx, StartOptions{Home: home}, "127.0.0.1:0"); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestSpawnConfigured_occupiedVertex(t *testing.T) {
	home := writeHome(t, "agents:\n  - {id: r1, at: B}\n  - {id: r2, at: B}\n")
	ctx := context.Background()
	s, err := assemble(ctx, StartOptions{Home: home}, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	defer s.close()
	if err := s.spawnConfigured(ctx); !errors.Is(err, fleet.ErrVertexOccupied) {
		t.Fatalf("spawnConfigured: %v", err)
	}
}

func TestNotifier(t *testing.T) {
	if n := notifier(config.AlertConfig{}); n != nil {
		t.Fatalf("notifier without webhook: %v", n)
	}
	if n := notifier(config.AlertConfig{SlackWebhook: "https://hooks.example.com/x"}); n == nil {
		t.Fatal("expected a notifier")
	}
}

func TestStatusAndStop_notRunning(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()
	st, err := Status(ctx, home)
	if err != nil || st.Running {
		t.Fatalf("Status: %+v %v", st, err)
	}
	stopped, err := Stop(ctx, home)
	if err != nil || stopped {
		t.Fatalf("Stop: %v %v", stopped, err)
	}

	// A pid file for a process that is gone is cleaned up.
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(pidPath(home), []byte(strconv.Itoa(999999999)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if st, _ := Status(ctx, home); st.Running {
		t.Fatalf("stale pid reported running: %+v", st)
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Fatalf("stale pid file not removed: %v", err)
	}
}

func TestStatus_running(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	_ = os.WriteFile(pidPath(home), []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
	_ = os.WriteFile(addrPath(home), []byte("0.0.0.0:4747\n"), 0o644)
	st, err := Status(context.Background(), home)
	if err != nil || !st.Running || st.PID != os.Getpid() || st.Addr != "0.0.0.0:4747" {
		t.Fatalf("Status: %+v %v", st, err)
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protected", "daemon.lock")
	l, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock: %v", err)
	}
	if _, err := acquireLock(path); err == nil {
		t.Fatal("second acquireLock should fail")
	}
	l.release()
	l2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("acquireLock after release: %v", err)
	}
	l2.release()
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs(StartOptions{Home: "/h", Port: 4747, GRPCPort: 0, Dev: true, EnableOtel: true})
	want := []string{"daemon", "--home", "/h", "--port", "4747", "--grpc-port", "0", "--otel=true", "--dev"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("daemonArgs: %v", got)
	}
}
