package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/store"
	"github.com/ankittk/lanekeeper/pkg/models"
)

type testEnv struct {
	app   *App
	fleet *fleet.Coordinator
	bus   *events.Bus
	ts    *httptest.Server
}

// newTestEnv serves a running fleet on the line map A - B - C (C charges).
// Fleet events reach the hub and, when st is set, the event log.
func newTestEnv(t *testing.T, opts ServerOptions, st store.Store) *testEnv {
	t.Helper()
	g, err := navgraph.New(
		[]navgraph.Vertex{{ID: "A"}, {ID: "B", X: 1}, {ID: "C", X: 2, ChargingStation: true}},
		[]navgraph.Lane{
			{From: "A", To: "B", Weight: 1}, {From: "B", To: "A", Weight: 1},
			{From: "B", To: "C", Weight: 1}, {From: "C", To: "B", Weight: 1},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	cfg := fleet.DefaultConfig()
	cfg.Speed = 100
	cfg.Tick = time.Millisecond
	cfg.IdleInterval = 10 * time.Millisecond
	cfg.RetryBackoff = 2 * time.Millisecond
	cfg.DeadlockInterval = 10 * time.Millisecond

	bus := events.NewBus(256)
	opt := fleet.Options{Config: cfg, Emit: bus.Publish}
	if st != nil {
		opt.Archive = st
	}
	c, err := fleet.New(g, opt)
	if err != nil {
		t.Fatal(err)
	}
	opts.Fleet = c
	opts.Store = st
	app, err := NewApp(opts)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	go events.Pump(ctx, bus, app.Hub, nil)
	if st != nil {
		go events.Pump(ctx, bus, events.SinkFunc(st.AppendEvent), nil)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		<-done
	})
	return &testEnv{app: app, fleet: c, bus: bus, ts: ts}
}

func (e *testEnv) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	if err != nil {
		t.Fatal(err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	b, _ := io.ReadAll(resp.Body)
	return resp, b
}

func (e *testEnv) decode(t *testing.T, method, path, body string, want int, out any) {
	t.Helper()
	resp, b := e.do(t, method, path, body)
	if resp.StatusCode != want {
		t.Fatalf("%s %s: status=%d want %d body=%s", method, path, resp.StatusCode, want, b)
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			t.Fatalf("%s %s: decode: %v (%s)", method, path, err, b)
		}
	}
}

// waitTask polls GET /tasks/{id} until it reports status.
func (e *testEnv) waitTask(t *testing.T, id, status string) models.Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var task models.Task
	for time.Now().Before(deadline) {
		e.decode(t, http.MethodGet, "/tasks/"+id, "", http.StatusOK, &task)
		if task.Status == status {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s: status %q, want %q", id, task.Status, status)
	return task
}

func TestNewApp_requiresFleet(t *testing.T) {
	t.Parallel()
	if _, err := NewApp(ServerOptions{}); err == nil {
		t.Fatal("expected error without fleet")
	}
}

func TestServerSmoke(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{Addr: "127.0.0.1:0"}, nil)

	var health map[string]any
	env.decode(t, http.MethodGet, "/health", "", http.StatusOK, &health)
	if health["ok"] != true {
		t.Fatalf("/health: %v", health)
	}

	var agent models.Agent
	env.decode(t, http.MethodPost, "/agents", `{"id":"r1","at":"A"}`, http.StatusOK, &agent)
	if agent.ID != "r1" || agent.Position.Vertex != "A" || agent.Battery != 100 {
		t.Fatalf("spawned agent: %+v", agent)
	}

	var task models.Task
	env.decode(t, http.MethodPost, "/tasks", `{"destination":"C"}`, http.StatusOK, &task)
	if task.ID == "" || task.Agent != "r1" {
		t.Fatalf("submitted task: %+v", task)
	}
	done := env.waitTask(t, task.ID, models.StatusCompleted)
	if strings.Join(done.Path, ",") != "A,B,C" {
		t.Fatalf("path: %v", done.Path)
	}

	var agents []models.Agent
	env.decode(t, http.MethodGet, "/agents", "", http.StatusOK, &agents)
	if len(agents) != 1 || agents[0].Position.Vertex != "C" || agents[0].Stats.TasksCompleted != 1 {
		t.Fatalf("agents: %+v", agents)
	}
	env.decode(t, http.MethodGet, "/agents/r1", "", http.StatusOK, &agent)

	var report models.Report
	env.decode(t, http.MethodGet, "/fleet/report", "", http.StatusOK, &report)
	if report.Tasks[models.StatusCompleted] != 1 || report.Distance < 1.999 {
		t.Fatalf("report: %+v", report)
	}

	var res models.Reservations
	env.decode(t, http.MethodGet, "/reservations", "", http.StatusOK, &res)
	if len(res.Reservations) != 1 || res.Reservations[0].Resource != "v:C" || res.Stats.Granted == 0 {
		t.Fatalf("reservations: %+v", res)
	}

	var m models.Map
	env.decode(t, http.MethodGet, "/map", "", http.StatusOK, &m)
	if len(m.Vertices) != 3 || len(m.Lanes) != 4 || len(m.ChargingStations) != 1 || m.Bounds.MaxX != 2 {
		t.Fatalf("map: %+v", m)
	}

	var route models.Route
	env.decode(t, http.MethodGet, "/path?from=A&to=C", "", http.StatusOK, &route)
	if route.Cost != 2 || len(route.Path) != 3 || route.Alternate {
		t.Fatalf("route: %+v", route)
	}

	var tasks []models.Task
	env.decode(t, http.MethodGet, "/tasks?status=completed", "", http.StatusOK, &tasks)
	for _, tk := range tasks {
		if tk.Status != models.StatusCompleted {
			t.Fatalf("status filter leaked %+v", tk)
		}
	}

	resp, body := env.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `lanekeeper_agents{state="idle"} 1`) {
		t.Fatalf("/metrics: %d\n%s", resp.StatusCode, body)
	}
}

func TestEmergencyStopAndResume(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{}, nil)
	env.decode(t, http.MethodPost, "/agents", `{"id":"r1","at":"A"}`, http.StatusOK, nil)

	env.decode(t, http.MethodPost, "/fleet/stop", "", http.StatusOK, nil)
	if !env.fleet.Paused() {
		t.Fatal("fleet should be paused")
	}
	var task models.Task
	env.decode(t, http.MethodPost, "/tasks", `{"destination":"B"}`, http.StatusOK, &task)
	time.Sleep(30 * time.Millisecond)
	var got models.Task
	env.decode(t, http.MethodGet, "/tasks/"+task.ID, "", http.StatusOK, &got)
	if got.Status == models.StatusCompleted {
		t.Fatal("task completed while the fleet was stopped")
	}

	env.decode(t, http.MethodPost, "/fleet/resume", "", http.StatusOK, nil)
	env.waitTask(t, task.ID, models.StatusCompleted)
}

func TestSSEStreamsFleetEvents(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, ServerOptions{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /stream: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content-type: %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	if !sc.Scan() || !strings.Contains(sc.Text(), "connected") {
		t.Fatalf("first line: %q", sc.Text())
	}
	env.decode(t, http.MethodPost, "/agents", `{"id":"r1","at":"B"}`, http.StatusOK, nil)
	for sc.Scan() {
		if strings.Contains(sc.Text(), `"type":"agent_spawned"`) {
			return
		}
	}
	t.Fatalf("no agent_spawned event on stream: %v", sc.Err())
}
