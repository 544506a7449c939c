package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/store"
	"github.com/ankittk/lanekeeper/internal/traffic"
	"github.com/ankittk/lanekeeper/pkg/models"
)

// GET /tasks lists live tasks (or archived ones with ?archived=true); POST /tasks submits one.
func (a *App) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		status := fleet.Status(q.Get("status"))
		agentID := q.Get("agent")
		if q.Get("archived") == "true" {
			if a.Store == nil {
				writeJSONError(w, http.StatusNotFound, "task archive disabled")
				return
			}
			limit, _ := strconv.Atoi(q.Get("limit"))
			tasks, err := a.Store.ListTasks(r.Context(), store.TaskFilter{Status: status, Agent: agentID, Limit: limit})
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, nonNil(tasks))
			return
		}
		out := []fleet.Task{}
		for _, t := range a.Fleet.Tasks() {
			if (status == "" || t.Status == status) && (agentID == "" || string(t.Agent) == agentID) {
				out = append(out, t)
			}
		}
		writeJSON(w, out)
	case http.MethodPost:
		var body models.SubmitTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.Destination == "" {
			writeJSONError(w, http.StatusBadRequest, "destination required")
			return
		}
		t, err := a.Fleet.SubmitTask(r.Context(), navgraph.VertexID(body.Destination), traffic.AgentID(body.Agent))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, t)
	default:
		methodNotAllowed(w)
	}
}

// /tasks/{id}, /tasks/{id}/cancel, /tasks/{id}/retry
func (a *App) handleTask(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/tasks/"), "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	var (
		t   fleet.Task
		err error
	)
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		t, err = a.Fleet.Status(r.Context(), id)
	case "cancel":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		t, err = a.Fleet.CancelTask(r.Context(), id)
	case "retry":
		if r.Method != http.MethodPost {
			methodNotAllowed(w)
			return
		}
		t, err = a.Fleet.RetryTask(r.Context(), id)
	default:
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, t)
}

// GET /agents lists the fleet; POST /agents spawns an agent.
func (a *App) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, nonNil(a.Fleet.Agents()))
	case http.MethodPost:
		var body models.SpawnAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid json")
			return
		}
		if body.At == "" {
			writeJSONError(w, http.StatusBadRequest, "at required")
			return
		}
		battery := a.Fleet.Config().InitialBattery
		if body.Battery != nil {
			battery = *body.Battery
		}
		if battery < 0 || battery > 100 {
			writeJSONError(w, http.StatusBadRequest, "battery must be within [0,100]")
			return
		}
		snap, err := a.Fleet.SpawnAgent(r.Context(), traffic.AgentID(body.ID), navgraph.VertexID(body.At), battery)
		if err != nil {
			writeError(w, err)
			return
		}
		view, err := a.Fleet.Agent(traffic.AgentID(snap.ID))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, view)
	default:
		methodNotAllowed(w)
	}
}

// GET /agents/{id}
func (a *App) handleAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/agents/")
	if id == "" || strings.Contains(id, "/") {
		writeJSONError(w, http.StatusNotFound, "not found")
		return
	}
	view, err := a.Fleet.Agent(traffic.AgentID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, view)
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	a.Fleet.EmergencyStop()
	writeJSON(w, map[string]any{"ok": true, "paused": true})
}

func (a *App) handleResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	a.Fleet.Resume()
	writeJSON(w, map[string]any{"ok": true, "paused": false})
}

func (a *App) handleReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, a.Fleet.Report())
}

// GET /reservations returns the occupancy table, who waits on what, and any
// agents currently caught in a wait-for cycle.
func (a *App) handleReservations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	tm := a.Fleet.Traffic()
	waiting := make(map[string]string)
	for _, v := range a.Fleet.Agents() {
		if res, ok := tm.WaitingOn(traffic.AgentID(v.ID)); ok {
			waiting[v.ID] = string(res)
		}
	}
	writeJSON(w, map[string]any{
		"reservations": nonNil(a.Fleet.Reservations()),
		"waiting":      waiting,
		"deadlocked":   tm.DetectDeadlock(),
		"stats":        tm.Stats(),
	})
}

func (a *App) handleMap(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	g := a.Fleet.Graph()
	minX, minY, maxX, maxY := g.Bounds()
	writeJSON(w, map[string]any{
		"vertices":          g.Vertices(),
		"lanes":             g.Lanes(),
		"charging_stations": nonNil(g.ChargingStations()),
		"bounds":            models.Bounds{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY},
	})
}

// GET /path?from=&to=[&avoid=lane...][&avoid_vertex=v...] returns the shortest
// path, or an alternate one when anything is avoided.
func (a *App) handlePath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	from, to := navgraph.VertexID(q.Get("from")), navgraph.VertexID(q.Get("to"))
	if from == "" || to == "" {
		writeJSONError(w, http.StatusBadRequest, "from and to required")
		return
	}
	var avoid navgraph.Avoid
	for _, l := range q["avoid"] {
		avoid.Lanes = append(avoid.Lanes, navgraph.LaneID(l))
	}
	for _, v := range q["avoid_vertex"] {
		avoid.Vertices = append(avoid.Vertices, navgraph.VertexID(v))
	}
	alternate := len(avoid.Lanes) > 0 || len(avoid.Vertices) > 0

	g := a.Fleet.Graph()
	var (
		path navgraph.Path
		err  error
	)
	if alternate {
		path, err = g.AlternatePath(from, to, avoid)
	} else {
		path, err = g.ShortestPath(from, to)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	cost, err := g.PathWeight(path)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, models.Route{From: string(from), To: string(to), Path: pathStrings(path), Cost: cost, Alternate: alternate})
}

// GET /events?type=&agent=&task_id=&after=&limit= reads the persisted event log.
func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if a.Store == nil {
		writeJSONError(w, http.StatusNotFound, "event log disabled")
		return
	}
	q := r.URL.Query()
	f := store.EventFilter{
		Type:   events.Kind(q.Get("type")),
		Agent:  q.Get("agent"),
		TaskID: q.Get("task_id"),
	}
	if s := q.Get("after"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid after")
			return
		}
		f.AfterSeq = n
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	recs, err := a.Store.ListEvents(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(recs))
}

// handleTextMetrics is the /metrics fallback when OTel is not initialised.
func (a *App) handleTextMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	states := make(map[string]int)
	for _, v := range a.Fleet.Agents() {
		states[v.State.String()]++
	}
	tasks := make(map[string]int)
	for _, t := range a.Fleet.Tasks() {
		tasks[string(t.Status)]++
	}
	_, _ = fmt.Fprintf(w, "# TYPE lanekeeper_agents gauge\n")
	for _, s := range []string{models.StateIdle, models.StateMoving, models.StateWaiting, models.StateCharging} {
		_, _ = fmt.Fprintf(w, "lanekeeper_agents{state=%q} %d\n", s, states[s])
	}
	_, _ = fmt.Fprintf(w, "# TYPE lanekeeper_tasks gauge\n")
	for _, s := range []string{models.StatusPending, models.StatusActive, models.StatusBlocked} {
		_, _ = fmt.Fprintf(w, "lanekeeper_tasks{status=%q} %d\n", s, tasks[s])
	}
	st := a.Fleet.Traffic().Stats()
	_, _ = fmt.Fprintf(w, "# TYPE lanekeeper_reservations_total counter\n")
	keys := map[string]int64{"granted": st.Granted, "denied": st.Denied, "deferred": st.Deferred, "released": st.Released}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		_, _ = fmt.Fprintf(w, "lanekeeper_reservations_total{outcome=%q} %d\n", k, keys[k])
	}
	_, _ = fmt.Fprintf(w, "# TYPE lanekeeper_deadlocks_total counter\nlanekeeper_deadlocks_total %d\n", st.Deadlocks)
}

func pathStrings(p navgraph.Path) []string {
	out := make([]string, len(p))
	for i, v := range p {
		out[i] = string(v)
	}
	return out
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
