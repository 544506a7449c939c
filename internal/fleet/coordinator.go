// Package fleet assigns navigation tasks to agents and drives each agent,
// segment by segment, through the traffic manager.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ankittk/lanekeeper/internal/agent"
	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

// Options configures a Coordinator. Zero Config means DefaultConfig.
type Options struct {
	Config   Config
	Emit     events.Emitter
	Archive  Archive
	Notifier Notifier
}

type worker struct {
	id    traffic.AgentID
	agent *agent.Agent
	wake  chan struct{}
	// moveMu orders lane entry against cancellation.
	moveMu sync.Mutex

	// guarded by Coordinator.mu
	queue    []string
	current  string
	cancel   context.CancelFunc
	stranded bool
	started  bool
}

// Coordinator owns the agents, the task table and the traffic manager.
//
// Lock order: mu, then agentsMu, then the traffic manager, then an agent.
// The traffic manager calls back into priority, which takes agentsMu only.
type Coordinator struct {
	graph    *navgraph.Graph
	traffic  *traffic.Manager
	cfg      Config
	emit     events.Emitter
	archive  Archive
	notifier Notifier

	agentsMu sync.RWMutex
	agents   map[traffic.AgentID]*worker

	mu     sync.Mutex
	tasks  map[string]*Task
	done   map[string]Task
	seq    int
	paused bool
	resume chan struct{}
	runCtx context.Context
	wg     sync.WaitGroup
}

func New(g *navgraph.Graph, opts Options) (*Coordinator, error) {
	if g == nil {
		return nil, errors.New("fleet: nil graph")
	}
	cfg := opts.Config
	if cfg == (Config{}) {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fleet config: %w", err)
	}
	c := &Coordinator{
		graph:    g,
		cfg:      cfg,
		emit:     opts.Emit,
		archive:  opts.Archive,
		notifier: opts.Notifier,
		agents:   make(map[traffic.AgentID]*worker),
		tasks:    make(map[string]*Task),
		done:     make(map[string]Task),
	}
	if c.emit == nil {
		c.emit = events.Discard
	}
	c.traffic = traffic.NewManager(traffic.Options{Priority: c.priority, Emit: c.emit})
	return c, nil
}

func (c *Coordinator) Graph() *navgraph.Graph { return c.graph }

func (c *Coordinator) Traffic() *traffic.Manager { return c.traffic }

func (c *Coordinator) Config() Config { return c.cfg }

// priority ranks agents for deadlock victim selection: lowest battery loses.
// Holders that are not fleet agents are never chosen.
func (c *Coordinator) priority(id traffic.AgentID) float64 {
	w, ok := c.worker(id)
	if !ok {
		return math.Inf(1)
	}
	return w.agent.Battery()
}

func (c *Coordinator) publish(ev events.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	c.emit(ev)
}

func (c *Coordinator) worker(id traffic.AgentID) (*worker, bool) {
	c.agentsMu.RLock()
	defer c.agentsMu.RUnlock()
	w, ok := c.agents[id]
	return w, ok
}

// workers returns every worker sorted by id.
func (c *Coordinator) workers() []*worker {
	c.agentsMu.RLock()
	out := make([]*worker, 0, len(c.agents))
	for _, w := range c.agents {
		out = append(out, w)
	}
	c.agentsMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// Run starts a runner per agent plus the periodic deadlock detector and
// blocks until ctx is done and every runner has returned.
func (c *Coordinator) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.runCtx != nil {
		c.mu.Unlock()
		return ErrRunning
	}
	c.runCtx = ctx
	for _, w := range c.workers() {
		c.startLocked(w)
	}
	c.mu.Unlock()

	ticker := time.NewTicker(c.cfg.DeadlockInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return nil
		case <-ticker.C:
			if res := c.traffic.ResolveDeadlocks(); len(res) > 0 {
				slog.Warn("deadlocks resolved", "count", len(res))
			}
		}
	}
}

func (c *Coordinator) startLocked(w *worker) {
	if w.started || c.runCtx == nil || c.runCtx.Err() != nil {
		return
	}
	w.started = true
	c.wg.Add(1)
	go c.runAgent(c.runCtx, w)
}

// SpawnAgent places a new agent on vertex at and reserves it. An empty id is
// generated. The vertex must exist and be free.
func (c *Coordinator) SpawnAgent(ctx context.Context, id traffic.AgentID, at navgraph.VertexID, battery float64) (agent.Snapshot, error) {
	if !c.graph.HasVertex(at) {
		return agent.Snapshot{}, fmt.Errorf("%w: %q", navgraph.ErrUnknownVertex, at)
	}
	if id == "" {
		c.mu.Lock()
		for {
			c.seq++
			id = traffic.AgentID(fmt.Sprintf("agent-%d", c.seq))
			if _, taken := c.worker(id); !taken {
				break
			}
		}
		c.mu.Unlock()
	}
	if _, ok := c.worker(id); ok {
		return agent.Snapshot{}, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}

	res := traffic.VertexResource(at)
	d, err := c.traffic.Request(ctx, id, res, traffic.Window{})
	if err != nil {
		return agent.Snapshot{}, err
	}
	if d.Outcome != traffic.Granted {
		c.traffic.Withdraw(id)
		return agent.Snapshot{}, fmt.Errorf("%w: %s held by %s", ErrVertexOccupied, at, d.Holder)
	}

	w := &worker{
		id:    id,
		agent: agent.New(string(id), at, battery, c.cfg.Battery),
		wake:  make(chan struct{}, 1),
	}
	c.agentsMu.Lock()
	if _, dup := c.agents[id]; dup {
		c.agentsMu.Unlock()
		return agent.Snapshot{}, fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	c.agents[id] = w
	c.agentsMu.Unlock()

	snap := w.agent.Snapshot()
	c.publish(events.Event{
		Type:  events.AgentSpawned,
		Agent: string(id),
		Data:  map[string]any{"vertex": string(at), "battery": snap.Battery},
	})
	slog.Info("agent spawned", "agent", id, "vertex", at, "battery", snap.Battery)

	c.mu.Lock()
	c.startLocked(w)
	c.mu.Unlock()
	return snap, nil
}

// SubmitTask creates a task to reach destination and assigns it. With an
// empty preferred agent the lowest score (distance - BatteryWeight*battery)
// wins among agents that are free, not charging and not low on battery; when
// none qualify the best score overall wins and the task queues behind that
// agent's current work. A destination no agent can reach yields a blocked task.
func (c *Coordinator) SubmitTask(ctx context.Context, destination navgraph.VertexID, preferred traffic.AgentID) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	if !c.graph.HasVertex(destination) {
		return Task{}, fmt.Errorf("%w: %q", navgraph.ErrUnknownVertex, destination)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workers()
	if len(ws) == 0 {
		return Task{}, ErrNoAgents
	}

	var chosen *worker
	if preferred != "" {
		w, ok := c.worker(preferred)
		if !ok {
			return Task{}, fmt.Errorf("%w: %s", ErrAgentNotFound, preferred)
		}
		if _, err := c.graph.Distance(planningVertex(w.agent.Position()), destination); err == nil {
			chosen = w
		}
	} else {
		chosen = c.selectLocked(ws, destination)
	}

	now := time.Now().UTC()
	t := &Task{
		ID:          uuid.NewString(),
		Agent:       preferred,
		Destination: destination,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	c.tasks[t.ID] = t
	c.publish(events.Event{
		Type:   events.TaskSubmitted,
		TaskID: t.ID,
		Data:   map[string]any{"destination": string(destination)},
	})

	if chosen == nil {
		c.blockLocked(t, ReasonUnreachable, events.SeverityWarning)
		return t.clone(), nil
	}
	c.assignLocked(t, chosen)
	return t.clone(), nil
}

// RetryTask reassigns a blocked task as if it were newly submitted.
func (c *Coordinator) RetryTask(ctx context.Context, id string) (Task, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return Task{}, c.missing(ctx, id)
	}
	defer c.mu.Unlock()
	if t.Status != StatusBlocked {
		return Task{}, fmt.Errorf("%w: %s is %s", ErrNotBlocked, id, t.Status)
	}
	ws := c.workers()
	for _, w := range ws {
		w.queue = without(w.queue, id)
	}
	chosen := c.selectLocked(ws, t.Destination)
	if chosen == nil {
		t.Reason = ReasonUnreachable
		t.UpdatedAt = time.Now().UTC()
		return t.clone(), nil
	}
	t.Status = StatusPending
	t.Reason = ""
	c.assignLocked(t, chosen)
	return t.clone(), nil
}

func (c *Coordinator) assignLocked(t *Task, w *worker) {
	t.Agent = w.id
	t.UpdatedAt = time.Now().UTC()
	w.queue = append(w.queue, t.ID)
	c.publish(events.Event{
		Type:   events.TaskAssigned,
		Agent:  string(w.id),
		TaskID: t.ID,
		Data:   map[string]any{"destination": string(t.Destination), "queued": len(w.queue)},
	})
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// selectLocked picks the agent for destination, or nil when no agent can reach it.
func (c *Coordinator) selectLocked(ws []*worker, destination navgraph.VertexID) *worker {
	var best, fallback *worker
	var bestScore, fallbackScore float64
	for _, w := range ws {
		snap := w.agent.Snapshot()
		d, err := c.graph.Distance(planningVertex(snap.Position), destination)
		if err != nil {
			continue
		}
		score := d - c.cfg.BatteryWeight*snap.Battery
		busy := w.current != "" || len(w.queue) > 0
		if !busy && snap.State != agent.Charging && !w.agent.NeedsCharge() {
			if best == nil || score < bestScore {
				best, bestScore = w, score
			}
		}
		if fallback == nil || score < fallbackScore {
			fallback, fallbackScore = w, score
		}
	}
	if best != nil {
		return best
	}
	return fallback
}

// planningVertex is where a new plan starts: the current vertex, or the end of
// the lane being traversed.
func planningVertex(p agent.Position) navgraph.VertexID {
	if p.OnLane() {
		return p.Target
	}
	return p.Vertex
}

// physical lists the resources an agent occupies with its body.
func physical(p agent.Position) []traffic.ResourceID {
	if p.OnLane() {
		return []traffic.ResourceID{traffic.LaneResource(p.Lane), traffic.VertexResource(p.Target)}
	}
	return []traffic.ResourceID{traffic.VertexResource(p.Vertex)}
}

// CancelTask stops a task. Wait entries and every reservation the agent does
// not physically occupy are dropped at once; a segment already being
// traversed is finished before the agent idles.
func (c *Coordinator) CancelTask(ctx context.Context, id string) (Task, error) {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return Task{}, c.missing(ctx, id)
	}
	t.Status = StatusCancelled
	t.Reason = ""
	t.UpdatedAt = time.Now().UTC()
	c.publish(events.Event{Type: events.TaskCancelled, Agent: string(t.Agent), TaskID: id})

	var archived *Task
	w, _ := c.worker(t.Agent)
	if w != nil && w.current == id {
		if w.cancel != nil {
			w.cancel()
		}
		w.moveMu.Lock()
		c.traffic.Withdraw(w.id)
		c.traffic.ReleaseAll(w.id, physical(w.agent.Position())...)
		w.moveMu.Unlock()
	} else {
		if w != nil {
			w.queue = without(w.queue, id)
		}
		archived = c.archiveLocked(t)
	}
	out := t.clone()
	c.mu.Unlock()

	if archived != nil {
		c.persist(ctx, *archived)
	}
	return out, nil
}

// missing builds the error for an id not in the live table.
func (c *Coordinator) missing(ctx context.Context, id string) error {
	c.mu.Lock()
	_, done := c.done[id]
	c.mu.Unlock()
	if !done && c.archive != nil {
		if _, ok, err := c.archive.LoadTask(ctx, id); err == nil && ok {
			done = true
		}
	}
	if done {
		return fmt.Errorf("%w: %s", ErrTaskFinished, id)
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Status looks a task up in the live table, then in the archive.
func (c *Coordinator) Status(ctx context.Context, id string) (Task, error) {
	c.mu.Lock()
	if t, ok := c.tasks[id]; ok {
		out := t.clone()
		c.mu.Unlock()
		return out, nil
	}
	if t, ok := c.done[id]; ok {
		c.mu.Unlock()
		return t.clone(), nil
	}
	c.mu.Unlock()

	if c.archive != nil {
		t, ok, err := c.archive.LoadTask(ctx, id)
		if err != nil {
			return Task{}, fmt.Errorf("load task %s: %w", id, err)
		}
		if ok {
			return t, nil
		}
	}
	return Task{}, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// Tasks returns live and recently finished tasks, oldest first.
func (c *Coordinator) Tasks() []Task {
	c.mu.Lock()
	out := make([]Task, 0, len(c.tasks)+len(c.done))
	for _, t := range c.tasks {
		out = append(out, t.clone())
	}
	for _, t := range c.done {
		out = append(out, t.clone())
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AgentView is an agent snapshot plus its work queue.
type AgentView struct {
	agent.Snapshot
	Task     string `json:"task,omitempty"`
	Queued   int    `json:"queued"`
	Stranded bool   `json:"stranded,omitempty"`
}

func (c *Coordinator) view(w *worker) AgentView {
	return AgentView{
		Snapshot: w.agent.Snapshot(),
		Task:     w.current,
		Queued:   len(w.queue),
		Stranded: w.stranded,
	}
}

// Agents returns every agent sorted by id.
func (c *Coordinator) Agents() []AgentView {
	c.mu.Lock()
	defer c.mu.Unlock()
	ws := c.workers()
	out := make([]AgentView, len(ws))
	for i, w := range ws {
		out[i] = c.view(w)
	}
	return out
}

func (c *Coordinator) Agent(id traffic.AgentID) (AgentView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.worker(id)
	if !ok {
		return AgentView{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return c.view(w), nil
}

// Reservations returns the current reservation table.
func (c *Coordinator) Reservations() []traffic.Reservation {
	return c.traffic.Snapshot()
}

// EmergencyStop pauses every agent at its next segment boundary.
func (c *Coordinator) EmergencyStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.paused = true
	c.resume = make(chan struct{})
	c.publish(events.Event{Type: events.FleetStopped, Severity: events.SeverityWarning})
	slog.Warn("fleet emergency stop")
}

// Resume releases agents paused by EmergencyStop.
func (c *Coordinator) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.paused = false
	close(c.resume)
	c.publish(events.Event{Type: events.FleetResumed})
	slog.Info("fleet resumed")
}

func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// gate blocks while the fleet is stopped. It returns false if ctx ends first.
func (c *Coordinator) gate(ctx context.Context) bool {
	c.mu.Lock()
	if !c.paused {
		c.mu.Unlock()
		return ctx.Err() == nil
	}
	ch := c.resume
	c.mu.Unlock()
	select {
	case <-ctx.Done():
		return false
	case <-ch:
		return true
	}
}

func (c *Coordinator) blockLocked(t *Task, reason string, sev events.Severity) {
	t.Status = StatusBlocked
	t.Reason = reason
	t.UpdatedAt = time.Now().UTC()
	c.publish(events.Event{
		Type:     events.TaskBlocked,
		Agent:    string(t.Agent),
		TaskID:   t.ID,
		Outcome:  reason,
		Severity: sev,
	})
}

// archiveLocked moves a finished task out of the live table.
func (c *Coordinator) archiveLocked(t *Task) *Task {
	delete(c.tasks, t.ID)
	cp := t.clone()
	c.done[t.ID] = cp
	return &cp
}

func (c *Coordinator) persist(ctx context.Context, t Task) {
	if c.archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.archive.SaveTask(ctx, t); err != nil {
		slog.Error("archive task failed", "task_id", t.ID, "err", err)
	}
}

func (t *Task) clone() Task {
	out := *t
	out.Path = append(navgraph.Path(nil), t.Path...)
	return out
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
