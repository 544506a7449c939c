package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ankittk/lanekeeper/internal/agent"
	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

type outcome int

const (
	outcomeArrived outcome = iota
	outcomeCancelled
	outcomeBlocked
	outcomeLowBattery
)

type result struct {
	outcome outcome
	reason  string
}

type grant int

const (
	grantOK grant = iota
	grantCancelled
	grantExhausted
	grantForced
	grantLowBattery
)

// runAgent is the per-agent loop: charge when low, otherwise work the queue,
// otherwise idle.
func (c *Coordinator) runAgent(ctx context.Context, w *worker) {
	defer c.wg.Done()
	idle := time.NewTicker(c.cfg.IdleInterval)
	defer idle.Stop()
	last := time.Now()
	for {
		if !c.gate(ctx) {
			return
		}
		if w.agent.NeedsCharge() && !c.isStranded(w) {
			c.recharge(ctx, w)
			last = time.Now()
			continue
		}
		if id, ok := c.next(w); ok {
			c.execute(ctx, w, id)
			last = time.Now()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-w.wake:
		case now := <-idle.C:
			c.idle(w, now.Sub(last))
			last = now
		}
	}
}

// next pops the agent's next runnable task and marks it active. A stranded
// agent blocks its queued tasks instead.
func (c *Coordinator) next(w *worker) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(w.queue) > 0 {
		id := w.queue[0]
		w.queue = w.queue[1:]
		t := c.tasks[id]
		if t == nil || t.Status.Terminal() {
			continue
		}
		if w.stranded && w.agent.NeedsCharge() {
			c.blockLocked(t, ReasonNoStation, events.SeverityCritical)
			continue
		}
		w.current = id
		t.Status = StatusActive
		t.Reason = ""
		t.UpdatedAt = time.Now().UTC()
		c.publish(events.Event{Type: events.TaskStarted, Agent: string(w.id), TaskID: id})
		return id, true
	}
	return "", false
}

func (c *Coordinator) execute(ctx context.Context, w *worker, id string) {
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	t := c.tasks[id]
	if t == nil {
		w.current = ""
		c.mu.Unlock()
		return
	}
	w.cancel = cancel
	dest := t.Destination
	cancelled := t.Status == StatusCancelled
	c.mu.Unlock()

	res := result{outcome: outcomeCancelled}
	if !cancelled {
		res = c.navigate(ctx, tctx, w, dest, id)
	}
	c.finish(ctx, w, id, res)
}

func (c *Coordinator) finish(ctx context.Context, w *worker, id string, res result) {
	var archived *Task
	c.mu.Lock()
	w.current, w.cancel = "", nil
	t := c.tasks[id]
	switch {
	case t == nil:
		c.settle(w, id)
	case t.Status == StatusCancelled:
		c.settle(w, id)
		archived = c.archiveLocked(t)
	case res.outcome == outcomeArrived:
		w.agent.CountCompleted()
		c.settle(w, id)
		t.Status = StatusCompleted
		t.UpdatedAt = time.Now().UTC()
		c.publish(events.Event{
			Type:   events.TaskCompleted,
			Agent:  string(w.id),
			TaskID: id,
			Data:   map[string]any{"path": pathStrings(t.Path), "replans": t.Replans},
		})
		archived = c.archiveLocked(t)
	case res.outcome == outcomeCancelled:
		// Shutdown: leave the task as it was.
		c.settle(w, id)
	case res.outcome == outcomeLowBattery:
		c.settle(w, id)
		c.blockLocked(t, ReasonLowBattery, events.SeverityWarning)
		w.queue = append([]string{id}, w.queue...)
	default:
		c.settle(w, id)
		c.blockLocked(t, res.reason, events.SeverityWarning)
	}
	c.mu.Unlock()

	c.releaseExtra(w)
	if archived != nil {
		c.persist(ctx, *archived)
	}
}

// releaseExtra drops wait entries and every reservation the agent is not
// standing on.
func (c *Coordinator) releaseExtra(w *worker) {
	w.moveMu.Lock()
	defer w.moveMu.Unlock()
	c.traffic.Withdraw(w.id)
	c.traffic.ReleaseAll(w.id, physical(w.agent.Position())...)
}

// navigate drives w to goal. Traversal runs under root so that a segment in
// progress always completes; reservation requests run under tctx.
func (c *Coordinator) navigate(root, tctx context.Context, w *worker, goal navgraph.VertexID, taskID string) result {
	path, err := c.graph.ShortestPath(w.agent.Position().Vertex, goal)
	if err != nil {
		return result{outcome: outcomeBlocked, reason: err.Error()}
	}
	c.setPath(taskID, path, false)

	replans := 0
	for i := 0; i < len(path)-1; {
		if tctx.Err() != nil || !c.gate(tctx) {
			return result{outcome: outcomeCancelled}
		}
		from, to := path[i], path[i+1]
		lane, ok := c.graph.Lane(from, to)
		if !ok {
			return result{outcome: outcomeBlocked, reason: fmt.Sprintf("no lane %s", navgraph.MakeLaneID(from, to))}
		}

		switch g := c.acquire(tctx, w, lane, taskID); g {
		case grantOK:
			c.traverse(root, w, lane, taskID)
			if root.Err() != nil {
				return result{outcome: outcomeCancelled}
			}
			i++
			if taskID != "" && i < len(path)-1 && w.agent.NeedsCharge() {
				return result{outcome: outcomeLowBattery}
			}
		case grantCancelled:
			return result{outcome: outcomeCancelled}
		case grantLowBattery:
			return result{outcome: outcomeLowBattery}
		default:
			replans++
			w.agent.CountReplan(g == grantForced)
			if replans > c.cfg.MaxReplans {
				return result{outcome: outcomeBlocked, reason: ReasonRetriesExceeded}
			}
			avoid := navgraph.Avoid{Lanes: []navgraph.LaneID{lane.ID()}}
			if to != goal {
				avoid.Vertices = []navgraph.VertexID{to}
			}
			alt, err := c.graph.AlternatePath(from, goal, avoid)
			if err != nil {
				return result{outcome: outcomeBlocked, reason: err.Error()}
			}
			path, i = alt, 0
			c.setPath(taskID, path, true)
			slog.Info("route replanned", "agent", w.id, "task_id", taskID, "forced", g == grantForced, "avoid", lane.ID())
		}
	}
	return result{outcome: outcomeArrived}
}

// acquire reserves lane and then its end vertex, retrying the same segment
// while it is contended. The agent waits between attempts and gives up on a
// task once waiting has drained it below the low-battery threshold.
func (c *Coordinator) acquire(tctx context.Context, w *worker, lane navgraph.Lane, taskID string) grant {
	laneRes := traffic.LaneResource(lane.ID())
	vertexRes := traffic.VertexResource(lane.To)
	for attempt := 0; ; attempt++ {
		d, err := c.traffic.Request(tctx, w.id, laneRes, traffic.Window{})
		if err != nil {
			c.traffic.Withdraw(w.id)
			return grantCancelled
		}
		if d.Outcome == traffic.Granted {
			d, err = c.traffic.Request(tctx, w.id, vertexRes, traffic.Window{})
			if err != nil {
				c.traffic.Release(w.id, laneRes)
				c.traffic.Withdraw(w.id)
				return grantCancelled
			}
			if d.Outcome == traffic.Granted {
				if c.enter(tctx, w, lane, taskID) {
					return grantOK
				}
				c.traffic.Release(w.id, laneRes)
				c.traffic.Release(w.id, vertexRes)
				return grantCancelled
			}
			c.traffic.Release(w.id, laneRes)
		}
		if d.Forced {
			c.traffic.Withdraw(w.id)
			return grantForced
		}
		if w.agent.State() != agent.Waiting {
			c.transition(w, agent.Waiting, taskID)
		}
		if taskID != "" && w.agent.NeedsCharge() {
			c.traffic.Withdraw(w.id)
			return grantLowBattery
		}
		if attempt >= c.cfg.SegmentRetries {
			c.traffic.Withdraw(w.id)
			return grantExhausted
		}
		start := time.Now()
		ok := sleep(tctx, c.cfg.RetryBackoff)
		waited := time.Since(start)
		w.agent.AddWait(waited)
		w.agent.IdleDrain(waited)
		if !ok {
			c.traffic.Withdraw(w.id)
			return grantCancelled
		}
	}
}

// enter puts the agent on lane unless the task was cancelled meanwhile.
func (c *Coordinator) enter(tctx context.Context, w *worker, lane navgraph.Lane, taskID string) bool {
	w.moveMu.Lock()
	defer w.moveMu.Unlock()
	if tctx.Err() != nil {
		return false
	}
	c.transition(w, agent.Moving, taskID)
	w.agent.EnterLane(lane)
	return true
}

// traverse advances along a granted lane in ticks, then arrives at its end.
// The start vertex is released on departure and the lane on arrival.
func (c *Coordinator) traverse(root context.Context, w *worker, lane navgraph.Lane, taskID string) {
	c.traffic.Release(w.id, traffic.VertexResource(lane.From))
	c.position(w, taskID)

	steps := 1
	if c.cfg.Tick > 0 {
		dur := lane.Weight / c.cfg.Speed
		steps = int(math.Ceil(dur / c.cfg.Tick.Seconds()))
		if steps < 1 {
			steps = 1
		}
	}
	per := lane.Weight / float64(steps)
	for s := 1; s <= steps; s++ {
		if !sleep(root, c.cfg.Tick) {
			return
		}
		w.agent.Drain(per)
		if err := w.agent.Advance(float64(s) / float64(steps)); err != nil {
			slog.Warn("advance failed", "agent", w.id, "lane", lane.ID(), "err", err)
		}
		if s < steps {
			c.position(w, taskID)
		}
	}

	w.moveMu.Lock()
	w.agent.Arrive(lane.To)
	c.traffic.Release(w.id, traffic.LaneResource(lane.ID()))
	w.moveMu.Unlock()
	c.position(w, taskID)
}

// recharge takes w to the nearest station and charges it to the resume level.
func (c *Coordinator) recharge(ctx context.Context, w *worker) bool {
	at := w.agent.Position().Vertex
	station, dist, err := c.graph.NearestChargingStation(at)
	if err != nil {
		c.strand(w, err)
		return false
	}
	c.publish(events.Event{
		Type:     events.BatteryLow,
		Agent:    string(w.id),
		Severity: events.SeverityWarning,
		Data:     map[string]any{"battery": w.agent.Battery(), "station": string(station), "distance": dist},
	})

	if station != at {
		res := c.navigate(ctx, ctx, w, station, "")
		if res.outcome != outcomeArrived {
			c.settle(w, "")
			c.releaseExtra(w)
			if res.outcome == outcomeBlocked {
				slog.Warn("charging trip blocked", "agent", w.id, "station", station, "reason", res.reason)
				sleep(ctx, c.cfg.IdleInterval)
			}
			return false
		}
	}

	if !c.transition(w, agent.Charging, "") {
		return false
	}
	w.agent.CountCharge()
	step := c.cfg.Tick
	if step <= 0 {
		step = 10 * time.Millisecond
	}
	for !w.agent.Charged() {
		if !sleep(ctx, step) {
			return false
		}
		w.agent.Charge(step)
	}
	c.transition(w, agent.Idle, "")
	slog.Info("agent charged", "agent", w.id, "station", station)
	return true
}

// strand records that w cannot reach any station and raises one alert per
// episode.
func (c *Coordinator) strand(w *worker, cause error) {
	c.mu.Lock()
	already := w.stranded
	w.stranded = true
	c.mu.Unlock()
	if already {
		return
	}
	snap := w.agent.Snapshot()
	slog.Error("agent stranded", "agent", w.id, "vertex", snap.Position.Vertex, "battery", snap.Battery, "err", cause)
	c.publish(events.Event{
		Type:     events.StationUnreachable,
		Agent:    string(w.id),
		Severity: events.SeverityCritical,
		Outcome:  cause.Error(),
		Data:     map[string]any{"vertex": string(snap.Position.Vertex), "battery": snap.Battery},
	})
	if c.notifier == nil {
		return
	}
	msg := fmt.Sprintf("agent %s is stranded at %s with %.0f%% battery: no charging station reachable",
		w.id, c.graph.DisplayName(snap.Position.Vertex), snap.Battery)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.notifier.Notify(ctx, msg); err != nil {
			slog.Warn("alert delivery failed", "agent", w.id, "err", err)
		}
	}()
}

func (c *Coordinator) isStranded(w *worker) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return w.stranded
}

// idle applies drain, or trickle charge on a station, for time spent idle.
func (c *Coordinator) idle(w *worker, dt time.Duration) {
	pos := w.agent.Position()
	if v, ok := c.graph.Vertex(pos.Vertex); ok && v.ChargingStation && !pos.OnLane() {
		w.agent.Charge(dt)
	} else {
		w.agent.IdleDrain(dt)
	}
	if !w.agent.NeedsCharge() {
		c.mu.Lock()
		w.stranded = false
		c.mu.Unlock()
	}
}

func (c *Coordinator) setPath(taskID string, path navgraph.Path, replanned bool) {
	if taskID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tasks[taskID]
	if t == nil {
		return
	}
	t.Path = append(navgraph.Path(nil), path...)
	t.UpdatedAt = time.Now().UTC()
	if replanned {
		t.Replans++
		c.publish(events.Event{
			Type:   events.TaskReplanned,
			Agent:  string(t.Agent),
			TaskID: taskID,
			Data:   map[string]any{"path": pathStrings(path), "replans": t.Replans},
		})
	}
}

// transition applies and emits a state change. Illegal moves are logged and
// reported as false.
func (c *Coordinator) transition(w *worker, to agent.State, taskID string) bool {
	from, err := w.agent.Transition(to)
	if err != nil {
		slog.Warn("agent transition rejected", "agent", w.id, "err", err)
		return false
	}
	c.publish(events.Event{
		Type:    events.AgentState,
		Agent:   string(w.id),
		TaskID:  taskID,
		Outcome: to.String(),
		Data:    map[string]any{"from": from.String(), "to": to.String(), "battery": w.agent.Battery()},
	})
	return true
}

// settle returns a moving or waiting agent to idle.
func (c *Coordinator) settle(w *worker, taskID string) {
	switch w.agent.State() {
	case agent.Moving, agent.Waiting:
		c.transition(w, agent.Idle, taskID)
	}
}

func (c *Coordinator) position(w *worker, taskID string) {
	snap := w.agent.Snapshot()
	data := map[string]any{"vertex": string(snap.Position.Vertex), "battery": snap.Battery}
	if snap.Position.OnLane() {
		data["lane"] = string(snap.Position.Lane)
		data["target"] = string(snap.Position.Target)
		data["progress"] = snap.Position.Progress
	}
	c.publish(events.Event{Type: events.AgentPosition, Agent: string(w.id), TaskID: taskID, Data: data})
}

func pathStrings(p navgraph.Path) []string {
	out := make([]string, len(p))
	for i, v := range p {
		out[i] = string(v)
	}
	return out
}

// sleep waits d or until ctx is done; it reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
