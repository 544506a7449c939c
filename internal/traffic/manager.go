package traffic

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ankittk/lanekeeper/internal/events"
)

// Options configures a Manager.
type Options struct {
	// Priority ranks agents for deadlock resolution; the lowest value in a
	// cycle is forced to replan. Typically remaining battery. Nil ranks all equal.
	Priority func(AgentID) float64
	// Emit receives every grant, denial, deferral, release and deadlock.
	Emit events.Emitter
	// Now overrides the clock.
	Now func() time.Time
}

// Manager is the reservation table. Safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	table    map[ResourceID][]Reservation
	queue    map[ResourceID][]AgentID
	waiting  map[AgentID]ResourceID
	deferred map[AgentID]int
	forced   map[AgentID]ResourceID
	stats    Stats

	priority func(AgentID) float64
	emit     events.Emitter
	now      func() time.Time
}

func NewManager(opts Options) *Manager {
	m := &Manager{
		table:    make(map[ResourceID][]Reservation),
		queue:    make(map[ResourceID][]AgentID),
		waiting:  make(map[AgentID]ResourceID),
		deferred: make(map[AgentID]int),
		forced:   make(map[AgentID]ResourceID),
		priority: opts.Priority,
		emit:     opts.Emit,
		now:      opts.Now,
	}
	if m.emit == nil {
		m.emit = events.Discard
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.priority == nil {
		m.priority = func(AgentID) float64 { return 0 }
	}
	return m
}

// Request asks for res on behalf of agent for window w (a zero Start means now).
//
// The request is Granted when no other agent holds an overlapping window and
// no earlier waiter is queued for res. It is Deferred when the blocking agent
// is itself waiting on something agent holds, and Denied otherwise. A denied
// or deferred agent is queued on res and stays queued until res is granted to
// it, it is refused something else, or it withdraws. An agent deferred more
// than once triggers deadlock detection on the spot.
//
// A request whose ctx is already done is never granted; ctx.Err() is returned.
func (m *Manager) Request(ctx context.Context, agent AgentID, res ResourceID, w Window) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	now := m.now()
	if w.Start.IsZero() {
		w.Start = now
	}
	m.prune(res, now)

	if r, ok := m.forced[agent]; ok && r == res {
		delete(m.forced, agent)
		m.dequeue(agent)
		holder, _ := m.blocker(agent, res, w)
		d := Decision{Outcome: Denied, Resource: res, Agent: agent, Holder: holder, Forced: true}
		m.record(d, now)
		return d, nil
	}

	holder, blocked := m.blocker(agent, res, w)
	if !blocked {
		if !m.holdsOverlapping(agent, res, w) {
			m.table[res] = append(m.table[res], Reservation{Resource: res, Agent: agent, Window: w, GrantedAt: now})
		}
		// A grant for anything other than the awaited resource leaves the
		// wait entry, its deferral count and any forced replan in place.
		if m.waiting[agent] == res {
			m.dequeue(agent)
			delete(m.deferred, agent)
		}
		d := Decision{Outcome: Granted, Resource: res, Agent: agent}
		m.record(d, now)
		return d, nil
	}

	m.enqueue(agent, res)
	d := Decision{Outcome: Denied, Resource: res, Agent: agent, Holder: holder}
	if m.waitsOnMine(holder, agent, now) {
		d.Outcome = Deferred
		m.deferred[agent]++
	}
	m.record(d, now)

	if d.Outcome == Deferred && m.deferred[agent] > 1 {
		for _, r := range m.resolveLocked(now) {
			if r.Victim == agent {
				delete(m.forced, agent)
				m.dequeue(agent)
				d = Decision{Outcome: Denied, Resource: res, Agent: agent, Holder: holder, Forced: true}
				m.record(d, now)
			}
		}
	}
	return d, nil
}

// blocker returns the agent standing between agent and res: a holder with an
// overlapping window, or else the head of the wait queue if that is someone else.
func (m *Manager) blocker(agent AgentID, res ResourceID, w Window) (AgentID, bool) {
	for _, r := range m.table[res] {
		if r.Agent != agent && r.Window.Overlaps(w) {
			return r.Agent, true
		}
	}
	if q := m.queue[res]; len(q) > 0 && q[0] != agent {
		return q[0], true
	}
	return "", false
}

func (m *Manager) holdsOverlapping(agent AgentID, res ResourceID, w Window) bool {
	for _, r := range m.table[res] {
		if r.Agent == agent && r.Window.Overlaps(w) {
			return true
		}
	}
	return false
}

// waitsOnMine reports whether holder is waiting on a resource that agent holds now.
func (m *Manager) waitsOnMine(holder, agent AgentID, now time.Time) bool {
	res, ok := m.waiting[holder]
	if !ok {
		return false
	}
	for _, r := range m.table[res] {
		if r.Agent == agent && r.Window.Contains(now) {
			return true
		}
	}
	return false
}

func (m *Manager) enqueue(agent AgentID, res ResourceID) {
	if prev, ok := m.waiting[agent]; ok && prev == res {
		return
	}
	m.dequeue(agent)
	delete(m.deferred, agent)
	m.waiting[agent] = res
	m.queue[res] = append(m.queue[res], agent)
}

func (m *Manager) dequeue(agent AgentID) {
	res, ok := m.waiting[agent]
	if !ok {
		return
	}
	delete(m.waiting, agent)
	q := m.queue[res]
	for i, a := range q {
		if a == agent {
			q = append(q[:i:i], q[i+1:]...)
			break
		}
	}
	if len(q) == 0 {
		delete(m.queue, res)
	} else {
		m.queue[res] = q
	}
}

// prune drops finite windows on res that ended at or before now.
func (m *Manager) prune(res ResourceID, now time.Time) {
	rs := m.table[res]
	kept := rs[:0]
	for _, r := range rs {
		if !r.Window.End.IsZero() && !r.Window.End.After(now) {
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(m.table, res)
		return
	}
	m.table[res] = kept
}

func (m *Manager) record(d Decision, now time.Time) {
	var kind events.Kind
	switch d.Outcome {
	case Granted:
		m.stats.Granted++
		kind = events.ReservationGranted
	case Deferred:
		m.stats.Deferred++
		kind = events.ReservationDeferred
	default:
		m.stats.Denied++
		kind = events.ReservationDenied
	}
	ev := events.Event{
		Type:      kind,
		Timestamp: now,
		Agent:     string(d.Agent),
		Resource:  string(d.Resource),
		Outcome:   d.Outcome.String(),
	}
	if d.Holder != "" || d.Forced {
		ev.Data = map[string]any{"holder": string(d.Holder)}
		if d.Forced {
			ev.Data["forced"] = true
		}
	}
	m.emit(ev)
}

// Release drops agent's reservations on res. Releasing something not held by
// agent is a no-op.
func (m *Manager) Release(agent AgentID, res ResourceID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked(agent, res, m.now())
}

func (m *Manager) releaseLocked(agent AgentID, res ResourceID, now time.Time) bool {
	rs := m.table[res]
	kept := rs[:0]
	released := false
	for _, r := range rs {
		if r.Agent == agent {
			released = true
			continue
		}
		kept = append(kept, r)
	}
	if !released {
		return false
	}
	if len(kept) == 0 {
		delete(m.table, res)
	} else {
		m.table[res] = kept
	}
	m.stats.Released++
	m.emit(events.Event{
		Type:      events.ReservationReleased,
		Timestamp: now,
		Agent:     string(agent),
		Resource:  string(res),
		Outcome:   "released",
	})
	return true
}

// ReleaseAll drops every reservation agent holds except those in keep, and
// returns what was released in sorted order.
func (m *Manager) ReleaseAll(agent AgentID, keep ...ResourceID) []ResourceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	skip := make(map[ResourceID]bool, len(keep))
	for _, k := range keep {
		skip[k] = true
	}
	now := m.now()
	var out []ResourceID
	for _, res := range m.heldLocked(agent) {
		if skip[res] {
			continue
		}
		if m.releaseLocked(agent, res, now) {
			out = append(out, res)
		}
	}
	return out
}

// Withdraw removes agent from any wait queue and clears its deferral and
// forced-replan state.
func (m *Manager) Withdraw(agent AgentID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dequeue(agent)
	delete(m.deferred, agent)
	delete(m.forced, agent)
}

// Holdings returns the resources agent holds, sorted.
func (m *Manager) Holdings(agent AgentID) []ResourceID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.heldLocked(agent)
}

func (m *Manager) heldLocked(agent AgentID) []ResourceID {
	var out []ResourceID
	for res, rs := range m.table {
		for _, r := range rs {
			if r.Agent == agent {
				out = append(out, res)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Holder returns the agent holding res right now.
func (m *Manager) Holder(res ResourceID) (AgentID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, r := range m.table[res] {
		if r.Window.Contains(now) {
			return r.Agent, true
		}
	}
	return "", false
}

// WaitingOn returns the resource agent is queued on, if any.
func (m *Manager) WaitingOn(agent AgentID) (ResourceID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.waiting[agent]
	return res, ok
}

// Snapshot returns a copy of the reservation table sorted by resource then start.
func (m *Manager) Snapshot() []Reservation {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Reservation
	for _, rs := range m.table {
		out = append(out, rs...)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resource != out[j].Resource {
			return out[i].Resource < out[j].Resource
		}
		return out[i].Window.Start.Before(out[j].Window.Start)
	})
	return out
}

// Stats returns the running counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// CheckMutualExclusion verifies no resource carries overlapping windows for
// different agents.
func (m *Manager) CheckMutualExclusion() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for res, rs := range m.table {
		for i := range rs {
			for j := i + 1; j < len(rs); j++ {
				if rs[i].Agent != rs[j].Agent && rs[i].Window.Overlaps(rs[j].Window) {
					return fmt.Errorf("resource %s held by %s and %s", res, rs[i].Agent, rs[j].Agent)
				}
			}
		}
	}
	return nil
}
