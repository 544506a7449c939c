package traffic

import (
	"sort"
	"time"

	"github.com/ankittk/lanekeeper/internal/events"
)

// waitFor builds the wait-for graph: A -> B when A is queued on a resource
// that B holds, or A is queued behind B. Each agent waits on at most one
// resource, so every node has at most one outgoing edge.
func (m *Manager) waitFor(now time.Time) map[AgentID]AgentID {
	edges := make(map[AgentID]AgentID, len(m.waiting))
	for a, res := range m.waiting {
		if b, ok := m.blocker(a, res, Open(now)); ok {
			edges[a] = b
		}
	}
	return edges
}

// cycles returns every cycle in the wait-for graph. Each cycle starts at its
// smallest agent id; cycles are ordered by that id.
func (m *Manager) cycles(now time.Time) [][]AgentID {
	edges := m.waitFor(now)
	nodes := make([]AgentID, 0, len(edges))
	for a := range edges {
		nodes = append(nodes, a)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i] < nodes[j] })

	const (
		unseen = iota
		onPath
		done
	)
	state := make(map[AgentID]int, len(nodes))
	var out [][]AgentID
	for _, start := range nodes {
		if state[start] != unseen {
			continue
		}
		var path []AgentID
		pos := make(map[AgentID]int)
		cur := start
		for {
			if state[cur] == onPath {
				out = append(out, rotate(path[pos[cur]:]))
				break
			}
			if state[cur] == done {
				break
			}
			state[cur] = onPath
			pos[cur] = len(path)
			path = append(path, cur)
			next, ok := edges[cur]
			if !ok {
				break
			}
			cur = next
		}
		for _, a := range path {
			state[a] = done
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

func rotate(cycle []AgentID) []AgentID {
	lo := 0
	for i, a := range cycle {
		if a < cycle[lo] {
			lo = i
		}
	}
	out := make([]AgentID, 0, len(cycle))
	out = append(out, cycle[lo:]...)
	return append(out, cycle[:lo]...)
}

// DetectDeadlock returns the agents on any wait-for cycle, sorted. Empty means
// no deadlock.
func (m *Manager) DetectDeadlock() []AgentID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AgentID
	for _, c := range m.cycles(m.now()) {
		out = append(out, c...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveDeadlocks breaks every current cycle. In each cycle the agent with
// the lowest priority (ties to the smallest id) is removed from its wait queue
// and its next request for that resource is denied with Forced set.
func (m *Manager) ResolveDeadlocks() []Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked(m.now())
}

func (m *Manager) resolveLocked(now time.Time) []Resolution {
	var out []Resolution
	for _, cycle := range m.cycles(now) {
		victim := cycle[0]
		best := m.priority(victim)
		for _, a := range cycle[1:] {
			if p := m.priority(a); p < best || (p == best && a < victim) {
				victim, best = a, p
			}
		}
		res := m.waiting[victim]
		m.forced[victim] = res
		m.dequeue(victim)
		delete(m.deferred, victim)
		m.stats.Deadlocks++

		names := make([]string, len(cycle))
		for i, a := range cycle {
			names[i] = string(a)
		}
		m.emit(events.Event{
			Type:      events.DeadlockDetected,
			Timestamp: now,
			Severity:  events.SeverityWarning,
			Data:      map[string]any{"agents": names},
		})
		m.emit(events.Event{
			Type:      events.DeadlockResolved,
			Timestamp: now,
			Agent:     string(victim),
			Resource:  string(res),
			Outcome:   "forced_replan",
			Data:      map[string]any{"agents": names},
		})
		out = append(out, Resolution{Cycle: cycle, Victim: victim, Resource: res})
	}
	return out
}
