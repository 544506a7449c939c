// Package traffic arbitrates exclusive access to vertices and lanes between
// agents. One mutex guards the whole reservation table; every grant, denial,
// deferral and deadlock is reported synchronously to the caller and emitted as
// an event.
package traffic

import (
	"strings"
	"time"

	"github.com/ankittk/lanekeeper/internal/navgraph"
)

// AgentID identifies an agent.
type AgentID string

// ResourceID names a reservable resource: "v:<vertex>" or "l:<from>-><to>".
type ResourceID string

func VertexResource(v navgraph.VertexID) ResourceID { return ResourceID("v:" + string(v)) }

func LaneResource(l navgraph.LaneID) ResourceID { return ResourceID("l:" + string(l)) }

// IsLane reports whether r names a lane.
func (r ResourceID) IsLane() bool { return strings.HasPrefix(string(r), "l:") }

// Window bounds a reservation in time. A zero End holds until released.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// Open returns a window from start until explicit release.
func Open(start time.Time) Window { return Window{Start: start} }

// Overlaps reports whether w and o share any instant.
func (w Window) Overlaps(o Window) bool {
	return (o.End.IsZero() || w.Start.Before(o.End)) && (w.End.IsZero() || o.Start.Before(w.End))
}

// Contains reports whether t falls inside w.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && (w.End.IsZero() || t.Before(w.End))
}

// Outcome is the result of a reservation request.
type Outcome int

const (
	Granted Outcome = iota
	Denied
	Deferred
)

var outcomeNames = [...]string{"granted", "denied", "deferred"}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// Decision is the typed answer to Request. Denial is not an error.
type Decision struct {
	Outcome  Outcome    `json:"outcome"`
	Resource ResourceID `json:"resource"`
	Agent    AgentID    `json:"agent"`
	// Holder is the agent blocking the request (the holder, or the waiter queued ahead).
	Holder AgentID `json:"holder,omitempty"`
	// Forced marks a denial imposed by deadlock resolution; the agent must replan.
	Forced bool `json:"forced,omitempty"`
}

// Reservation binds a resource to an agent for a window.
type Reservation struct {
	Resource  ResourceID `json:"resource"`
	Agent     AgentID    `json:"agent"`
	Window    Window     `json:"window"`
	GrantedAt time.Time  `json:"granted_at"`
}

// Resolution records one broken deadlock cycle.
type Resolution struct {
	Cycle    []AgentID  `json:"cycle"`
	Victim   AgentID    `json:"victim"`
	Resource ResourceID `json:"resource"`
}

// Stats are running counters since the manager was created.
type Stats struct {
	Granted   int64 `json:"granted"`
	Denied    int64 `json:"denied"`
	Deferred  int64 `json:"deferred"`
	Released  int64 `json:"released"`
	Deadlocks int64 `json:"deadlocks"`
}
