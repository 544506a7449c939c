// Package agent is the per-agent state machine: lifecycle state, battery
// accounting and position along the map.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ankittk/lanekeeper/internal/navgraph"
)

// Config holds battery tuning. Levels are percentages in [0,100].
type Config struct {
	LowBattery    float64 `yaml:"low"`             // below this the agent must go charge
	ResumeBattery float64 `yaml:"resume"`          // charging ends at or above this
	DrainPerUnit  float64 `yaml:"drain_per_unit"`  // drained per unit of distance travelled
	IdleDrainRate float64 `yaml:"idle_drain_rate"` // drained per second while idle or waiting off a station
	ChargeRate    float64 `yaml:"charge_rate"`     // gained per second while charging
}

// DefaultConfig mirrors the original fleet tuning: go charge at 20%, charge to full.
func DefaultConfig() Config {
	return Config{
		LowBattery:    20,
		ResumeBattery: 100,
		DrainPerUnit:  1,
		IdleDrainRate: 0.01,
		ChargeRate:    10,
	}
}

// Position is either a vertex, or a lane plus progress in [0,1].
type Position struct {
	Vertex   navgraph.VertexID `json:"vertex"`
	Lane     navgraph.LaneID   `json:"lane,omitempty"`
	Target   navgraph.VertexID `json:"target,omitempty"`
	Progress float64           `json:"progress,omitempty"`
}

// OnLane reports whether the agent is between vertices.
func (p Position) OnLane() bool { return p.Lane != "" }

// Stats accumulate over the agent's lifetime.
type Stats struct {
	Distance       float64       `json:"distance"`
	WaitTime       time.Duration `json:"wait_time"`
	TasksCompleted int           `json:"tasks_completed"`
	Replans        int           `json:"replans"`
	ForcedReplans  int           `json:"forced_replans"`
	Charges        int           `json:"charges"`
}

// Snapshot is a consistent copy of an agent.
type Snapshot struct {
	ID       string   `json:"id"`
	State    State    `json:"state"`
	Battery  float64  `json:"battery"`
	Position Position `json:"position"`
	Stats    Stats    `json:"stats"`
}

// Change records one state transition.
type Change struct {
	From, To State
	At       time.Time
}

const maxHistory = 64

var ErrProgressBackwards = errors.New("progress must not decrease")

// Agent is safe for concurrent use. Only the owning runner mutates it; other
// components read snapshots.
type Agent struct {
	mu      sync.Mutex
	id      string
	state   State
	battery float64
	pos     Position
	stats   Stats
	history []Change
	cfg     Config
	now     func() time.Time
}

// New returns an idle agent at vertex with the given battery level (clamped).
func New(id string, at navgraph.VertexID, battery float64, cfg Config) *Agent {
	return &Agent{
		id:      id,
		battery: clamp(battery),
		pos:     Position{Vertex: at},
		cfg:     cfg,
		now:     time.Now,
	}
}

func clamp(b float64) float64 {
	switch {
	case b < 0:
		return 0
	case b > 100:
		return 100
	}
	return b
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Config() Config { return a.cfg }

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) Battery() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery
}

func (a *Agent) Position() Position {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pos
}

// Snapshot returns a copy of the agent's state, battery, position and stats.
func (a *Agent) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{ID: a.id, State: a.state, Battery: a.battery, Position: a.pos, Stats: a.stats}
}

// History returns the most recent transitions, oldest first.
func (a *Agent) History() []Change {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Change, len(a.history))
	copy(out, a.history)
	return out
}

// Transition moves the agent to state to. It returns the previous state, or a
// *TransitionError if the move is illegal.
func (a *Agent) Transition(to State) (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	from := a.state
	if !CanTransition(from, to) {
		return from, &TransitionError{Agent: a.id, From: from, To: to}
	}
	if to == Charging && a.pos.OnLane() {
		return from, fmt.Errorf("agent %s: cannot charge while on lane %s", a.id, a.pos.Lane)
	}
	a.state = to
	a.history = append(a.history, Change{From: from, To: to, At: a.now()})
	if len(a.history) > maxHistory {
		a.history = a.history[len(a.history)-maxHistory:]
	}
	return from, nil
}

// NeedsCharge reports whether battery is below the low threshold.
func (a *Agent) NeedsCharge() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery < a.cfg.LowBattery
}

// Charged reports whether battery reached the resume threshold.
func (a *Agent) Charged() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.battery >= a.cfg.ResumeBattery
}

// Drain consumes battery for distance travelled and adds it to the odometer.
// Returns the new level.
func (a *Agent) Drain(distance float64) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if distance > 0 {
		a.battery = clamp(a.battery - distance*a.cfg.DrainPerUnit)
		a.stats.Distance += distance
	}
	return a.battery
}

// IdleDrain consumes battery for dt spent idle or waiting.
func (a *Agent) IdleDrain(dt time.Duration) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dt > 0 {
		a.battery = clamp(a.battery - dt.Seconds()*a.cfg.IdleDrainRate)
	}
	return a.battery
}

// Charge adds battery for dt spent on a station.
func (a *Agent) Charge(dt time.Duration) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if dt > 0 {
		a.battery = clamp(a.battery + dt.Seconds()*a.cfg.ChargeRate)
	}
	return a.battery
}

// EnterLane places the agent at the start of lane l.
func (a *Agent) EnterLane(l navgraph.Lane) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = Position{Vertex: l.From, Lane: l.ID(), Target: l.To}
}

// Advance sets progress along the current lane. Progress never moves backwards.
func (a *Agent) Advance(progress float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pos.OnLane() {
		return fmt.Errorf("agent %s: not on a lane", a.id)
	}
	if progress < a.pos.Progress {
		return ErrProgressBackwards
	}
	if progress > 1 {
		progress = 1
	}
	a.pos.Progress = progress
	return nil
}

// Arrive snaps the agent onto vertex v.
func (a *Agent) Arrive(v navgraph.VertexID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pos = Position{Vertex: v}
}

// AddWait records time spent waiting for a reservation.
func (a *Agent) AddWait(d time.Duration) {
	a.mu.Lock()
	a.stats.WaitTime += d
	a.mu.Unlock()
}

// CountReplan records a replan; forced marks one imposed by deadlock resolution.
func (a *Agent) CountReplan(forced bool) {
	a.mu.Lock()
	a.stats.Replans++
	if forced {
		a.stats.ForcedReplans++
	}
	a.mu.Unlock()
}

func (a *Agent) CountCompleted() {
	a.mu.Lock()
	a.stats.TasksCompleted++
	a.mu.Unlock()
}

func (a *Agent) CountCharge() {
	a.mu.Lock()
	a.stats.Charges++
	a.mu.Unlock()
}
