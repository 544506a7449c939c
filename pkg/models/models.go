// Package models provides shared types for the lanekeeper HTTP API and external tools.
// These types mirror the API JSON and are stable for use by pkg/client and other consumers.
package models

import "time"

// Task is a navigation job: one agent travelling to a destination vertex.
type Task struct {
	ID          string    `json:"id"`
	Agent       string    `json:"agent,omitempty"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	Path        []string  `json:"path,omitempty"`
	Replans     int       `json:"replans"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Position is a vertex, or a lane toward Target with Progress in [0,1].
type Position struct {
	Vertex   string  `json:"vertex"`
	Lane     string  `json:"lane,omitempty"`
	Target   string  `json:"target,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// AgentStats accumulate over an agent's lifetime.
type AgentStats struct {
	Distance       float64       `json:"distance"`
	WaitTime       time.Duration `json:"wait_time"`
	TasksCompleted int           `json:"tasks_completed"`
	Replans        int           `json:"replans"`
	ForcedReplans  int           `json:"forced_replans"`
	Charges        int           `json:"charges"`
}

// Agent is a robot in the fleet with its current task, if any.
type Agent struct {
	ID       string     `json:"id"`
	State    string     `json:"state"`
	Battery  float64    `json:"battery"`
	Position Position   `json:"position"`
	Stats    AgentStats `json:"stats"`
	Task     string     `json:"task,omitempty"`
	Queued   int        `json:"queued"`
	Stranded bool       `json:"stranded,omitempty"`
}

type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
}

// Reservation is one entry of the occupancy table.
type Reservation struct {
	Resource  string    `json:"resource"`
	Agent     string    `json:"agent"`
	Window    Window    `json:"window"`
	GrantedAt time.Time `json:"granted_at"`
}

type ReservationStats struct {
	Granted   int64 `json:"granted"`
	Denied    int64 `json:"denied"`
	Deferred  int64 `json:"deferred"`
	Released  int64 `json:"released"`
	Deadlocks int64 `json:"deadlocks"`
}

// Reservations is the /reservations payload.
type Reservations struct {
	Reservations []Reservation     `json:"reservations"`
	Waiting      map[string]string `json:"waiting"` // agent -> resource it is queued on
	Deadlocked   []string          `json:"deadlocked,omitempty"`
	Stats        ReservationStats  `json:"stats"`
}

// Report is the fleet performance summary.
type Report struct {
	GeneratedAt   time.Time        `json:"generated_at"`
	Paused        bool             `json:"paused"`
	Agents        []Agent          `json:"agents"`
	Tasks         map[string]int   `json:"tasks"`
	Distance      float64          `json:"distance"`
	WaitTime      time.Duration    `json:"wait_time"`
	Replans       int              `json:"replans"`
	ForcedReplans int              `json:"forced_replans"`
	Charges       int              `json:"charges"`
	Reservations  ReservationStats `json:"reservations"`
}

type Vertex struct {
	ID              string  `json:"id"`
	Name            string  `json:"name,omitempty"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	ChargingStation bool    `json:"charging_station"`
}

type Lane struct {
	From   string  `json:"from"`
	To     string  `json:"to"`
	Weight float64 `json:"weight"`
}

type Bounds struct {
	MinX float64 `json:"min_x"`
	MinY float64 `json:"min_y"`
	MaxX float64 `json:"max_x"`
	MaxY float64 `json:"max_y"`
}

// Map is the /map payload.
type Map struct {
	Vertices         []Vertex `json:"vertices"`
	Lanes            []Lane   `json:"lanes"`
	ChargingStations []string `json:"charging_stations"`
	Bounds           Bounds   `json:"bounds"`
}

// Route is the /path payload.
type Route struct {
	From      string   `json:"from"`
	To        string   `json:"to"`
	Path      []string `json:"path"`
	Cost      float64  `json:"cost"`
	Alternate bool     `json:"alternate,omitempty"`
}

// Event is one logged fleet event.
type Event struct {
	Seq       int64          `json:"seq,omitempty"`
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// SubmitTaskRequest is the POST /tasks body. Agent is an optional preference.
type SubmitTaskRequest struct {
	Destination string `json:"destination"`
	Agent       string `json:"agent,omitempty"`
}

// SpawnAgentRequest is the POST /agents body. A nil Battery means the fleet default.
type SpawnAgentRequest struct {
	ID      string   `json:"id,omitempty"`
	At      string   `json:"at"`
	Battery *float64 `json:"battery,omitempty"`
}
