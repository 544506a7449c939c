package fleet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ankittk/lanekeeper/internal/agent"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

// Status is the task lifecycle status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// Task is a navigation job for one agent.
type Task struct {
	ID          string            `json:"id"`
	Agent       traffic.AgentID   `json:"agent,omitempty"`
	Destination navgraph.VertexID `json:"destination"`
	Status      Status            `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Path        navgraph.Path     `json:"path,omitempty"`
	Replans     int               `json:"replans"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

var (
	ErrNoAgents       = errors.New("no agents in fleet")
	ErrAgentNotFound  = errors.New("agent not found")
	ErrAgentExists    = errors.New("agent already exists")
	ErrVertexOccupied = errors.New("vertex occupied")
	ErrTaskNotFound   = errors.New("task not found")
	ErrTaskFinished   = errors.New("task already finished")
	ErrNotBlocked     = errors.New("task is not blocked")
	ErrRunning        = errors.New("coordinator already running")
)

// Block reasons recorded on tasks.
const (
	ReasonUnreachable     = "destination unreachable"
	ReasonRetriesExceeded = "reservation retries exhausted"
	ReasonLowBattery      = "low battery"
	ReasonNoStation       = "no charging station reachable"
)

// Archive persists finished tasks. Implemented by the store.
type Archive interface {
	SaveTask(ctx context.Context, t Task) error
	LoadTask(ctx context.Context, id string) (Task, bool, error)
}

// Notifier delivers high-severity alerts to humans.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

// Config tunes the coordinator and its runners.
type Config struct {
	Speed            float64       `yaml:"speed"`             // distance units per second
	Tick             time.Duration `yaml:"tick"`              // traversal and charging step
	IdleInterval     time.Duration `yaml:"idle_interval"`     // idle housekeeping period
	BatteryWeight    float64       `yaml:"battery_weight"`    // selection score weight for battery
	InitialBattery   float64       `yaml:"initial_battery"`   // battery level of spawned agents
	SegmentRetries   int           `yaml:"segment_retries"`   // reservation retries before replanning
	RetryBackoff     time.Duration `yaml:"retry_backoff"`     // wait between retries
	MaxReplans       int           `yaml:"max_replans"`       // replans before a task is blocked
	DeadlockInterval time.Duration `yaml:"deadlock_interval"` // periodic cycle detection
	Battery          agent.Config  `yaml:"battery"`
}

func DefaultConfig() Config {
	return Config{
		Speed:            1,
		Tick:             100 * time.Millisecond,
		IdleInterval:     time.Second,
		BatteryWeight:    0.1,
		InitialBattery:   100,
		SegmentRetries:   5,
		RetryBackoff:     500 * time.Millisecond,
		MaxReplans:       3,
		DeadlockInterval: time.Second,
		Battery:          agent.DefaultConfig(),
	}
}

// Validate rejects settings the runners cannot work with.
func (c Config) Validate() error {
	switch {
	case c.Speed <= 0:
		return fmt.Errorf("speed must be positive, got %v", c.Speed)
	case c.Tick < 0 || c.RetryBackoff < 0:
		return errors.New("tick and retry_backoff must not be negative")
	case c.IdleInterval <= 0 || c.DeadlockInterval <= 0:
		return errors.New("idle_interval and deadlock_interval must be positive")
	case c.SegmentRetries < 0 || c.MaxReplans < 0:
		return errors.New("segment_retries and max_replans must not be negative")
	case c.InitialBattery < 0 || c.InitialBattery > 100:
		return fmt.Errorf("initial_battery must be within [0,100], got %v", c.InitialBattery)
	case c.Battery.LowBattery < 0 || c.Battery.ResumeBattery > 100 || c.Battery.LowBattery >= c.Battery.ResumeBattery:
		return fmt.Errorf("battery thresholds must satisfy 0 <= low < resume <= 100, got %v/%v",
			c.Battery.LowBattery, c.Battery.ResumeBattery)
	case c.Battery.ChargeRate <= 0:
		return errors.New("battery.charge_rate must be positive")
	case c.Battery.DrainPerUnit <= 0:
		return fmt.Errorf("battery.drain_per_unit must be positive, got %v", c.Battery.DrainPerUnit)
	case c.Battery.IdleDrainRate < 0:
		return fmt.Errorf("battery.idle_drain_rate must not be negative, got %v", c.Battery.IdleDrainRate)
	}
	return nil
}
