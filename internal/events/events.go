// Package events carries the observability records the fleet emits (spawns,
// task lifecycle, reservation outcomes, deadlocks, positions) and fans them out
// to subscribers without ever blocking the emitter.
package events

import (
	"context"
	"sync"
	"time"
)

// Kind is the event type, serialized as "type".
type Kind string

const (
	AgentSpawned  Kind = "agent_spawned"
	AgentState    Kind = "agent_state"
	AgentPosition Kind = "agent_position"
	BatteryLow    Kind = "battery_low"

	TaskSubmitted Kind = "task_submitted"
	TaskAssigned  Kind = "task_assigned"
	TaskStarted   Kind = "task_started"
	TaskReplanned Kind = "task_replanned"
	TaskCompleted Kind = "task_completed"
	TaskBlocked   Kind = "task_blocked"
	TaskCancelled Kind = "task_cancelled"

	ReservationGranted  Kind = "reservation_granted"
	ReservationDenied   Kind = "reservation_denied"
	ReservationDeferred Kind = "reservation_deferred"
	ReservationReleased Kind = "reservation_released"

	DeadlockDetected Kind = "deadlock_detected"
	DeadlockResolved Kind = "deadlock_resolved"

	StationUnreachable Kind = "station_unreachable"
	FleetStopped       Kind = "fleet_stopped"
	FleetResumed       Kind = "fleet_resumed"
)

// Severity grades an event for alerting. Empty means informational.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one discrete observability record.
type Event struct {
	Type      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Severity  Severity       `json:"severity,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Emitter receives events. Implementations must not block.
type Emitter func(Event)

// Discard drops every event.
func Discard(Event) {}

// Bus fans events out to subscribers. A slow subscriber loses events rather
// than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	size int
}

// NewBus returns a bus whose subscriber channels buffer size events (256 when size <= 0).
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 256
	}
	return &Bus{subs: make(map[chan Event]struct{}), size: size}
}

func (b *Bus) Subscribe() chan Event {
	ch := make(chan Event, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// Publish delivers ev to every subscriber that has room. A zero timestamp is
// filled with the current time.
func (b *Bus) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Sink consumes events off the bus on its own goroutine, so it may block.
type Sink interface {
	Handle(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Handle(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Pump subscribes sink to the bus until ctx is done. Sink errors are passed to
// onErr (if set) and otherwise ignored.
func Pump(ctx context.Context, b *Bus, sink Sink, onErr func(error)) {
	ch := b.Subscribe()
	defer b.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := sink.Handle(ctx, ev); err != nil && onErr != nil {
				onErr(err)
			}
		}
	}
}
