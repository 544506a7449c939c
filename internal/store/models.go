// Package store persists finished tasks and the fleet event log.
package store

import (
	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
)

// DefaultLimit caps list queries that do not set a limit.
const DefaultLimit = 100

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	Status fleet.Status
	Agent  string
	Limit  int
}

// EventFilter narrows ListEvents. AfterSeq returns only records with a larger
// sequence number, so a reader can page through the log.
type EventFilter struct {
	Type     events.Kind
	Agent    string
	TaskID   string
	AfterSeq int64
	Limit    int
}

// EventRecord is a logged event with its sequence number.
type EventRecord struct {
	Seq int64 `json:"seq"`
	events.Event
}

// Limit returns n, or DefaultLimit when n is not positive.
func Limit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}
