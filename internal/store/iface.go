package store

import (
	"context"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
)

// Store is the persistence interface for the finished-task archive and the event log.
// Implementations: the SQLite store in this package and *postgres.Store (PostgreSQL).
// Every Store satisfies fleet.Archive, and AppendEvent fits events.SinkFunc.
type Store interface {
	// Task archive
	SaveTask(ctx context.Context, t fleet.Task) error
	LoadTask(ctx context.Context, id string) (fleet.Task, bool, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]fleet.Task, error)

	// Event log
	AppendEvent(ctx context.Context, ev events.Event) error
	ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error)

	Close() error
}

var _ fleet.Archive = Store(nil)
