package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/store"
)

func TestOpen_requiresDSN(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("expected error without DSN")
	}
}

func TestStore_skipIfNoDatabaseURL(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping postgres test")
	}
	ctx := context.Background()
	st, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer func() { _ = st.Close() }()
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("Migrate again: %v", err)
	}

	id := uuid.NewString()
	now := time.Now()
	task := fleet.Task{ID: id, Agent: "a1", Destination: "B", Status: fleet.StatusCompleted, Path: navgraph.Path{"A", "B"}, CreatedAt: now, UpdatedAt: now}
	if err := st.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	got, ok, err := st.LoadTask(ctx, id)
	if err != nil || !ok {
		t.Fatalf("LoadTask: ok=%v err=%v", ok, err)
	}
	if got.Status != fleet.StatusCompleted || len(got.Path) != 2 {
		t.Fatalf("LoadTask: %+v", got)
	}
	list, err := st.ListTasks(ctx, store.TaskFilter{Agent: "a1", Limit: 10})
	if err != nil || len(list) == 0 {
		t.Fatalf("ListTasks: %d %v", len(list), err)
	}

	if err := st.AppendEvent(ctx, events.Event{Type: events.TaskCompleted, TaskID: id, Data: map[string]any{"distance": 2.0}}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	evs, err := st.ListEvents(ctx, store.EventFilter{TaskID: id})
	if err != nil || len(evs) != 1 || evs[0].Data["distance"] != 2.0 {
		t.Fatalf("ListEvents: %+v %v", evs, err)
	}
}
