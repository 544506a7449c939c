package otel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ankittk/lanekeeper/internal/events"
)

// Recorder turns fleet events into metric updates. Run it as an events.Sink.
type Recorder struct {
	mu      sync.Mutex
	started map[string]time.Time // task id -> task_started timestamp
}

func NewRecorder() *Recorder {
	return &Recorder{started: make(map[string]time.Time)}
}

func (r *Recorder) Handle(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.ReservationGranted, events.ReservationDenied, events.ReservationDeferred:
		kind := "vertex"
		if strings.HasPrefix(ev.Resource, "l:") {
			kind = "lane"
		}
		RecordReservation(ctx, ev.Outcome, kind)
	case events.DeadlockDetected:
		RecordDeadlock(ctx, "detected")
	case events.DeadlockResolved:
		RecordDeadlock(ctx, "resolved")
	case events.TaskReplanned:
		RecordReplan(ctx, ev.Agent)
	case events.StationUnreachable:
		RecordAlert(ctx, string(ev.Type))
	case events.TaskSubmitted:
		RecordTaskOp(ctx, "submit", "pending")
	case events.TaskStarted:
		r.mu.Lock()
		r.started[ev.TaskID] = ev.Timestamp
		r.mu.Unlock()
		RecordTaskOp(ctx, "start", "active")
	case events.TaskCompleted:
		r.mu.Lock()
		start, ok := r.started[ev.TaskID]
		delete(r.started, ev.TaskID)
		r.mu.Unlock()
		if ok && !ev.Timestamp.Before(start) {
			RecordTaskDuration(ctx, ev.Agent, ev.Timestamp.Sub(start))
		}
		RecordTaskOp(ctx, "complete", "completed")
	case events.TaskBlocked:
		RecordTaskOp(ctx, "block", "blocked")
	case events.TaskCancelled:
		r.mu.Lock()
		delete(r.started, ev.TaskID)
		r.mu.Unlock()
		RecordTaskOp(ctx, "cancel", "cancelled")
	}
	return nil
}

// Pending reports how many started tasks have not finished.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}
