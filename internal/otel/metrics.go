package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	initMetricsOnce     sync.Once
	taskOpsCounter      metric.Int64Counter
	taskDuration        metric.Float64Histogram
	reservationCounter  metric.Int64Counter
	deadlockCounter     metric.Int64Counter
	replanCounter       metric.Int64Counter
	alertCounter        metric.Int64Counter
	sseConnectionsGauge metric.Int64ObservableGauge
	sseEventsCounter    metric.Int64Counter
	sseConnections      int64
	sseConnectionsMu    sync.Mutex
)

// InitMetrics creates the meter instruments. Safe to call multiple times; only runs once.
// Call after InitMeterProvider.
func InitMetrics(ctx context.Context) error {
	var err error
	initMetricsOnce.Do(func() {
		m := Meter()
		taskOpsCounter, err = m.Int64Counter("lanekeeper_task_operations_total", metric.WithDescription("Total task lifecycle operations (submit, start, complete, block, cancel)"))
		if err != nil {
			return
		}
		taskDuration, err = m.Float64Histogram("lanekeeper_task_duration_seconds", metric.WithDescription("Time from task start to arrival in seconds"))
		if err != nil {
			return
		}
		reservationCounter, err = m.Int64Counter("lanekeeper_reservation_requests_total", metric.WithDescription("Reservation decisions by outcome and resource kind"))
		if err != nil {
			return
		}
		deadlockCounter, err = m.Int64Counter("lanekeeper_deadlocks_total", metric.WithDescription("Deadlock cycles detected and resolved"))
		if err != nil {
			return
		}
		replanCounter, err = m.Int64Counter("lanekeeper_replans_total", metric.WithDescription("Paths recomputed after contention"))
		if err != nil {
			return
		}
		alertCounter, err = m.Int64Counter("lanekeeper_alerts_total", metric.WithDescription("Critical alerts raised"))
		if err != nil {
			return
		}
		sseEventsCounter, err = m.Int64Counter("lanekeeper_sse_events_total", metric.WithDescription("Total SSE events published"))
		if err != nil {
			return
		}
		sseConnectionsGauge, err = m.Int64ObservableGauge("lanekeeper_sse_connections", metric.WithDescription("Current SSE subscriber count"))
		if err != nil {
			return
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			sseConnectionsMu.Lock()
			n := sseConnections
			sseConnectionsMu.Unlock()
			o.ObserveInt64(sseConnectionsGauge, n)
			return nil
		}, sseConnectionsGauge)
	})
	return err
}

// RecordTaskOp records a task lifecycle operation.
func RecordTaskOp(ctx context.Context, op string, status string) {
	if taskOpsCounter == nil {
		return
	}
	taskOpsCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		AttrStatus.String(status),
	))
}

// RecordTaskDuration records how long an agent took to reach a destination.
func RecordTaskDuration(ctx context.Context, agent string, d time.Duration) {
	if taskDuration != nil {
		taskDuration.Record(ctx, d.Seconds(), metric.WithAttributes(AttrAgent.String(agent)))
	}
}

// RecordReservation records one reservation decision. kind is "vertex" or "lane".
func RecordReservation(ctx context.Context, outcome, kind string) {
	if reservationCounter != nil {
		reservationCounter.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(outcome), AttrResource.String(kind)))
	}
}

// RecordDeadlock records a detected or resolved deadlock cycle.
func RecordDeadlock(ctx context.Context, phase string) {
	if deadlockCounter != nil {
		deadlockCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
	}
}

func RecordReplan(ctx context.Context, agent string) {
	if replanCounter != nil {
		replanCounter.Add(ctx, 1, metric.WithAttributes(AttrAgent.String(agent)))
	}
}

func RecordAlert(ctx context.Context, kind string) {
	if alertCounter != nil {
		alertCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

// RecordSSEEvent records one SSE event published.
func RecordSSEEvent(ctx context.Context) {
	if sseEventsCounter != nil {
		sseEventsCounter.Add(ctx, 1)
	}
}

// AddSSEConnection adds 1 to the SSE connection gauge (call on subscribe).
func AddSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections++
	sseConnectionsMu.Unlock()
}

// RemoveSSEConnection subtracts 1 from the SSE connection gauge (call on unsubscribe).
func RemoveSSEConnection() {
	sseConnectionsMu.Lock()
	sseConnections--
	if sseConnections < 0 {
		sseConnections = 0
	}
	sseConnectionsMu.Unlock()
}

// FleetCountFunc returns agent counts by state and live task counts by status.
type FleetCountFunc func() (agents map[string]int64, tasks map[string]int64)

// InitMetricsWithFleet creates instruments and optionally registers a callback for the
// agent and task gauges. Call after InitMeterProvider. If count is nil, the gauges are not reported.
func InitMetricsWithFleet(ctx context.Context, count FleetCountFunc) error {
	if err := InitMetrics(ctx); err != nil {
		return err
	}
	if count == nil {
		return nil
	}
	m := Meter()
	agentsGauge, err := m.Int64ObservableGauge("lanekeeper_agents", metric.WithDescription("Number of agents by state"))
	if err != nil {
		return err
	}
	tasksGauge, err := m.Int64ObservableGauge("lanekeeper_tasks", metric.WithDescription("Number of tasks by status"))
	if err != nil {
		return err
	}
	_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		agents, tasks := count()
		for state, n := range agents {
			o.ObserveInt64(agentsGauge, n, metric.WithAttributes(AttrState.String(state)))
		}
		for status, n := range tasks {
			o.ObserveInt64(tasksGauge, n, metric.WithAttributes(AttrStatus.String(status)))
		}
		return nil
	}, agentsGauge, tasksGauge)
	return err
}
