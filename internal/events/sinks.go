package events

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// LogSink writes each event to a slog logger. Reservation churn and position
// updates go to debug so the info log stays readable.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Handle(ctx context.Context, ev Event) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"type", string(ev.Type)}
	if ev.Agent != "" {
		attrs = append(attrs, "agent", ev.Agent)
	}
	if ev.TaskID != "" {
		attrs = append(attrs, "task", ev.TaskID)
	}
	if ev.Resource != "" {
		attrs = append(attrs, "resource", ev.Resource)
	}
	if ev.Outcome != "" {
		attrs = append(attrs, "outcome", ev.Outcome)
	}
	for k, v := range ev.Data {
		attrs = append(attrs, k, v)
	}
	l.Log(ctx, level(ev), "fleet event", attrs...)
	return nil
}

func level(ev Event) slog.Level {
	switch ev.Severity {
	case SeverityCritical:
		return slog.LevelError
	case SeverityWarning:
		return slog.LevelWarn
	}
	switch ev.Type {
	case AgentPosition, ReservationGranted, ReservationReleased, ReservationDenied:
		return slog.LevelDebug
	case DeadlockDetected, DeadlockResolved, TaskBlocked:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// NATSSink publishes events as JSON on "<prefix>.<type>".
type NATSSink struct {
	conn   *nats.Conn
	prefix string
}

// DialNATS connects to url and returns a sink publishing under prefix
// (default "lanekeeper.events").
func DialNATS(url, prefix string) (*NATSSink, error) {
	if url == "" {
		return nil, errors.New("nats url required")
	}
	if prefix == "" {
		prefix = "lanekeeper.events"
	}
	nc, err := nats.Connect(url,
		nats.Name("lanekeeper"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &NATSSink{conn: nc, prefix: prefix}, nil
}

// Subject returns the subject an event of kind k is published on.
func (s *NATSSink) Subject(k Kind) string {
	return s.prefix + "." + string(k)
}

func (s *NATSSink) Handle(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.conn.Publish(s.Subject(ev.Type), b)
}

// Close flushes pending messages and closes the connection.
func (s *NATSSink) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Drain()
}
