package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

const (
	taskColumns  = `task_id, agent, destination, status, reason, path, replans, created_at, updated_at`
	eventColumns = `seq, type, ts, agent, task_id, resource, outcome, severity, data`
)

func (s *sqliteStore) SaveTask(ctx context.Context, t fleet.Task) error {
	path, err := json.Marshal(t.Path)
	if err != nil {
		return err
	}
	if t.Path == nil {
		path = []byte("[]")
	}
	_, err = s.stmtSaveTask.ExecContext(ctx, t.ID, string(t.Agent), string(t.Destination), string(t.Status), t.Reason,
		string(path), t.Replans, t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano())
	return err
}

func (s *sqliteStore) LoadTask(ctx context.Context, id string) (fleet.Task, bool, error) {
	t, err := scanTaskRow(s.stmtLoadTask.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return fleet.Task{}, false, nil
	}
	if err != nil {
		return fleet.Task{}, false, err
	}
	return *t, true, nil
}

// ListTasks returns archived tasks, most recently updated first.
func (s *sqliteStore) ListTasks(ctx context.Context, f TaskFilter) ([]fleet.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks_archive`
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Agent != "" {
		where = append(where, "agent = ?")
		args = append(args, f.Agent)
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY updated_at DESC, task_id LIMIT ?`
	args = append(args, Limit(f.Limit))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []fleet.Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// scanTaskRow scans a row with taskColumns in order.
func scanTaskRow(row interface{ Scan(dest ...any) error }) (*fleet.Task, error) {
	var (
		t                    fleet.Task
		agent, dest, status  string
		path                 string
		createdAt, updatedAt int64
	)
	if err := row.Scan(&t.ID, &agent, &dest, &status, &t.Reason, &path, &t.Replans, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Agent = traffic.AgentID(agent)
	t.Destination = navgraph.VertexID(dest)
	t.Status = fleet.Status(status)
	if err := json.Unmarshal([]byte(path), &t.Path); err != nil {
		return nil, err
	}
	if len(t.Path) == 0 {
		t.Path = nil
	}
	t.CreatedAt = time.Unix(0, createdAt)
	t.UpdatedAt = time.Unix(0, updatedAt)
	return &t, nil
}

func (s *sqliteStore) AppendEvent(ctx context.Context, ev events.Event) error {
	var data sql.NullString
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return err
		}
		data = sql.NullString{String: string(b), Valid: true}
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.stmtAppendEvent.ExecContext(ctx, string(ev.Type), ts.UnixNano(), ev.Agent, ev.TaskID, ev.Resource,
		ev.Outcome, string(ev.Severity), data)
	return err
}

// ListEvents returns logged events in sequence order.
func (s *sqliteStore) ListEvents(ctx context.Context, f EventFilter) ([]EventRecord, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE seq > ?`
	args := []any{f.AfterSeq}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Agent != "" {
		q += ` AND agent = ?`
		args = append(args, f.Agent)
	}
	if f.TaskID != "" {
		q += ` AND task_id = ?`
		args = append(args, f.TaskID)
	}
	q += ` ORDER BY seq LIMIT ?`
	args = append(args, Limit(f.Limit))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []EventRecord
	for rows.Next() {
		var (
			r              EventRecord
			kind, severity string
			ts             int64
			data           sql.NullString
		)
		if err := rows.Scan(&r.Seq, &kind, &ts, &r.Agent, &r.TaskID, &r.Resource, &r.Outcome, &severity, &data); err != nil {
			return nil, err
		}
		r.Type = events.Kind(kind)
		r.Severity = events.Severity(severity)
		r.Timestamp = time.Unix(0, ts)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, err
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
