package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ankittk/lanekeeper/internal/events"
	"github.com/ankittk/lanekeeper/internal/fleet"
	"github.com/ankittk/lanekeeper/internal/navgraph"
	"github.com/ankittk/lanekeeper/internal/store"
	"github.com/ankittk/lanekeeper/internal/traffic"
)

const (
	taskColumns  = `task_id, agent, destination, status, reason, path, replans, created_at, updated_at`
	eventColumns = `seq, type, ts, agent, task_id, resource, outcome, severity, data`
)

func (s *Store) SaveTask(ctx context.Context, t fleet.Task) error {
	path := t.Path
	if path == nil {
		path = navgraph.Path{}
	}
	_, err := s.Pool.Exec(ctx, `
INSERT INTO tasks_archive(`+taskColumns+`)
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (task_id) DO UPDATE SET agent=EXCLUDED.agent, destination=EXCLUDED.destination, status=EXCLUDED.status,
  reason=EXCLUDED.reason, path=EXCLUDED.path, replans=EXCLUDED.replans, updated_at=EXCLUDED.updated_at`,
		t.ID, string(t.Agent), string(t.Destination), string(t.Status), t.Reason, path, t.Replans, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *Store) LoadTask(ctx context.Context, id string) (fleet.Task, bool, error) {
	row := s.Pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks_archive WHERE task_id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return fleet.Task{}, false, nil
	}
	if err != nil {
		return fleet.Task{}, false, err
	}
	return t, true, nil
}

func (s *Store) ListTasks(ctx context.Context, f store.TaskFilter) ([]fleet.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks_archive`
	var where []string
	var args []any
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Agent != "" {
		args = append(args, f.Agent)
		where = append(where, fmt.Sprintf("agent = $%d", len(args)))
	}
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	args = append(args, store.Limit(f.Limit))
	q += fmt.Sprintf(` ORDER BY updated_at DESC, task_id LIMIT $%d`, len(args))

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fleet.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row pgx.Row) (fleet.Task, error) {
	var (
		t                   fleet.Task
		agent, dest, status string
	)
	if err := row.Scan(&t.ID, &agent, &dest, &status, &t.Reason, &t.Path, &t.Replans, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return fleet.Task{}, err
	}
	t.Agent = traffic.AgentID(agent)
	t.Destination = navgraph.VertexID(dest)
	t.Status = fleet.Status(status)
	if len(t.Path) == 0 {
		t.Path = nil
	}
	return t, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev events.Event) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	var data any
	if len(ev.Data) > 0 {
		data = ev.Data
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO events(type, ts, agent, task_id, resource, outcome, severity, data) VALUES($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(ev.Type), ts, ev.Agent, ev.TaskID, ev.Resource, ev.Outcome, string(ev.Severity), data)
	return err
}

func (s *Store) ListEvents(ctx context.Context, f store.EventFilter) ([]store.EventRecord, error) {
	args := []any{f.AfterSeq}
	q := `SELECT ` + eventColumns + ` FROM events WHERE seq > $1`
	if f.Type != "" {
		args = append(args, string(f.Type))
		q += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if f.Agent != "" {
		args = append(args, f.Agent)
		q += fmt.Sprintf(` AND agent = $%d`, len(args))
	}
	if f.TaskID != "" {
		args = append(args, f.TaskID)
		q += fmt.Sprintf(` AND task_id = $%d`, len(args))
	}
	args = append(args, store.Limit(f.Limit))
	q += fmt.Sprintf(` ORDER BY seq LIMIT $%d`, len(args))

	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []store.EventRecord
	for rows.Next() {
		var (
			r              store.EventRecord
			kind, severity string
		)
		if err := rows.Scan(&r.Seq, &kind, &r.Timestamp, &r.Agent, &r.TaskID, &r.Resource, &r.Outcome, &severity, &r.Data); err != nil {
			return nil, err
		}
		r.Type = events.Kind(kind)
		r.Severity = events.Severity(severity)
		out = append(out, r)
	}
	return out, rows.Err()
}
