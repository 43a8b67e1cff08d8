package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bountyline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// EventFilter narrows event listings. Zero values match everything.
type EventFilter struct {
	ProjectID int64
	Type      string
	ActorID   string
}

func (f EventFilter) clauses() ([]string, []any) {
	clauses := []string{"1=1"}
	var args []any
	if f.ProjectID > 0 {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.ActorID != "" {
		clauses = append(clauses, "actor_id=?")
		args = append(args, f.ActorID)
	}
	return clauses, args
}

const eventColumns = `seq,event_id,ts,type,project_id,actor_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var ts, typ, payload string
		if err := rows.Scan(&e.Seq, &e.ID, &ts, &typ, &e.ProjectID, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("event %d timestamp: %w", e.Seq, err)
		}
		e.TS = parsed
		e.Type = domain.EventType(typ)
		e.Payload, err = domain.DecodePayload(e.Type, []byte(payload))
		if err != nil {
			return nil, fmt.Errorf("event %d: %w", e.Seq, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Events returns events with seq greater than afterSeq in log order. It is
// the replay source.
func (r Repo) Events(ctx context.Context, afterSeq int64, limit int) ([]domain.Event, error) {
	return r.EventsAfter(ctx, limit, afterSeq, EventFilter{})
}

// EventsAfter returns events with seq greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq ASC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// Queryer is satisfied by *sql.DB and *sql.Tx.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// ProjectEvents returns one project's events with seq greater than afterSeq.
func ProjectEvents(ctx context.Context, q Queryer, projectID, afterSeq int64) ([]domain.Event, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE project_id=? AND seq>? ORDER BY seq ASC`, projectID, afterSeq)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// MaxProjectID returns the highest project id ever logged.
func MaxProjectID(ctx context.Context, q Queryer) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT COALESCE(MAX(project_id),0) FROM events WHERE type=?`, string(domain.EventProjectCreated)).Scan(&id)
	return id, err
}

// LatestEventsFrom returns the newest events first, strictly below cursor when set.
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, f EventFilter) ([]domain.Event, error) {
	clauses, args := f.clauses()
	if cursor > 0 {
		clauses = append(clauses, "seq<?")
		args = append(args, cursor)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY seq DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, f)
}

// LatestEventID returns the most recent event seq, optionally for one project.
func (r Repo) LatestEventID(ctx context.Context, projectID int64) (int64, error) {
	query := `SELECT COALESCE(MAX(seq),0) FROM events`
	var args []any
	if projectID > 0 {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (r Repo) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

func (r Repo) GetSnapshot(ctx context.Context, projectID int64) (domain.Snapshot, error) {
	var data string
	err := r.DB.QueryRowContext(ctx, `SELECT snapshot_json FROM project_snapshots WHERE project_id=?`, projectID).Scan(&data)
	if err == sql.ErrNoRows {
		return domain.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return domain.Snapshot{}, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return domain.Snapshot{}, fmt.Errorf("decode snapshot %d: %w", projectID, err)
	}
	return snap, nil
}

// ListSnapshots returns stored snapshots ordered by project id, optionally
// filtered by client and state.
func (r Repo) ListSnapshots(ctx context.Context, client, state string) ([]domain.Snapshot, error) {
	clauses := []string{"1=1"}
	var args []any
	if client != "" {
		clauses = append(clauses, "client=?")
		args = append(args, client)
	}
	if state != "" {
		clauses = append(clauses, "state=?")
		args = append(args, state)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT snapshot_json FROM project_snapshots WHERE `+strings.Join(clauses, " AND ")+` ORDER BY project_id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var snap domain.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, err
		}
		res = append(res, snap)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
