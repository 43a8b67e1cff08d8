package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"bountyline/internal/domain"
)

// ErrConflict reports a batch built on a project state that another writer
// has already moved past.
var ErrConflict = errors.New("project changed concurrently")

// Writer appends event batches and the resulting project snapshot inside the
// caller's transaction.
type Writer struct {
	Now func() time.Time
}

// Append inserts batch into tx. The snapshot row is compared against
// batch.PrevSeq before it is replaced, so two writers working from the same
// state cannot both succeed.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, batch domain.Batch) ([]domain.Event, error) {
	if len(batch.Events) == 0 {
		return nil, errors.New("empty event batch")
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	stored := make([]domain.Event, 0, len(batch.Events))
	for _, evt := range batch.Events {
		if evt.ProjectID != batch.Snapshot.ID {
			return nil, fmt.Errorf("event %s for project %d in batch for project %d", evt.Type, evt.ProjectID, batch.Snapshot.ID)
		}
		seq, err := w.insert(ctx, tx, evt)
		if err != nil {
			return nil, err
		}
		evt.Seq = seq
		stored = append(stored, evt)
	}
	snap := batch.Snapshot
	snap.LastSeq = stored[len(stored)-1].Seq
	if err := w.putSnapshot(ctx, tx, snap, batch.PrevSeq); err != nil {
		return nil, err
	}
	return stored, nil
}

func (w Writer) insert(ctx context.Context, tx *sql.Tx, evt domain.Event) (int64, error) {
	payload := evt.Payload
	if payload == nil {
		payload = struct{}{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}
	ts := evt.TS
	if ts.IsZero() {
		ts = w.Now()
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(event_id,ts,type,project_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		evt.ID, ts.UTC().Format(time.RFC3339Nano), string(evt.Type), evt.ProjectID, evt.ActorID, string(data))
	if err != nil {
		if evt.Type == domain.EventProjectCreated && isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: project %d already created", ErrConflict, evt.ProjectID)
		}
		return 0, fmt.Errorf("insert event %s: %w", evt.Type, err)
	}
	return res.LastInsertId()
}

func (w Writer) putSnapshot(ctx context.Context, tx *sql.Tx, snap domain.Snapshot, prevSeq int64) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	now := w.Now().UTC().Format(time.RFC3339)
	if prevSeq == 0 {
		_, err = tx.ExecContext(ctx, `INSERT INTO project_snapshots(project_id,client,state,last_seq,snapshot_json,updated_at) VALUES (?,?,?,?,?,?)`,
			snap.ID, snap.Client, string(snap.State), snap.LastSeq, string(data), now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: snapshot for project %d already exists", ErrConflict, snap.ID)
			}
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return nil
	}
	res, err := tx.ExecContext(ctx, `UPDATE project_snapshots SET state=?, last_seq=?, snapshot_json=?, updated_at=? WHERE project_id=? AND last_seq=?`,
		string(snap.State), snap.LastSeq, string(data), now, snap.ID, prevSeq)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: project %d is no longer at seq %d", ErrConflict, snap.ID, prevSeq)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
