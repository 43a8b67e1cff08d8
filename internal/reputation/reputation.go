// Package reputation stores worker reputation scores.
package reputation

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{DB: db, Now: time.Now}
}

func (s *Store) now() string {
	if s.Now != nil {
		return s.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Reputation returns the score of identity. Unknown identities score zero.
func (s *Store) Reputation(ctx context.Context, identity string) (int64, error) {
	return score(ctx, s.DB, identity)
}

// ReputationTx reads the score through tx, for callers that hold the
// database's only connection.
func (s *Store) ReputationTx(ctx context.Context, tx *sql.Tx, identity string) (int64, error) {
	return score(ctx, tx, identity)
}

func score(ctx context.Context, q queryRower, identity string) (int64, error) {
	var v int64
	err := q.QueryRowContext(ctx, `SELECT score FROM reputation WHERE identity=?`, identity).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

// Award adds delta to identity's score and records the grant.
func (s *Store) Award(ctx context.Context, identity string, delta int64) error {
	return s.apply(ctx, identity, delta, false, "award")
}

// Set overwrites identity's score. It is an owner operation.
func (s *Store) Set(ctx context.Context, identity string, score int64) error {
	return s.apply(ctx, identity, score, true, "set")
}

func (s *Store) apply(ctx context.Context, identity string, value int64, overwrite bool, reason string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.New("identity required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var current int64
	err = tx.QueryRowContext(ctx, `SELECT score FROM reputation WHERE identity=?`, identity).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	next := current + value
	delta := value
	if overwrite {
		next = value
		delta = value - current
	}
	now := s.now()
	if _, err := tx.ExecContext(ctx, `
INSERT INTO reputation(identity,score,updated_at) VALUES (?,?,?)
ON CONFLICT(identity) DO UPDATE SET score=excluded.score, updated_at=excluded.updated_at`, identity, next, now); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO reputation_awards(identity,delta,reason,created_at) VALUES (?,?,?,?)`,
		identity, delta, reason, now); err != nil {
		return err
	}
	return tx.Commit()
}

type Score struct {
	Identity  string `json:"identity"`
	Score     int64  `json:"score"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Top returns the highest scores first.
func (s *Store) Top(ctx context.Context, limit int) ([]Score, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `SELECT identity,score,updated_at FROM reputation ORDER BY score DESC, identity ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Score
	for rows.Next() {
		var sc Score
		if err := rows.Scan(&sc.Identity, &sc.Score, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, sc)
	}
	return res, rows.Err()
}
