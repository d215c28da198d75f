package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/mindflora/mindflora/internal/core"
)

// AttemptStore keeps the delivery log written by the fallback chain
type AttemptStore struct {
	db *DB
}

// NewAttemptStore creates a new attempt store
func NewAttemptStore(db *DB) *AttemptStore {
	return &AttemptStore{db: db}
}

// AttemptRecord is a stored DeliveryAttempt with its request context
type AttemptRecord struct {
	ID        string      `json:"id"`
	RequestID string      `json:"request_id"`
	UserID    core.UserID `json:"user_id"`
	core.DeliveryAttempt
}

// Record stores every attempt made for one request in a single transaction.
func (s *AttemptStore) Record(ctx context.Context, requestID string, userID core.UserID, attempts []core.DeliveryAttempt) error {
	if len(attempts) == 0 {
		return nil
	}
	return s.db.TransactionContext(ctx, func(tx *sql.Tx) error {
		for _, a := range attempts {
			at := a.At
			if at.IsZero() {
				at = time.Now()
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO delivery_attempts (id, request_id, user_id, provider_id, outcome, kind, error, attempted_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, uuid.New().String(), requestID, string(userID), a.ProviderID, string(a.Outcome), string(a.Kind), a.Error, at.UnixMilli())
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ByRequest returns the attempts of one request in the order they were made.
func (s *AttemptStore) ByRequest(ctx context.Context, requestID string) ([]AttemptRecord, error) {
	return s.query(ctx, `
		SELECT id, request_id, user_id, provider_id, outcome, kind, error, attempted_at
		FROM delivery_attempts WHERE request_id = ?
		ORDER BY attempted_at ASC, rowid ASC
	`, requestID)
}

// Recent returns the latest attempts across all requests.
func (s *AttemptStore) Recent(ctx context.Context, limit int) ([]AttemptRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `
		SELECT id, request_id, user_id, provider_id, outcome, kind, error, attempted_at
		FROM delivery_attempts
		ORDER BY attempted_at DESC, rowid DESC
		LIMIT ?
	`, limit)
}

func (s *AttemptStore) query(ctx context.Context, q string, args ...any) ([]AttemptRecord, error) {
	rows, err := s.db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var r AttemptRecord
		var userID, outcome, kind string
		var at int64
		if err := rows.Scan(&r.ID, &r.RequestID, &userID, &r.ProviderID, &outcome, &kind, &r.Error, &at); err != nil {
			return nil, err
		}
		r.UserID = core.UserID(userID)
		r.Outcome = core.AttemptOutcome(outcome)
		r.Kind = core.ErrorKind(kind)
		r.At = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes attempts older than olderThan and returns how many went.
func (s *AttemptStore) Prune(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.conn.ExecContext(ctx, `DELETE FROM delivery_attempts WHERE attempted_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}
