package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/mindflora/mindflora/internal/core"
)

// QuotaStore persists provider send budgets so they survive restarts and
// are shared by every request in the process. Each operation runs in its own
// transaction, which is the single serialized access point for the counters.
type QuotaStore struct {
	db  *DB
	now func() time.Time
}

// NewQuotaStore creates a new SQLite-backed quota store
func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db, now: time.Now}
}

// WithClock replaces the time source (tests).
func (s *QuotaStore) WithClock(now func() time.Time) *QuotaStore {
	s.now = now
	return s
}

type quotaRow struct {
	used      int
	exhausted bool
}

// load returns the counters for the current window, resetting stale ones
func (s *QuotaStore) load(ctx context.Context, tx *sql.Tx, providerID string, start time.Time) (quotaRow, error) {
	var row quotaRow
	var exhausted int
	var windowStart int64

	err := tx.QueryRowContext(ctx, `
		SELECT used, exhausted, window_start FROM provider_quotas WHERE provider_id = ?
	`, providerID).Scan(&row.used, &exhausted, &windowStart)
	if err == sql.ErrNoRows {
		return quotaRow{}, nil
	}
	if err != nil {
		return quotaRow{}, err
	}
	if windowStart != start.Unix() {
		// window elapsed
		return quotaRow{}, nil
	}
	row.exhausted = exhausted != 0
	return row, nil
}

func (s *QuotaStore) save(ctx context.Context, tx *sql.Tx, providerID string, start time.Time, row quotaRow) error {
	exhausted := 0
	if row.exhausted {
		exhausted = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO provider_quotas (provider_id, used, exhausted, window_start)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_id) DO UPDATE SET
			used = excluded.used, exhausted = excluded.exhausted, window_start = excluded.window_start
	`, providerID, row.used, exhausted, start.Unix())
	return err
}

// Reserve claims one send. It returns false when the provider is exhausted
// for the current window. A limit of zero means unlimited.
func (s *QuotaStore) Reserve(ctx context.Context, providerID string, limit int, window time.Duration) (bool, error) {
	start := core.WindowStart(s.now(), window)
	var ok bool

	err := s.db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row, err := s.load(ctx, tx, providerID, start)
		if err != nil {
			return err
		}
		if row.exhausted || (limit > 0 && row.used >= limit) {
			ok = false
			return nil
		}
		row.used++
		ok = true
		return s.save(ctx, tx, providerID, start, row)
	})
	return ok, err
}

// Release refunds a reservation whose attempt did not consume quota.
func (s *QuotaStore) Release(ctx context.Context, providerID string, window time.Duration) error {
	start := core.WindowStart(s.now(), window)

	return s.db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row, err := s.load(ctx, tx, providerID, start)
		if err != nil {
			return err
		}
		if row.used == 0 {
			return nil
		}
		row.used--
		return s.save(ctx, tx, providerID, start, row)
	})
}

// Exhaust marks the provider spent until its window resets.
func (s *QuotaStore) Exhaust(ctx context.Context, providerID string, window time.Duration) error {
	start := core.WindowStart(s.now(), window)

	return s.db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row, err := s.load(ctx, tx, providerID, start)
		if err != nil {
			return err
		}
		row.exhausted = true
		return s.save(ctx, tx, providerID, start, row)
	})
}

// Status reports the provider's budget in the current window.
func (s *QuotaStore) Status(ctx context.Context, providerID string, limit int, window time.Duration) (core.QuotaStatus, error) {
	start := core.WindowStart(s.now(), window)
	status := core.QuotaStatus{ProviderID: providerID, Limit: limit, ResetsAt: start.Add(window)}

	err := s.db.TransactionContext(ctx, func(tx *sql.Tx) error {
		row, err := s.load(ctx, tx, providerID, start)
		if err != nil {
			return err
		}
		status.Used = row.used
		status.Exhausted = row.exhausted || (limit > 0 && row.used >= limit)
		return nil
	})
	return status, err
}
