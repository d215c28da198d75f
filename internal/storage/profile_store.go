package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
)

// FieldCipher protects contact fields at rest
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

// ProfileStore handles user profile persistence
type ProfileStore struct {
	db     *DB
	cipher FieldCipher
	now    func() time.Time
}

// NewProfileStore creates a new profile store. cipher may be nil, in which
// case contact fields are stored as plaintext.
func NewProfileStore(db *DB, cipher FieldCipher) *ProfileStore {
	return &ProfileStore{db: db, cipher: cipher, now: time.Now}
}

// Get returns the profile for a user, or core.ErrProfileNotFound.
func (s *ProfileStore) Get(ctx context.Context, userID core.UserID) (*core.UserProfile, error) {
	return s.get(ctx, s.db.conn, userID)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *ProfileStore) get(ctx context.Context, q querier, userID core.UserID) (*core.UserProfile, error) {
	p := &core.UserProfile{UserID: userID}
	var phone, email, prefs string
	var updated int64

	err := q.QueryRowContext(ctx, `
		SELECT first_name, phone, email, carrier, preferences, version, updated_at
		FROM user_profiles WHERE user_id = ?
	`, string(userID)).Scan(&p.FirstName, &phone, &email, &p.Carrier, &prefs, &p.Version, &updated)

	if err == sql.ErrNoRows {
		return nil, core.ErrProfileNotFound
	}
	if err != nil {
		return nil, err
	}

	if p.Phone, err = s.open(phone); err != nil {
		return nil, fmt.Errorf("phone: %w", err)
	}
	if p.Email, err = s.open(email); err != nil {
		return nil, fmt.Errorf("email: %w", err)
	}
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &p.Preferences); err != nil {
			return nil, fmt.Errorf("preferences: %w", err)
		}
	}
	p.UpdatedAt = time.Unix(updated, 0).UTC()

	return p, nil
}

// Update applies fn to the user's current profile inside one transaction.
// fn reports whether it changed anything; only then is a row written and the
// version bumped. A missing profile is passed to fn as an empty one.
//
// If the stored version moved between read and write (another process wrote
// the row), the write still goes through: last write wins, and the conflict
// is logged.
func (s *ProfileStore) Update(ctx context.Context, userID core.UserID, fn func(p *core.UserProfile) (bool, error)) (*core.UserProfile, bool, error) {
	var result *core.UserProfile
	var changed bool

	err := s.db.TransactionContext(ctx, func(tx *sql.Tx) error {
		current, err := s.get(ctx, tx, userID)
		isNew := false
		if errors.Is(err, core.ErrProfileNotFound) {
			current = &core.UserProfile{UserID: userID}
			isNew = true
		} else if err != nil {
			return err
		}

		readVersion := current.Version
		changed, err = fn(current)
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}

		current.Version = readVersion + 1
		current.UpdatedAt = s.now().UTC()
		if err := s.write(ctx, tx, current, readVersion, isNew); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, changed, nil
}

func (s *ProfileStore) write(ctx context.Context, tx *sql.Tx, p *core.UserProfile, readVersion int64, isNew bool) error {
	phone, err := s.seal(p.Phone)
	if err != nil {
		return fmt.Errorf("phone: %w", err)
	}
	email, err := s.seal(p.Email)
	if err != nil {
		return fmt.Errorf("email: %w", err)
	}
	prefs := "{}"
	if len(p.Preferences) > 0 {
		data, err := json.Marshal(p.Preferences)
		if err != nil {
			return fmt.Errorf("preferences: %w", err)
		}
		prefs = string(data)
	}
	ts := p.UpdatedAt.Unix()

	if isNew {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO user_profiles (user_id, first_name, phone, email, carrier, preferences, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				first_name = excluded.first_name, phone = excluded.phone, email = excluded.email,
				carrier = excluded.carrier, preferences = excluded.preferences,
				version = user_profiles.version + 1, updated_at = excluded.updated_at
		`, string(p.UserID), p.FirstName, phone, email, p.Carrier, prefs, p.Version, ts, ts)
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE user_profiles
		SET first_name = ?, phone = ?, email = ?, carrier = ?, preferences = ?, version = ?, updated_at = ?
		WHERE user_id = ? AND version = ?
	`, p.FirstName, phone, email, p.Carrier, prefs, p.Version, ts, string(p.UserID), readVersion)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	logging.WithFields(map[string]interface{}{
		"user_id": p.UserID,
		"version": readVersion,
	}).Warn("%v: overwriting with latest write", core.ErrProfileWriteConflict)

	_, err = tx.ExecContext(ctx, `
		UPDATE user_profiles
		SET first_name = ?, phone = ?, email = ?, carrier = ?, preferences = ?, version = version + 1, updated_at = ?
		WHERE user_id = ?
	`, p.FirstName, phone, email, p.Carrier, prefs, ts, string(p.UserID))
	return err
}

func (s *ProfileStore) seal(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	return s.cipher.Encrypt(v)
}

func (s *ProfileStore) open(v string) (string, error) {
	if s.cipher == nil || v == "" {
		return v, nil
	}
	return s.cipher.Decrypt(v)
}

// SetPreferences merges prefs into the stored preferences.
func (s *ProfileStore) SetPreferences(ctx context.Context, userID core.UserID, prefs map[string]any) (*core.UserProfile, bool, error) {
	return s.Update(ctx, userID, func(p *core.UserProfile) (bool, error) {
		if p.Preferences == nil {
			p.Preferences = make(map[string]any)
		}
		changed := false
		for k, v := range prefs {
			old, ok := p.Preferences[k]
			if ok && fmt.Sprint(old) == fmt.Sprint(v) {
				continue
			}
			p.Preferences[k] = v
			changed = true
		}
		return changed, nil
	})
}

// Count returns the number of stored profiles
func (s *ProfileStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_profiles`).Scan(&n)
	return n, err
}
