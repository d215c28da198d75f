package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one schema script and whether it has run
type Migration struct {
	Name      string     `json:"name"`
	Applied   bool       `json:"applied"`
	AppliedAt *time.Time `json:"applied_at,omitempty"`

	content string
}

// Migrate applies every pending migration in name order
func (db *DB) Migrate() error {
	return db.MigrateContext(context.Background())
}

// MigrateContext applies pending migrations, each in its own transaction
func (db *DB) MigrateContext(ctx context.Context) error {
	migrations, err := db.Migrations(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Applied {
			continue
		}
		if err := db.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		logging.WithField("migration", m.Name).Info("Applied migration")
	}
	return nil
}

// Migrations lists the embedded migrations with their applied state
func (db *DB) Migrations(ctx context.Context) ([]Migration, error) {
	if _, err := db.conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS _migrations (
			name       TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)
	`); err != nil {
		return nil, fmt.Errorf("create migrations table: %w", err)
	}

	applied, err := db.applied(ctx)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	var out []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		content, err := fs.ReadFile(migrationsFS, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		m := Migration{Name: entry.Name(), content: string(content)}
		if at, ok := applied[m.Name]; ok {
			m.Applied = true
			m.AppliedAt = &at
		}
		out = append(out, m)
	}

	// names carry a zero-padded sequence prefix
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (db *DB) applied(ctx context.Context) (map[string]time.Time, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT name, applied_at FROM _migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var name string
		var at int64
		if err := rows.Scan(&name, &at); err != nil {
			return nil, err
		}
		out[name] = time.Unix(at, 0).UTC()
	}
	return out, rows.Err()
}

func (db *DB) apply(ctx context.Context, m Migration) error {
	return db.TransactionContext(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.content); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO _migrations (name, applied_at) VALUES (?, ?)`,
			m.Name, time.Now().UTC().Unix())
		return err
	})
}
