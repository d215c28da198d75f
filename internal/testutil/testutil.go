// Package testutil provides shared testing utilities for MindFlora.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/mindflora/mindflora/internal/storage"
)

// TestDB opens a migrated in-memory database that is closed with the test.
func TestDB(t *testing.T) *storage.DB {
	t.Helper()

	db, err := storage.Open(storage.Config{InMemory: true})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// Stores is every SQLite-backed store the daemon wires, sharing one database.
type Stores struct {
	DB       *storage.DB
	Profiles *storage.ProfileStore
	Attempts *storage.AttemptStore
	Quota    *storage.QuotaStore
}

// TestStores builds the stores over a fresh TestDB. Profile contact fields
// are stored in plain text; pass a cipher to encrypt them.
func TestStores(t *testing.T, cipher storage.FieldCipher) *Stores {
	t.Helper()
	db := TestDB(t)
	return &Stores{
		DB:       db,
		Profiles: storage.NewProfileStore(db, cipher),
		Attempts: storage.NewAttemptStore(db),
		Quota:    storage.NewQuotaStore(db),
	}
}

// TestContext returns a context that ends after 30s or with the test.
func TestContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
