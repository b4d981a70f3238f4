package store

import (
	"context"
	"testing"
)

// NewTestStore returns a store over a fresh in-memory SQLite database with
// all migrations applied.
func NewTestStore(t testing.TB) *SQLStore {
	t.Helper()

	ctx := context.Background()
	db, err := Open(ctx, DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	if err := ApplyMigrations(ctx, db, DriverSQLite); err != nil {
		db.Close()
		t.Fatalf("migrating test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return NewSQLStore(db, DriverSQLite)
}
