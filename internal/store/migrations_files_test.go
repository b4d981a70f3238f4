package store

import (
	"context"
	"io/fs"
	"regexp"
	"testing"
)

func TestMigrationsMatchAcrossDialects(t *testing.T) {
	pattern := regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)
	versions := map[string][]string{}

	for _, driver := range []string{DriverPostgres, DriverSQLite} {
		files, err := migrationsFor(driver)
		if err != nil {
			t.Fatalf("migrations for %s: %v", driver, err)
		}
		entries, err := fs.ReadDir(files, ".")
		if err != nil {
			t.Fatalf("read %s migrations: %v", driver, err)
		}
		for _, entry := range entries {
			if !pattern.MatchString(entry.Name()) {
				t.Fatalf("unexpected migration file %s/%s", driver, entry.Name())
			}
			versions[driver] = append(versions[driver], entry.Name())
		}
	}

	if len(versions[DriverSQLite]) == 0 {
		t.Fatal("no migrations discovered")
	}
	if len(versions[DriverPostgres]) != len(versions[DriverSQLite]) {
		t.Fatalf("dialects disagree: postgres=%v sqlite=%v", versions[DriverPostgres], versions[DriverSQLite])
	}
	for i := range versions[DriverSQLite] {
		if versions[DriverPostgres][i] != versions[DriverSQLite][i] {
			t.Fatalf("migration %d differs: %s vs %s", i, versions[DriverPostgres][i], versions[DriverSQLite][i])
		}
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	if err := ApplyMigrations(ctx, s.DB(), DriverSQLite); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	applied, err := AppliedMigrations(ctx, s.DB())
	if err != nil {
		t.Fatalf("applied migrations: %v", err)
	}
	want := []string{"0001_claims.up.sql", "0002_messages.up.sql", "0003_audit.up.sql"}
	if len(applied) != len(want) {
		t.Fatalf("applied = %v, want %v", applied, want)
	}
	for i := range want {
		if applied[i] != want[i] {
			t.Fatalf("applied = %v, want %v", applied, want)
		}
	}
}

func TestUnknownDriverHasNoMigrations(t *testing.T) {
	if _, err := migrationsFor("mysql"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestRebind(t *testing.T) {
	pg := dialect{driver: DriverPostgres}
	if got := pg.rebind(`SELECT 1 WHERE a = ? AND b IN (?, ?)`); got != `SELECT 1 WHERE a = $1 AND b IN ($2, $3)` {
		t.Fatalf("rebind = %q", got)
	}
	lite := dialect{driver: DriverSQLite}
	if got := lite.rebind(`a = ?`); got != `a = ?` {
		t.Fatalf("sqlite rebind changed query: %q", got)
	}
	if placeholders(3) != "?, ?, ?" || placeholders(0) != "" {
		t.Fatalf("placeholders mismatch")
	}
}
