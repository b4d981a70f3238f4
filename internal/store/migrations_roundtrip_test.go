package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"claimdesk/api/internal/rbac"
)

func openPostgresForTest(t *testing.T) *sql.DB {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("CLAIMDESK_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("CLAIMDESK_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	db, err := Open(ctx, DriverPostgres, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	return db
}

func TestMigrationsApplyTwicePostgres(t *testing.T) {
	db := openPostgresForTest(t)
	ctx := context.Background()

	if err := ApplyMigrations(ctx, db, DriverPostgres); err != nil {
		t.Fatalf("apply migrations (pass 1): %v", err)
	}
	if err := ApplyMigrations(ctx, db, DriverPostgres); err != nil {
		t.Fatalf("apply migrations (pass 2): %v", err)
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}
	if err := ApplyMigrations(ctx, db, DriverPostgres); err != nil {
		t.Fatalf("re-apply migrations over existing schema: %v", err)
	}
}

func TestConcurrentApprovalsPostgres(t *testing.T) {
	db := openPostgresForTest(t)
	ctx := context.Background()
	if err := ApplyMigrations(ctx, db, DriverPostgres); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewSQLStore(db, DriverPostgres)

	const contenders = 8
	for i := 0; i < contenders; i++ {
		err := s.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.InsertClaim(ctx, Claim{ID: fmt.Sprintf("clm-%d", i), ItemID: "item-race", ClaimantSubjectID: fmt.Sprintf("u%d", i)})
			return err
		})
		if err != nil {
			t.Fatalf("insert claim %d: %v", i, err)
		}
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	hold := time.Now().Add(time.Hour)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx *Tx) error {
				_, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
					ID:         fmt.Sprintf("clm-%d", i),
					From:       []ClaimStatus{StatusPending},
					To:         StatusApproved,
					PickupCode: fmt.Sprintf("RACE%04d", i),
					HoldUntil:  &hold,
				})
				return err
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrItemClaimed):
				conflicts++
			default:
				t.Errorf("approve clm-%d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if succeeded != 1 || conflicts != contenders-1 {
		t.Fatalf("succeeded=%d conflicts=%d, want 1 and %d", succeeded, conflicts, contenders-1)
	}
}

func TestMessageImmutabilityPostgres(t *testing.T) {
	db := openPostgresForTest(t)
	ctx := context.Background()
	if err := ApplyMigrations(ctx, db, DriverPostgres); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	s := NewSQLStore(db, DriverPostgres)

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertClaim(ctx, Claim{ID: "clm-1", ItemID: "item-1", ClaimantSubjectID: "u1"}); err != nil {
			return err
		}
		_, err := tx.InsertMessage(ctx, Message{ID: "m1", ClaimID: "clm-1", SenderSubjectID: "u1", SenderRole: rbac.SideClaimant, Body: "original"})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	_, err = db.ExecContext(ctx, `UPDATE messages SET body = 'edited' WHERE id = 'm1'`)
	if err == nil {
		t.Fatal("expected body update to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "P0001" {
		t.Fatalf("expected raise_exception from trigger, got %v", err)
	}

	if _, err := db.ExecContext(ctx, `UPDATE messages SET seen_by_staff = TRUE WHERE id = 'm1'`); err != nil {
		t.Fatalf("seen flag update should be allowed: %v", err)
	}
}
