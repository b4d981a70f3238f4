package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLStore struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

func NewSQLStore(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: dialect{driver: driver},
		now:     time.Now,
	}
}

func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock overrides the store clock used for assigned timestamps.
func (s *SQLStore) SetClock(now func() time.Time) {
	s.now = now
}

// Tx is one unit of work. All reads and writes issued through it share the
// same transaction and the same store-assigned timestamp.
type Tx struct {
	tx      *sql.Tx
	dialect dialect
	now     time.Time
}

// WithTx runs fn in a transaction, committing when fn returns nil.
func (s *SQLStore) WithTx(ctx context.Context, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", classify(err))
	}
	defer sqlTx.Rollback()

	tx := &Tx{
		tx:      sqlTx,
		dialect: s.dialect,
		now:     s.now().UTC().Truncate(time.Microsecond),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", classify(err))
	}
	return nil
}

// Now is the timestamp assigned to rows written by this transaction.
func (t *Tx) Now() time.Time {
	return t.now
}

// Savepoint runs fn so that its failure only undoes its own writes. The
// enclosing transaction stays usable either way.
func (t *Tx) Savepoint(ctx context.Context, name string, fn func() error) error {
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, classify(err))
	}
	if fnErr := fn(); fnErr != nil {
		if _, err := t.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("rollback to savepoint %s: %w", name, classify(err)))
		}
		if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
			return errors.Join(fnErr, fmt.Errorf("release savepoint %s: %w", name, classify(err)))
		}
		return fnErr
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, classify(err))
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.rebind(query), args...)
}
