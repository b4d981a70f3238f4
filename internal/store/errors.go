package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrStaleState      = errors.New("claim is no longer in the expected state")
	ErrItemClaimed     = errors.New("item already has an approved claim")
	ErrPickupCodeTaken = errors.New("pickup code already issued")
	ErrWriteConflict   = errors.New("concurrent write conflict")
	ErrUnavailable     = errors.New("store unavailable")
)

const (
	constraintItemActive    = "claims_item_active_uidx"
	constraintPickupCode    = "claims_pickup_code_uidx"
	constraintClaimPosition = "messages_claim_position_uidx"
)

// classify maps driver errors onto the package sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return uniqueViolation(pgErr.ConstraintName, err)
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT:
			msg := liteErr.Error()
			switch {
			case strings.Contains(msg, "claims.item_id"):
				return uniqueViolation(constraintItemActive, err)
			case strings.Contains(msg, "claims.pickup_code"):
				return uniqueViolation(constraintPickupCode, err)
			case strings.Contains(msg, "messages.claim_id"):
				return uniqueViolation(constraintClaimPosition, err)
			}
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return err
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func uniqueViolation(constraint string, err error) error {
	switch constraint {
	case constraintItemActive:
		return fmt.Errorf("%w: %w", ErrItemClaimed, err)
	case constraintPickupCode:
		return fmt.Errorf("%w: %w", ErrPickupCodeTaken, err)
	case constraintClaimPosition:
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	default:
		return err
	}
}

// IsTransient reports whether retrying the whole transaction may succeed.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrWriteConflict) ||
		errors.Is(err, ErrPickupCodeTaken) ||
		errors.Is(err, context.DeadlineExceeded)
}
