package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const claimColumns = `id, item_id, claimant_subject_id, status, pickup_code, hold_until, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (Claim, error) {
	var (
		item       Claim
		pickupCode sql.NullString
		holdUntil  sql.NullTime
	)
	if err := row.Scan(
		&item.ID,
		&item.ItemID,
		&item.ClaimantSubjectID,
		&item.Status,
		&pickupCode,
		&holdUntil,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	); err != nil {
		return Claim{}, err
	}
	item.PickupCode = pickupCode.String
	if holdUntil.Valid {
		hold := holdUntil.Time.UTC()
		item.HoldUntil = &hold
	}
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

// InsertClaim stores a new pending claim. ID must be set by the caller.
func (t *Tx) InsertClaim(ctx context.Context, claim Claim) (Claim, error) {
	claim.Status = StatusPending
	claim.PickupCode = ""
	claim.HoldUntil = nil
	claim.Version = 1
	claim.CreatedAt = t.now
	claim.UpdatedAt = t.now

	_, err := t.exec(ctx, `
		INSERT INTO claims (id, item_id, claimant_subject_id, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, claim.ID, claim.ItemID, claim.ClaimantSubjectID, string(claim.Status), claim.Version, claim.CreatedAt, claim.UpdatedAt)
	if err != nil {
		return Claim{}, fmt.Errorf("insert claim: %w", classify(err))
	}
	return claim, nil
}

func (t *Tx) GetClaim(ctx context.Context, claimID string) (Claim, error) {
	item, err := scanClaim(t.queryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = ?`, claimID))
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("claim %s: %w", claimID, ErrNotFound)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("get claim: %w", classify(err))
	}
	return item, nil
}

func (t *Tx) ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE 1=1`
	var args []any
	if filter.ClaimantSubjectID != "" {
		query += ` AND claimant_subject_id = ?`
		args = append(args, filter.ClaimantSubjectID)
	}
	if filter.ItemID != "" {
		query += ` AND item_id = ?`
		args = append(args, filter.ItemID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list claims: %w", classify(err))
	}
	defer rows.Close()

	items := make([]Claim, 0)
	for rows.Next() {
		item, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", classify(err))
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claims: %w", classify(err))
	}
	return items, nil
}

// ItemHasActiveClaim reports whether a claim other than excludeID holds the
// item in approved or picked_up.
func (t *Tx) ItemHasActiveClaim(ctx context.Context, itemID, excludeID string) (bool, error) {
	var exists bool
	err := t.queryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM claims
			WHERE item_id = ? AND id <> ? AND status IN ('approved', 'picked_up')
		)
	`, itemID, excludeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check active claim: %w", classify(err))
	}
	return exists, nil
}

func (t *Tx) PickupCodeInUse(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.queryRow(ctx, `SELECT EXISTS(SELECT 1 FROM claims WHERE pickup_code = ?)`, code).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pickup code: %w", classify(err))
	}
	return exists, nil
}

// UpdateClaimStatus applies update only while the claim is in one of
// update.From. It returns ErrStaleState when no row matched. A pickup code is
// written only if the claim has none yet.
func (t *Tx) UpdateClaimStatus(ctx context.Context, update ClaimUpdate) (Claim, error) {
	if len(update.From) == 0 {
		return Claim{}, fmt.Errorf("update claim %s: no source states", update.ID)
	}

	var pickupCode any
	if update.PickupCode != "" {
		pickupCode = update.PickupCode
	}
	sets := []string{"status = ?", "pickup_code = COALESCE(pickup_code, ?)"}
	args := []any{string(update.To), pickupCode}
	switch {
	case update.ClearHold:
		sets = append(sets, "hold_until = NULL")
	case update.HoldUntil != nil:
		sets = append(sets, "hold_until = ?")
		args = append(args, update.HoldUntil.UTC())
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, t.now, update.ID)
	for _, from := range update.From {
		args = append(args, string(from))
	}

	query := `UPDATE claims SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND status IN (` + placeholders(len(update.From)) + `)` +
		` RETURNING ` + claimColumns
	item, err := scanClaim(t.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Claim{}, fmt.Errorf("update claim %s: %w", update.ID, ErrStaleState)
	}
	if err != nil {
		return Claim{}, fmt.Errorf("update claim %s: %w", update.ID, classify(err))
	}
	return item, nil
}

// ListExpiredHolds returns approved claims whose hold ended before cutoff.
func (t *Tx) ListExpiredHolds(ctx context.Context, cutoff time.Time) ([]Claim, error) {
	rows, err := t.query(ctx, `
		SELECT `+claimColumns+`
		FROM claims
		WHERE status = 'approved' AND hold_until < ?
		ORDER BY hold_until ASC, id ASC
	`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list expired holds: %w", classify(err))
	}
	defer rows.Close()

	items := make([]Claim, 0)
	for rows.Next() {
		item, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", classify(err))
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired holds: %w", classify(err))
	}
	return items, nil
}
