package store

import (
	"context"
	"fmt"

	"claimdesk/api/internal/rbac"
)

const messageColumns = `id, claim_id, position, sender_subject_id, sender_role, body, created_at, seen_by_claimant, seen_by_staff`

func scanMessage(row rowScanner) (Message, error) {
	var (
		item Message
		role string
	)
	if err := row.Scan(
		&item.ID,
		&item.ClaimID,
		&item.Position,
		&item.SenderSubjectID,
		&role,
		&item.Body,
		&item.CreatedAt,
		&item.SeenByClaimant,
		&item.SeenByStaff,
	); err != nil {
		return Message{}, err
	}
	item.SenderRole = rbac.Side(role)
	item.CreatedAt = item.CreatedAt.UTC()
	return item, nil
}

// seenColumn maps a side to its flag column. Only these two literals are
// ever interpolated into SQL.
func seenColumn(side rbac.Side) (string, error) {
	switch side {
	case rbac.SideClaimant:
		return "seen_by_claimant", nil
	case rbac.SideStaff:
		return "seen_by_staff", nil
	default:
		return "", fmt.Errorf("unknown thread side %q", side)
	}
}

// InsertMessage appends msg to its claim thread. The store assigns the
// thread position and timestamp; the sender's own side is marked seen.
// Two writers racing for the same position collide on the unique index and
// the loser gets ErrWriteConflict.
func (t *Tx) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	if !msg.SenderRole.Valid() {
		return Message{}, fmt.Errorf("insert message: unknown sender role %q", msg.SenderRole)
	}
	msg.CreatedAt = t.now
	msg.SeenByClaimant = msg.SenderRole == rbac.SideClaimant
	msg.SeenByStaff = msg.SenderRole == rbac.SideStaff

	err := t.queryRow(ctx, `
		INSERT INTO messages (id, claim_id, position, sender_subject_id, sender_role, body, created_at, seen_by_claimant, seen_by_staff)
		VALUES (?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM messages WHERE claim_id = ?), ?, ?, ?, ?, ?, ?)
		RETURNING position
	`, msg.ID, msg.ClaimID, msg.ClaimID, msg.SenderSubjectID, string(msg.SenderRole), msg.Body, msg.CreatedAt, msg.SeenByClaimant, msg.SeenByStaff).Scan(&msg.Position)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", classify(err))
	}
	return msg, nil
}

// ListMessages returns the thread in position order.
func (t *Tx) ListMessages(ctx context.Context, claimID string) ([]Message, error) {
	rows, err := t.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE claim_id = ? ORDER BY position ASC`, claimID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", classify(err))
	}
	defer rows.Close()

	items := make([]Message, 0)
	for rows.Next() {
		item, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", classify(err))
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", classify(err))
	}
	return items, nil
}

// MarkSeen sets side's flag on every counterpart message still unread. It
// returns the number of rows changed and the highest counterpart position
// covered. Messages committed after through was read stay unseen.
func (t *Tx) MarkSeen(ctx context.Context, claimID string, side rbac.Side) (int64, int64, error) {
	column, err := seenColumn(side)
	if err != nil {
		return 0, 0, err
	}
	var through int64
	err = t.queryRow(ctx, `
		SELECT COALESCE(MAX(position), 0) FROM messages
		WHERE claim_id = ? AND sender_role <> ?
	`, claimID, string(side)).Scan(&through)
	if err != nil {
		return 0, 0, fmt.Errorf("mark seen position: %w", classify(err))
	}

	result, err := t.exec(ctx, `
		UPDATE messages SET `+column+` = TRUE
		WHERE claim_id = ? AND sender_role <> ? AND position <= ? AND `+column+` = FALSE
	`, claimID, string(side), through)
	if err != nil {
		return 0, 0, fmt.Errorf("mark seen: %w", classify(err))
	}
	changed, err := result.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("mark seen rows: %w", classify(err))
	}
	return changed, through, nil
}

// UnreadCount counts messages addressed to side that side has not seen.
func (t *Tx) UnreadCount(ctx context.Context, claimID string, side rbac.Side) (int, error) {
	column, err := seenColumn(side)
	if err != nil {
		return 0, err
	}
	var count int
	err = t.queryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE claim_id = ? AND sender_role <> ? AND `+column+` = FALSE
	`, claimID, string(side)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", classify(err))
	}
	return count, nil
}

// UnreadByClaim returns per-claim unread counts for side, omitting claims
// with nothing unread. A non-empty claimantSubjectID restricts the result to
// claims filed by that subject.
func (t *Tx) UnreadByClaim(ctx context.Context, side rbac.Side, claimantSubjectID string) (map[string]int, error) {
	column, err := seenColumn(side)
	if err != nil {
		return nil, err
	}
	query := `
		SELECT m.claim_id, COUNT(*)
		FROM messages m
		JOIN claims c ON c.id = m.claim_id
		WHERE m.sender_role <> ? AND m.` + column + ` = FALSE`
	args := []any{string(side)}
	if claimantSubjectID != "" {
		query += ` AND c.claimant_subject_id = ?`
		args = append(args, claimantSubjectID)
	}
	query += ` GROUP BY m.claim_id`

	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("unread by claim: %w", classify(err))
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			claimID string
			count   int
		)
		if err := rows.Scan(&claimID, &count); err != nil {
			return nil, fmt.Errorf("scan unread: %w", classify(err))
		}
		counts[claimID] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unread: %w", classify(err))
	}
	return counts, nil
}
