package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// InsertAudit writes entry once; replaying an entry with a known id is a no-op.
func (t *Tx) InsertAudit(ctx context.Context, entry AuditEntry) error {
	details := entry.Details
	if details == nil {
		details = map[string]any{}
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = t.now
	}
	_, err = t.exec(ctx, `
		INSERT INTO audit_entries (id, action, entity_type, entity_id, actor_id, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.Action, entry.EntityType, entry.EntityID, entry.ActorID, string(payload), createdAt.UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", classify(err))
	}
	return nil
}

func (t *Tx) ListAudit(ctx context.Context, entityType, entityID string) ([]AuditEntry, error) {
	rows, err := t.query(ctx, `
		SELECT id, action, entity_type, entity_id, actor_id, details, created_at
		FROM audit_entries
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY created_at ASC, id ASC
	`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", classify(err))
	}
	defer rows.Close()

	items := make([]AuditEntry, 0)
	for rows.Next() {
		var (
			item    AuditEntry
			payload string
		)
		if err := rows.Scan(&item.ID, &item.Action, &item.EntityType, &item.EntityID, &item.ActorID, &payload, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", classify(err))
		}
		if payload != "" {
			if err := json.Unmarshal([]byte(payload), &item.Details); err != nil {
				return nil, fmt.Errorf("decode audit details: %w", err)
			}
		}
		item.CreatedAt = item.CreatedAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", classify(err))
	}
	return items, nil
}

// RecordAudit writes one audit entry in its own transaction.
func (s *SQLStore) RecordAudit(ctx context.Context, entry AuditEntry) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.InsertAudit(ctx, entry)
	})
}
