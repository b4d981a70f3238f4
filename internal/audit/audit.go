// Package audit records state-changing actions without ever holding up or
// failing the action itself.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"claimdesk/api/internal/store"
	"claimdesk/api/internal/util"
)

const (
	EntityClaim = "claim"

	ActionSubmitClaim = "submit_claim"
	ActionMessageSent = "message_sent"

	defaultTimeout = 5 * time.Second
)

// Sink accepts audit entries fire-and-forget. Record never blocks on I/O
// and never reports failure to the caller.
type Sink interface {
	Record(entry store.AuditEntry)
}

// Writer persists one entry.
type Writer interface {
	RecordAudit(ctx context.Context, entry store.AuditEntry) error
}

// New fills the id and timestamp of an entry.
func New(action, entityType, entityID, actorID string, details map[string]any) store.AuditEntry {
	return store.AuditEntry{
		ID:         util.NewID("aud"),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		ActorID:    actorID,
		Details:    details,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
	}
}

// StoreSink writes entries straight to the store on background goroutines.
type StoreSink struct {
	writer  Writer
	timeout time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

func NewStoreSink(writer Writer, timeout time.Duration, logger *slog.Logger) *StoreSink {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreSink{writer: writer, timeout: timeout, logger: logger}
}

func (s *StoreSink) Record(entry store.AuditEntry) {
	entry = complete(entry)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		if err := s.writer.RecordAudit(ctx, entry); err != nil {
			s.logger.Error("audit write failed",
				"audit_id", entry.ID,
				"action", entry.Action,
				"entity_id", entry.EntityID,
				"error", err,
			)
		}
	}()
}

// Wait blocks until every entry recorded so far has been written or dropped.
func (s *StoreSink) Wait() {
	s.wg.Wait()
}

func complete(entry store.AuditEntry) store.AuditEntry {
	if entry.ID == "" {
		entry.ID = util.NewID("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	return entry
}

// Discard drops every entry.
type Discard struct{}

func (Discard) Record(store.AuditEntry) {}
