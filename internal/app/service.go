package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"claimdesk/api/internal/audit"
	"claimdesk/api/internal/auth"
	"claimdesk/api/internal/claim"
	"claimdesk/api/internal/config"
	"claimdesk/api/internal/notify"
	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
	"claimdesk/api/internal/thread"
	"claimdesk/api/internal/util"
)

const (
	maxItemIDLength  = 128
	maxReasonLength  = 500
	defaultListLimit = 100
	publishTimeout   = 2 * time.Second
)

// dataStore is the part of the SQL store the service drives directly.
type dataStore interface {
	WithTx(ctx context.Context, fn func(*store.Tx) error) error
	Ping(ctx context.Context) error
}

type ApproveResult struct {
	Claim store.Claim `json:"claim"`
}

// RequestInfoResult carries the status change and, when a note was given,
// the outcome of posting it. A failed note never undoes the status change.
type RequestInfoResult struct {
	Claim        store.Claim    `json:"claim"`
	Message      *store.Message `json:"message,omitempty"`
	MessageError error          `json:"-"`
}

type PickupResult struct {
	Claim store.Claim `json:"claim"`
	// HoldExpired is set when the hold had lapsed before pickup. Advisory only.
	HoldExpired bool `json:"holdExpired"`
}

type ClaimQuery struct {
	Status string
	ItemID string
	Limit  int
}

type Service struct {
	cfg     config.Config
	store   dataStore
	claims  *claim.Machine
	threads *thread.Manager
	bus     notify.Bus
	audit   audit.Sink
	logger  *slog.Logger

	attempts  int
	baseDelay time.Duration
	timeout   time.Duration
}

func New(cfg config.Config, sqlStore *store.SQLStore, bus notify.Bus, sink audit.Sink, logger *slog.Logger) *Service {
	return newService(cfg, sqlStore, bus, sink, logger)
}

func newService(cfg config.Config, st dataStore, bus notify.Bus, sink audit.Sink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if sink == nil {
		sink = audit.Discard{}
	}
	if bus == nil {
		bus = notify.NewMemoryBus()
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		cfg:       cfg,
		store:     st,
		claims:    claim.NewMachine(cfg.HoldDuration, claim.RandomCodes(cfg.PickupCodeLength)),
		threads:   thread.NewManager(cfg.MessageMaxLength),
		bus:       bus,
		audit:     sink,
		logger:    logger,
		attempts:  attempts,
		baseDelay: cfg.RetryBaseDelay,
		timeout:   timeout,
	}
}

// Ping checks the store for readiness probes.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SubmitClaim(ctx context.Context, p auth.Principal, itemID string) (store.Claim, error) {
	if err := s.require(p, rbac.ActionFileClaim, "file claims"); err != nil {
		return store.Claim{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" || len(itemID) > maxItemIDLength {
		return store.Claim{}, invalidInput("itemId is required", map[string]any{"maxLength": maxItemIDLength})
	}

	var created store.Claim
	err := s.transact(ctx, "submit_claim", func(ctx context.Context, tx *store.Tx) error {
		c, err := tx.InsertClaim(ctx, store.Claim{
			ID:                util.NewID("clm"),
			ItemID:            itemID,
			ClaimantSubjectID: p.SubjectID,
		})
		if err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return store.Claim{}, err
	}

	s.publish(ctx, notify.ClaimEvent(notify.KindClaimSubmitted, created))
	s.record(audit.ActionSubmitClaim, created.ID, p, map[string]any{"itemId": itemID})
	return created, nil
}

func (s *Service) GetClaim(ctx context.Context, p auth.Principal, claimID string) (store.Claim, error) {
	if p.SubjectID == "" {
		return store.Claim{}, unauthenticated()
	}
	var found store.Claim
	err := s.transact(ctx, "get_claim", func(ctx context.Context, tx *store.Tx) error {
		c, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		found = c
		return nil
	})
	if err != nil {
		return store.Claim{}, err
	}
	if !thread.ViewerFor(p).CanAccess(found) {
		return store.Claim{}, forbidden("view this claim")
	}
	return found, nil
}

// ListClaims returns the caller's own claims, or every claim for staff.
func (s *Service) ListClaims(ctx context.Context, p auth.Principal, query ClaimQuery) ([]store.Claim, error) {
	if p.SubjectID == "" {
		return nil, unauthenticated()
	}
	filter := store.ClaimFilter{
		ItemID: strings.TrimSpace(query.ItemID),
		Limit:  query.Limit,
	}
	if status := strings.TrimSpace(query.Status); status != "" {
		if !validStatus(store.ClaimStatus(status)) {
			return nil, invalidInput("Unknown claim status", map[string]any{"status": status})
		}
		filter.Status = store.ClaimStatus(status)
	}
	if filter.Limit <= 0 || filter.Limit > defaultListLimit {
		filter.Limit = defaultListLimit
	}
	if !rbac.Can(p.Role, rbac.ActionReadAll) {
		filter.ClaimantSubjectID = p.SubjectID
	}

	var claims []store.Claim
	err := s.transact(ctx, "list_claims", func(ctx context.Context, tx *store.Tx) error {
		items, err := tx.ListClaims(ctx, filter)
		if err != nil {
			return err
		}
		claims = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []store.Claim{}
	}
	return claims, nil
}

func (s *Service) ApproveClaim(ctx context.Context, p auth.Principal, claimID string) (ApproveResult, error) {
	if err := s.require(p, rbac.ActionDecide, "approve claims"); err != nil {
		return ApproveResult{}, err
	}
	var result claim.Result
	err := s.transact(ctx, "approve_claim", func(ctx context.Context, tx *store.Tx) error {
		res, err := s.claims.Approve(ctx, tx, claimID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return ApproveResult{}, err
	}

	s.publish(ctx, notify.ClaimEvent(notify.KindClaimApproved, result.Claim))
	s.recordOp(claim.OpApprove, result, p, map[string]any{
		"holdUntil": result.Claim.HoldUntil,
	})
	return ApproveResult{Claim: result.Claim}, nil
}

// RequestInfoClaim moves the claim to needs_info. A non-empty note is posted
// to the thread from the acting staff member in the same transaction.
func (s *Service) RequestInfoClaim(ctx context.Context, p auth.Principal, claimID, note string) (RequestInfoResult, error) {
	if err := s.require(p, rbac.ActionDecide, "request information"); err != nil {
		return RequestInfoResult{}, err
	}
	viewer := thread.ViewerFor(p)
	hasNote := strings.TrimSpace(note) != ""

	var (
		result  claim.Result
		message *store.Message
		noteErr error
	)
	err := s.transact(ctx, "request_info", func(ctx context.Context, tx *store.Tx) error {
		message, noteErr = nil, nil
		res, err := s.claims.RequestInfo(ctx, tx, claimID)
		if err != nil {
			return err
		}
		result = res
		if !hasNote {
			return nil
		}
		noteErr = tx.Savepoint(ctx, "request_info_note", func() error {
			msg, err := s.threads.SendOn(ctx, tx, res.Claim, viewer, note)
			if err != nil {
				return err
			}
			message = &msg
			return nil
		})
		if noteErr != nil {
			s.logger.Warn("request info note not posted", "claim_id", claimID, "error", noteErr)
		}
		return nil
	})
	if err != nil {
		return RequestInfoResult{}, err
	}

	events := []notify.Event{notify.ClaimEvent(notify.KindClaimInfoRequested, result.Claim)}
	if message != nil {
		events = append(events, notify.MessageEvent(result.Claim, *message))
	}
	s.publish(ctx, events...)

	details := map[string]any{"noteAttached": message != nil}
	s.recordOp(claim.OpRequestInfo, result, p, details)
	if message != nil {
		s.record(audit.ActionMessageSent, result.Claim.ID, p, map[string]any{
			"messageId": message.ID,
			"position":  message.Position,
		})
	}

	out := RequestInfoResult{Claim: result.Claim, Message: message}
	if noteErr != nil {
		out.MessageError = toDomain(noteErr)
	}
	return out, nil
}

func (s *Service) RejectClaim(ctx context.Context, p auth.Principal, claimID, reason string) (store.Claim, error) {
	if err := s.require(p, rbac.ActionDecide, "reject claims"); err != nil {
		return store.Claim{}, err
	}
	reason = strings.TrimSpace(reason)
	if len([]rune(reason)) > maxReasonLength {
		return store.Claim{}, invalidInput("Reason is too long", map[string]any{"maxLength": maxReasonLength})
	}
	var result claim.Result
	err := s.transact(ctx, "reject_claim", func(ctx context.Context, tx *store.Tx) error {
		res, err := s.claims.Reject(ctx, tx, claimID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return store.Claim{}, err
	}

	s.publish(ctx, notify.ClaimEvent(notify.KindClaimRejected, result.Claim))
	details := map[string]any{}
	if reason != "" {
		details["reason"] = reason
	}
	s.recordOp(claim.OpReject, result, p, details)
	return result.Claim, nil
}

func (s *Service) MarkPickedUp(ctx context.Context, p auth.Principal, claimID string) (PickupResult, error) {
	if err := s.require(p, rbac.ActionDecide, "hand over items"); err != nil {
		return PickupResult{}, err
	}
	var result claim.Result
	err := s.transact(ctx, "mark_picked_up", func(ctx context.Context, tx *store.Tx) error {
		res, err := s.claims.MarkPickedUp(ctx, tx, claimID)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return PickupResult{}, err
	}

	s.publish(ctx, notify.ClaimEvent(notify.KindClaimPickedUp, result.Claim))
	s.recordOp(claim.OpMarkPickedUp, result, p, map[string]any{"holdExpired": result.HoldExpired})
	return PickupResult{Claim: result.Claim, HoldExpired: result.HoldExpired}, nil
}

func (s *Service) SendMessage(ctx context.Context, p auth.Principal, claimID, body string) (store.Message, error) {
	if p.SubjectID == "" {
		return store.Message{}, unauthenticated()
	}
	viewer := thread.ViewerFor(p)
	var (
		sent store.Message
		c    store.Claim
	)
	err := s.transact(ctx, "send_message", func(ctx context.Context, tx *store.Tx) error {
		msg, err := s.threads.Send(ctx, tx, claimID, viewer, body)
		if err != nil {
			return err
		}
		owner, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		sent, c = msg, owner
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}

	s.publish(ctx, notify.MessageEvent(c, sent))
	s.record(audit.ActionMessageSent, claimID, p, map[string]any{
		"messageId": sent.ID,
		"position":  sent.Position,
	})
	return sent, nil
}

// MarkThreadSeen marks the counterpart's messages as seen by the caller's
// side. Repeating it is harmless and publishes nothing.
func (s *Service) MarkThreadSeen(ctx context.Context, p auth.Principal, claimID string) (thread.SeenResult, error) {
	if p.SubjectID == "" {
		return thread.SeenResult{}, unauthenticated()
	}
	viewer := thread.ViewerFor(p)
	var (
		seen thread.SeenResult
		c    store.Claim
		at   time.Time
	)
	err := s.transact(ctx, "mark_thread_seen", func(ctx context.Context, tx *store.Tx) error {
		res, err := s.threads.MarkSeen(ctx, tx, claimID, viewer)
		if err != nil {
			return err
		}
		owner, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		seen, c, at = res, owner, tx.Now()
		return nil
	})
	if err != nil {
		return thread.SeenResult{}, err
	}
	if seen.Changed > 0 {
		s.publish(ctx, notify.SeenEvent(c, viewer.Side, seen.Through, at))
	}
	return seen, nil
}

func (s *Service) ListThread(ctx context.Context, p auth.Principal, claimID string) ([]store.Message, error) {
	_, messages, err := s.loadThread(ctx, p, claimID)
	return messages, err
}

func (s *Service) UnreadCount(ctx context.Context, p auth.Principal, claimID string) (int, error) {
	if p.SubjectID == "" {
		return 0, unauthenticated()
	}
	var n int
	err := s.transact(ctx, "unread_count", func(ctx context.Context, tx *store.Tx) error {
		count, err := s.threads.UnreadCount(ctx, tx, claimID, thread.ViewerFor(p))
		if err != nil {
			return err
		}
		n = count
		return nil
	})
	return n, err
}

// GetUnreadBadge sums unread messages over every thread the caller takes
// part in.
func (s *Service) GetUnreadBadge(ctx context.Context, p auth.Principal) (thread.Badge, error) {
	if p.SubjectID == "" {
		return thread.Badge{}, unauthenticated()
	}
	var badge thread.Badge
	err := s.transact(ctx, "unread_badge", func(ctx context.Context, tx *store.Tx) error {
		b, err := s.threads.AggregateUnread(ctx, tx, thread.ViewerFor(p))
		if err != nil {
			return err
		}
		badge = b
		return nil
	})
	return badge, err
}

func (s *Service) ClaimAudit(ctx context.Context, p auth.Principal, claimID string) ([]store.AuditEntry, error) {
	if err := s.require(p, rbac.ActionAudit, "read the audit trail"); err != nil {
		return nil, err
	}
	var entries []store.AuditEntry
	err := s.transact(ctx, "claim_audit", func(ctx context.Context, tx *store.Tx) error {
		if _, err := tx.GetClaim(ctx, claimID); err != nil {
			return err
		}
		items, err := tx.ListAudit(ctx, audit.EntityClaim, claimID)
		if err != nil {
			return err
		}
		entries = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return entries, nil
}

// ExpiredHolds lists approved claims whose hold has lapsed. Nothing is
// changed; staff decide what to do with them.
func (s *Service) ExpiredHolds(ctx context.Context, p auth.Principal) ([]store.Claim, error) {
	if err := s.require(p, rbac.ActionDecide, "review holds"); err != nil {
		return nil, err
	}
	var claims []store.Claim
	err := s.transact(ctx, "expired_holds", func(ctx context.Context, tx *store.Tx) error {
		items, err := tx.ListExpiredHolds(ctx, tx.Now())
		if err != nil {
			return err
		}
		claims = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claims == nil {
		claims = []store.Claim{}
	}
	return claims, nil
}

// WatchThread streams snapshots of one claim thread. Access is checked once
// up front and again on every reconcile.
func (s *Service) WatchThread(ctx context.Context, p auth.Principal, claimID string) (*notify.ThreadWatch, error) {
	if _, _, err := s.loadThread(ctx, p, claimID); err != nil {
		return nil, err
	}
	view := notify.NewThreadView(claimID, rbac.SideFor(p.Role))
	fetch := func(ctx context.Context) (store.Claim, []store.Message, error) {
		return s.loadThread(ctx, p, claimID)
	}
	return notify.WatchThread(ctx, s.bus, view, fetch, s.watchOptions()), nil
}

// WatchBadge streams the caller's unread badge.
func (s *Service) WatchBadge(ctx context.Context, p auth.Principal) (*notify.BadgeWatch, error) {
	if p.SubjectID == "" {
		return nil, unauthenticated()
	}
	viewer := thread.ViewerFor(p)
	topic := notify.SubjectTopic(p.SubjectID)
	if viewer.Side == rbac.SideStaff {
		topic = notify.StaffTopic
	}
	all := func(ctx context.Context) (thread.Badge, error) {
		return s.GetUnreadBadge(ctx, p)
	}
	one := func(ctx context.Context, claimID string) (int, error) {
		return s.UnreadCount(ctx, p, claimID)
	}
	return notify.WatchBadge(ctx, s.bus, topic, notify.NewBadgeView(viewer), all, one, s.watchOptions()), nil
}

func (s *Service) watchOptions() notify.WatchOptions {
	return notify.WatchOptions{
		Backoff:   s.baseDelay,
		Retryable: Retryable,
		Logger:    s.logger,
	}
}

func (s *Service) loadThread(ctx context.Context, p auth.Principal, claimID string) (store.Claim, []store.Message, error) {
	if p.SubjectID == "" {
		return store.Claim{}, nil, unauthenticated()
	}
	viewer := thread.ViewerFor(p)
	var (
		c        store.Claim
		messages []store.Message
	)
	err := s.transact(ctx, "list_thread", func(ctx context.Context, tx *store.Tx) error {
		items, err := s.threads.List(ctx, tx, claimID, viewer)
		if err != nil {
			return err
		}
		owner, err := tx.GetClaim(ctx, claimID)
		if err != nil {
			return err
		}
		c, messages = owner, items
		return nil
	})
	if err != nil {
		return store.Claim{}, nil, err
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return c, messages, nil
}

// Retryable reports whether err is a transient failure worth retrying.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || store.IsTransient(err)
}

func (s *Service) require(p auth.Principal, action rbac.Action, what string) error {
	if p.SubjectID == "" {
		return unauthenticated()
	}
	if !rbac.Can(p.Role, action) {
		return forbidden(what)
	}
	return nil
}

// transact runs fn in a store transaction, retrying transient failures with
// backoff. Each attempt gets its own deadline. fn must assign its results
// only on success since it may run more than once.
func (s *Service) transact(ctx context.Context, op string, fn func(context.Context, *store.Tx) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		err = s.store.WithTx(attemptCtx, func(tx *store.Tx) error {
			return fn(attemptCtx, tx)
		})
		cancel()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return toDomain(fmt.Errorf("%s: %w", op, ctxErr))
		}
		if !store.IsTransient(err) {
			return toDomain(err)
		}
		if attempt+1 >= s.attempts {
			break
		}
		delay := util.Backoff(attempt, s.baseDelay, 20*s.baseDelay)
		s.logger.Debug("retrying transaction", "op", op, "attempt", attempt+2, "delay_ms", delay.Milliseconds(), "error", err)
		if sleepErr := util.Sleep(ctx, delay); sleepErr != nil {
			return toDomain(sleepErr)
		}
	}
	s.logger.Warn("transaction failed", "op", op, "attempts", s.attempts, "error", err)
	return opaqueDomain(ErrTransient, fmt.Errorf("%s: %w", op, err), map[string]any{"attempts": s.attempts})
}

// publish sends committed events. The store already holds the change, so a
// bus failure is logged and otherwise ignored.
func (s *Service) publish(ctx context.Context, events ...notify.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	for _, event := range events {
		if err := notify.Publish(ctx, s.bus, event); err != nil {
			s.logger.Warn("publish event", "kind", event.Kind, "claim_id", event.ClaimID, "error", err)
		}
	}
}

func (s *Service) record(action, claimID string, p auth.Principal, details map[string]any) {
	details = withRole(details, p)
	s.audit.Record(audit.New(action, audit.EntityClaim, claimID, p.SubjectID, details))
}

func (s *Service) recordOp(op claim.Op, result claim.Result, p auth.Principal, details map[string]any) {
	if details == nil {
		details = map[string]any{}
	}
	details["from"] = string(result.Previous)
	details["to"] = string(result.Claim.Status)
	s.record(claim.AuditAction(op), result.Claim.ID, p, details)
}

func withRole(details map[string]any, p auth.Principal) map[string]any {
	if details == nil {
		details = map[string]any{}
	}
	details["actorRole"] = string(p.Role)
	return details
}

func validStatus(status store.ClaimStatus) bool {
	switch status {
	case store.StatusPending, store.StatusNeedsInfo, store.StatusApproved, store.StatusRejected, store.StatusPickedUp:
		return true
	}
	return false
}
