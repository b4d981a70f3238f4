package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"claimdesk/api/internal/auth"
	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
	"claimdesk/api/internal/util"
)

var (
	ErrValidation     = errors.New("invalid message")
	ErrNotParticipant = errors.New("not a participant in this claim thread")
)

const DefaultMaxLength = 2000

// Tx is the slice of a store transaction the thread manager needs.
type Tx interface {
	GetClaim(ctx context.Context, claimID string) (store.Claim, error)
	InsertMessage(ctx context.Context, msg store.Message) (store.Message, error)
	ListMessages(ctx context.Context, claimID string) ([]store.Message, error)
	MarkSeen(ctx context.Context, claimID string, side rbac.Side) (int64, int64, error)
	UnreadCount(ctx context.Context, claimID string, side rbac.Side) (int, error)
	UnreadByClaim(ctx context.Context, side rbac.Side, claimantSubjectID string) (map[string]int, error)
}

// Viewer is a subject looking at threads from one side.
type Viewer struct {
	SubjectID string
	Side      rbac.Side
}

func ViewerFor(p auth.Principal) Viewer {
	return Viewer{SubjectID: p.SubjectID, Side: rbac.SideFor(p.Role)}
}

// CanAccess reports whether v may read and write the thread of c. Staff see
// every thread; a claimant only the threads of claims they filed.
func (v Viewer) CanAccess(c store.Claim) bool {
	switch v.Side {
	case rbac.SideStaff:
		return true
	case rbac.SideClaimant:
		return v.SubjectID != "" && v.SubjectID == c.ClaimantSubjectID
	default:
		return false
	}
}

type SeenResult struct {
	Changed int64
	// Through is the highest counterpart position now seen.
	Through int64
}

// Badge is a viewer's unread total across every thread they take part in.
type Badge struct {
	Total   int            `json:"total"`
	ByClaim map[string]int `json:"byClaim"`
}

type Manager struct {
	maxLength int
}

func NewManager(maxLength int) *Manager {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &Manager{maxLength: maxLength}
}

func (m *Manager) MaxLength() int {
	return m.maxLength
}

// Validate returns the body as it will be stored.
func (m *Manager) Validate(body string) (string, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", fmt.Errorf("%w: body is empty", ErrValidation)
	}
	if !utf8.ValidString(trimmed) {
		return "", fmt.Errorf("%w: body is not valid UTF-8", ErrValidation)
	}
	if n := utf8.RuneCountInString(trimmed); n > m.maxLength {
		return "", fmt.Errorf("%w: body has %d characters, limit is %d", ErrValidation, n, m.maxLength)
	}
	return trimmed, nil
}

// Send appends a message from sender to the claim thread. Access is checked
// before the body.
func (m *Manager) Send(ctx context.Context, tx Tx, claimID string, sender Viewer, body string) (store.Message, error) {
	c, err := m.authorize(ctx, tx, claimID, sender)
	if err != nil {
		return store.Message{}, err
	}
	text, err := m.Validate(body)
	if err != nil {
		return store.Message{}, err
	}
	return m.insert(ctx, tx, c, sender, text)
}

// SendOn is Send for a claim the caller already loaded in tx.
func (m *Manager) SendOn(ctx context.Context, tx Tx, c store.Claim, sender Viewer, body string) (store.Message, error) {
	if !sender.CanAccess(c) {
		return store.Message{}, fmt.Errorf("claim %s: %w", c.ID, ErrNotParticipant)
	}
	text, err := m.Validate(body)
	if err != nil {
		return store.Message{}, err
	}
	return m.insert(ctx, tx, c, sender, text)
}

func (m *Manager) insert(ctx context.Context, tx Tx, c store.Claim, sender Viewer, text string) (store.Message, error) {
	msg, err := tx.InsertMessage(ctx, store.Message{
		ID:              util.NewID("msg"),
		ClaimID:         c.ID,
		SenderSubjectID: sender.SubjectID,
		SenderRole:      sender.Side,
		Body:            text,
	})
	if err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

// MarkSeen marks every counterpart message in the thread as seen by the
// viewer's side. Calling it again changes nothing.
func (m *Manager) MarkSeen(ctx context.Context, tx Tx, claimID string, viewer Viewer) (SeenResult, error) {
	if _, err := m.authorize(ctx, tx, claimID, viewer); err != nil {
		return SeenResult{}, err
	}
	changed, through, err := tx.MarkSeen(ctx, claimID, viewer.Side)
	if err != nil {
		return SeenResult{}, err
	}
	return SeenResult{Changed: changed, Through: through}, nil
}

// List returns the thread in position order.
func (m *Manager) List(ctx context.Context, tx Tx, claimID string, viewer Viewer) ([]store.Message, error) {
	if _, err := m.authorize(ctx, tx, claimID, viewer); err != nil {
		return nil, err
	}
	return tx.ListMessages(ctx, claimID)
}

func (m *Manager) UnreadCount(ctx context.Context, tx Tx, claimID string, viewer Viewer) (int, error) {
	if _, err := m.authorize(ctx, tx, claimID, viewer); err != nil {
		return 0, err
	}
	return tx.UnreadCount(ctx, claimID, viewer.Side)
}

// AggregateUnread sums unread counts over the claims the viewer filed, or
// over every claim for staff.
func (m *Manager) AggregateUnread(ctx context.Context, tx Tx, viewer Viewer) (Badge, error) {
	var scope string
	switch viewer.Side {
	case rbac.SideStaff:
	case rbac.SideClaimant:
		if viewer.SubjectID == "" {
			return Badge{}, ErrNotParticipant
		}
		scope = viewer.SubjectID
	default:
		return Badge{}, fmt.Errorf("%w: unknown side %q", ErrValidation, viewer.Side)
	}
	byClaim, err := tx.UnreadByClaim(ctx, viewer.Side, scope)
	if err != nil {
		return Badge{}, err
	}
	return NewBadge(byClaim), nil
}

func (m *Manager) authorize(ctx context.Context, tx Tx, claimID string, viewer Viewer) (store.Claim, error) {
	if strings.TrimSpace(claimID) == "" {
		return store.Claim{}, fmt.Errorf("%w: claim id is required", ErrValidation)
	}
	c, err := tx.GetClaim(ctx, claimID)
	if err != nil {
		return store.Claim{}, err
	}
	if !viewer.CanAccess(c) {
		return store.Claim{}, fmt.Errorf("claim %s: %w", claimID, ErrNotParticipant)
	}
	return c, nil
}

// NewBadge builds a badge from per-claim counts, dropping zero entries.
func NewBadge(byClaim map[string]int) Badge {
	badge := Badge{ByClaim: make(map[string]int, len(byClaim))}
	for id, n := range byClaim {
		if n <= 0 {
			continue
		}
		badge.ByClaim[id] = n
		badge.Total += n
	}
	return badge
}

// Unread counts messages addressed to side that side has not seen.
func Unread(messages []store.Message, side rbac.Side) int {
	n := 0
	for _, msg := range messages {
		if msg.AddressedTo(side) && !msg.SeenBy(side) {
			n++
		}
	}
	return n
}

// Preview is the body of the latest message, or "" for an empty thread.
func Preview(messages []store.Message) string {
	var latest *store.Message
	for i := range messages {
		if latest == nil || messages[i].Position > latest.Position {
			latest = &messages[i]
		}
	}
	if latest == nil {
		return ""
	}
	return latest.Body
}
