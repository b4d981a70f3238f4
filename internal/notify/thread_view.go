package notify

import (
	"slices"
	"sort"
	"sync"
	"time"

	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
	"claimdesk/api/internal/thread"
	"claimdesk/api/internal/util"
)

type DraftState string

const (
	DraftPendingSend DraftState = "pending-send"
	DraftFailed      DraftState = "failed"
)

// Draft is a message typed locally and not yet stored. LocalID never leaves
// the view and never orders anything.
type Draft struct {
	LocalID   string     `json:"localId"`
	Body      string     `json:"body"`
	State     DraftState `json:"state"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

type ThreadSnapshot struct {
	Claim    *store.Claim    `json:"claim,omitempty"`
	Messages []store.Message `json:"messages"`
	Drafts   []Draft         `json:"drafts,omitempty"`
	Unread   int             `json:"unread"`
	Preview  string          `json:"preview"`
	// Stale is set while positions are missing and a reconcile is due.
	Stale bool `json:"stale,omitempty"`
}

// ThreadView is one viewer's cached copy of a claim thread. Every Apply is
// idempotent and tolerates reordering; Reset replaces the cache with
// authoritative state.
type ThreadView struct {
	mu       sync.Mutex
	claimID  string
	side     rbac.Side
	claim    *store.Claim
	messages map[string]store.Message
	// seen holds the highest position each side has read through.
	seen   map[rbac.Side]int64
	drafts []Draft
}

func NewThreadView(claimID string, side rbac.Side) *ThreadView {
	return &ThreadView{
		claimID:  claimID,
		side:     side,
		messages: make(map[string]store.Message),
		seen:     make(map[rbac.Side]int64),
	}
}

func (v *ThreadView) ClaimID() string {
	return v.claimID
}

// Reset replaces cached state with an authoritative read. Drafts survive.
func (v *ThreadView) Reset(c store.Claim, messages []store.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	copied := c
	v.claim = &copied
	v.messages = make(map[string]store.Message, len(messages))
	v.seen = make(map[rbac.Side]int64)
	for _, msg := range messages {
		v.messages[msg.ID] = msg
	}
}

// Apply folds one event into the view and reports whether anything changed.
func (v *ThreadView) Apply(e Event) bool {
	if e.ClaimID != v.claimID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()

	switch e.Kind {
	case KindMessageSent:
		if e.Message == nil {
			return false
		}
		return v.addMessageLocked(*e.Message)
	case KindThreadSeen:
		return v.markSeenLocked(e.SeenSide, e.SeenThrough)
	default:
		if e.Claim == nil {
			return false
		}
		if v.claim != nil && e.Claim.Version <= v.claim.Version {
			return false
		}
		copied := *e.Claim
		v.claim = &copied
		return true
	}
}

func (v *ThreadView) addMessageLocked(msg store.Message) bool {
	if _, ok := v.messages[msg.ID]; ok {
		return false
	}
	for side, through := range v.seen {
		if msg.AddressedTo(side) && msg.Position <= through {
			setSeen(&msg, side)
		}
	}
	v.messages[msg.ID] = msg
	return true
}

func (v *ThreadView) markSeenLocked(side rbac.Side, through int64) bool {
	if !side.Valid() {
		return false
	}
	if through > v.seen[side] {
		v.seen[side] = through
	}
	changed := false
	for id, msg := range v.messages {
		if msg.AddressedTo(side) && msg.Position <= through && !msg.SeenBy(side) {
			setSeen(&msg, side)
			v.messages[id] = msg
			changed = true
		}
	}
	return changed
}

func setSeen(msg *store.Message, side rbac.Side) {
	if side == rbac.SideStaff {
		msg.SeenByStaff = true
		return
	}
	msg.SeenByClaimant = true
}

// NeedsReconcile reports whether a message position is missing, meaning an
// event was lost.
func (v *ThreadView) NeedsReconcile() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gapLocked()
}

func (v *ThreadView) gapLocked() bool {
	var highest int64
	for _, msg := range v.messages {
		highest = max(highest, msg.Position)
	}
	return highest != int64(len(v.messages))
}

func (v *ThreadView) orderedLocked() []store.Message {
	ordered := make([]store.Message, 0, len(v.messages))
	for _, msg := range v.messages {
		ordered = append(ordered, msg)
	}
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].Position < ordered[j].Position
	})
	return ordered
}

func (v *ThreadView) Messages() []store.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.orderedLocked()
}

func (v *ThreadView) Claim() (store.Claim, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.claim == nil {
		return store.Claim{}, false
	}
	return *v.claim, true
}

// Unread is derived from the cached messages on every call.
func (v *ThreadView) Unread() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return thread.Unread(v.orderedLocked(), v.side)
}

func (v *ThreadView) Preview() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return thread.Preview(v.orderedLocked())
}

func (v *ThreadView) Snapshot() ThreadSnapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	ordered := v.orderedLocked()
	snap := ThreadSnapshot{
		Messages: ordered,
		Drafts:   slices.Clone(v.drafts),
		Unread:   thread.Unread(ordered, v.side),
		Preview:  thread.Preview(ordered),
		Stale:    v.gapLocked(),
	}
	if v.claim != nil {
		copied := *v.claim
		snap.Claim = &copied
	}
	return snap
}

// AddDraft records a locally typed message as pending-send and returns its
// local id.
func (v *ThreadView) AddDraft(body string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	draft := Draft{
		LocalID:   util.NewID("local"),
		Body:      body,
		State:     DraftPendingSend,
		CreatedAt: time.Now().UTC(),
	}
	v.drafts = append(v.drafts, draft)
	return draft.LocalID
}

// ConfirmDraft swaps the draft for the stored message. The message event may
// already have arrived; it is not added twice.
func (v *ThreadView) ConfirmDraft(localID string, msg store.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeDraftLocked(localID)
	v.addMessageLocked(msg)
}

// FailDraft keeps the draft and its body so the send can be retried.
func (v *ThreadView) FailDraft(localID string, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.drafts {
		if v.drafts[i].LocalID == localID {
			v.drafts[i].State = DraftFailed
			if err != nil {
				v.drafts[i].Error = err.Error()
			}
			return
		}
	}
}

// RetryDraft moves a failed draft back to pending-send and returns its body.
func (v *ThreadView) RetryDraft(localID string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.drafts {
		if v.drafts[i].LocalID == localID && v.drafts[i].State == DraftFailed {
			v.drafts[i].State = DraftPendingSend
			v.drafts[i].Error = ""
			return v.drafts[i].Body, true
		}
	}
	return "", false
}

func (v *ThreadView) DiscardDraft(localID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.removeDraftLocked(localID)
}

func (v *ThreadView) Drafts() []Draft {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.drafts)
}

func (v *ThreadView) removeDraftLocked(localID string) {
	v.drafts = slices.DeleteFunc(v.drafts, func(d Draft) bool {
		return d.LocalID == localID
	})
}
