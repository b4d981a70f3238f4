package notify

import (
	"maps"
	"slices"
	"sync"

	"claimdesk/api/internal/thread"
)

// BadgeView caches a viewer's per-claim unread counts. Events never adjust a
// count; they only mark the claim dirty until Refresh stores a value read
// from the store.
type BadgeView struct {
	mu     sync.Mutex
	viewer thread.Viewer
	counts map[string]int
	dirty  map[string]struct{}
}

func NewBadgeView(viewer thread.Viewer) *BadgeView {
	return &BadgeView{
		viewer: viewer,
		counts: make(map[string]int),
		dirty:  make(map[string]struct{}),
	}
}

func (b *BadgeView) Reset(badge thread.Badge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counts = maps.Clone(badge.ByClaim)
	if b.counts == nil {
		b.counts = make(map[string]int)
	}
	clear(b.dirty)
}

// Apply marks the event's claim dirty when the event can move this viewer's
// count. It reports whether it did.
func (b *BadgeView) Apply(e Event) bool {
	if !b.affects(e) {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dirty[e.ClaimID] = struct{}{}
	return true
}

func (b *BadgeView) affects(e Event) bool {
	if e.ClaimID == "" {
		return false
	}
	switch e.Kind {
	case KindMessageSent:
		return e.Message != nil && e.Message.AddressedTo(b.viewer.Side)
	case KindThreadSeen:
		return e.SeenSide == b.viewer.Side
	default:
		return false
	}
}

// Dirty lists claims whose count must be re-read, sorted.
func (b *BadgeView) Dirty() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Sorted(maps.Keys(b.dirty))
}

// Refresh stores an authoritative count for one claim.
func (b *BadgeView) Refresh(claimID string, unread int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.dirty, claimID)
	if unread <= 0 {
		delete(b.counts, claimID)
		return
	}
	b.counts[claimID] = unread
}

func (b *BadgeView) Total() int {
	return b.Snapshot().Total
}

func (b *BadgeView) Snapshot() thread.Badge {
	b.mu.Lock()
	defer b.mu.Unlock()
	return thread.NewBadge(b.counts)
}
