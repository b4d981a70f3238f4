package notify

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
	"claimdesk/api/internal/thread"
)

var testClaim = store.Claim{ID: "clm-1", ItemID: "item-7", ClaimantSubjectID: "u1", Status: store.StatusPending, Version: 1}

func msg(id string, position int64, from rbac.Side, body string) store.Message {
	return store.Message{
		ID:             id,
		ClaimID:        "clm-1",
		Position:       position,
		SenderRole:     from,
		Body:           body,
		SeenByClaimant: from == rbac.SideClaimant,
		SeenByStaff:    from == rbac.SideStaff,
	}
}

func ids(messages []store.Message) []string {
	out := make([]string, len(messages))
	for i, m := range messages {
		out[i] = m.ID
	}
	return out
}

func TestThreadViewIgnoresDuplicatesAndReorders(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideClaimant)
	v.Reset(testClaim, nil)

	c := msg("m3", 3, rbac.SideStaff, "C")
	a := msg("m1", 1, rbac.SideClaimant, "A")
	b := msg("m2", 2, rbac.SideStaff, "B")

	require.True(t, v.Apply(MessageEvent(testClaim, c)))
	require.True(t, v.NeedsReconcile())
	require.True(t, v.Apply(MessageEvent(testClaim, a)))
	require.True(t, v.Apply(MessageEvent(testClaim, b)))
	require.False(t, v.Apply(MessageEvent(testClaim, b)))
	require.False(t, v.NeedsReconcile())

	if diff := cmp.Diff([]string{"m1", "m2", "m3"}, ids(v.Messages())); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 2, v.Unread())
	require.Equal(t, "C", v.Preview())
}

func TestThreadViewDiscardsStaleClaimSnapshots(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideStaff)
	v.Reset(testClaim, nil)

	approved := testClaim
	approved.Status = store.StatusApproved
	approved.Version = 2
	picked := approved
	picked.Status = store.StatusPickedUp
	picked.Version = 3

	require.True(t, v.Apply(ClaimEvent(KindClaimPickedUp, picked)))
	require.False(t, v.Apply(ClaimEvent(KindClaimApproved, approved)))

	got, ok := v.Claim()
	require.True(t, ok)
	require.Equal(t, store.StatusPickedUp, got.Status)
}

func TestThreadViewIgnoresOtherClaims(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideStaff)
	other := store.Claim{ID: "clm-2", Version: 5}
	require.False(t, v.Apply(ClaimEvent(KindClaimApproved, other)))
}

func TestThreadViewSeenBeforeMessageArrives(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideClaimant)
	v.Reset(testClaim, []store.Message{msg("m1", 1, rbac.SideStaff, "hi")})
	require.Equal(t, 1, v.Unread())

	require.True(t, v.Apply(SeenEvent(testClaim, rbac.SideClaimant, 2, testClaim.UpdatedAt)))
	require.Zero(t, v.Unread())

	// the seen event covered position 2 before its message was delivered
	require.True(t, v.Apply(MessageEvent(testClaim, msg("m2", 2, rbac.SideStaff, "there"))))
	require.Zero(t, v.Unread())

	require.True(t, v.Apply(MessageEvent(testClaim, msg("m3", 3, rbac.SideStaff, "again"))))
	require.Equal(t, 1, v.Unread())

	require.False(t, v.Apply(SeenEvent(testClaim, rbac.SideClaimant, 2, testClaim.UpdatedAt)))
}

func TestThreadViewUnreadMatchesRecount(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideStaff)
	messages := []store.Message{
		msg("m1", 1, rbac.SideClaimant, "a"),
		msg("m2", 2, rbac.SideStaff, "b"),
		msg("m3", 3, rbac.SideClaimant, "c"),
	}
	v.Reset(testClaim, messages)
	require.Equal(t, thread.Unread(messages, rbac.SideStaff), v.Unread())
	require.Equal(t, 2, v.Unread())
}

func TestDraftLifecycle(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideClaimant)
	v.Reset(testClaim, nil)

	failed := v.AddDraft("is it blue?")
	v.FailDraft(failed, errors.New("offline"))
	drafts := v.Drafts()
	require.Len(t, drafts, 1)
	require.Equal(t, DraftFailed, drafts[0].State)
	require.Equal(t, "is it blue?", drafts[0].Body)
	require.Equal(t, "offline", drafts[0].Error)

	body, ok := v.RetryDraft(failed)
	require.True(t, ok)
	require.Equal(t, "is it blue?", body)
	require.Equal(t, DraftPendingSend, v.Drafts()[0].State)

	stored := msg("m1", 1, rbac.SideClaimant, body)
	// the event overtakes the send response
	require.True(t, v.Apply(MessageEvent(testClaim, stored)))
	v.ConfirmDraft(failed, stored)

	require.Empty(t, v.Drafts())
	require.Equal(t, []string{"m1"}, ids(v.Messages()))

	_, ok = v.RetryDraft(failed)
	require.False(t, ok)
}

func TestResetKeepsDrafts(t *testing.T) {
	v := NewThreadView("clm-1", rbac.SideClaimant)
	local := v.AddDraft("typed offline")
	v.Reset(testClaim, []store.Message{msg("m1", 1, rbac.SideStaff, "hi")})

	snap := v.Snapshot()
	require.Len(t, snap.Drafts, 1)
	require.Equal(t, local, snap.Drafts[0].LocalID)
	require.Len(t, snap.Messages, 1)
	require.False(t, snap.Stale)
}

func TestBadgeViewOnlyMarksDirty(t *testing.T) {
	b := NewBadgeView(thread.Viewer{SubjectID: "u1", Side: rbac.SideClaimant})
	b.Reset(thread.Badge{Total: 2, ByClaim: map[string]int{"clm-1": 2}})

	require.True(t, b.Apply(MessageEvent(testClaim, msg("m9", 9, rbac.SideStaff, "x"))))
	require.False(t, b.Apply(MessageEvent(testClaim, msg("m10", 10, rbac.SideClaimant, "mine"))))
	require.False(t, b.Apply(SeenEvent(testClaim, rbac.SideStaff, 3, testClaim.UpdatedAt)))
	require.False(t, b.Apply(ClaimEvent(KindClaimApproved, testClaim)))

	require.Equal(t, 2, b.Total(), "events never change counts on their own")
	require.Equal(t, []string{"clm-1"}, b.Dirty())

	b.Refresh("clm-1", 3)
	require.Empty(t, b.Dirty())
	require.Equal(t, 3, b.Total())

	b.Refresh("clm-1", 0)
	require.Equal(t, 0, b.Total())
	require.Empty(t, b.Snapshot().ByClaim)
}
