package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"claimdesk/api/internal/rbac"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func insertClaim(t *testing.T, s *SQLStore, id, itemID, claimant string) Claim {
	t.Helper()
	var created Claim
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		var err error
		created, err = tx.InsertClaim(context.Background(), Claim{ID: id, ItemID: itemID, ClaimantSubjectID: claimant})
		return err
	})
	require.NoError(t, err)
	return created
}

func TestInsertAndGetClaim(t *testing.T) {
	s := NewTestStore(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetClock(fixedClock(now))
	ctx := context.Background()

	insertClaim(t, s, "clm-1", "item-7", "u1")

	err := s.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetClaim(ctx, "clm-1")
		require.NoError(t, err)
		require.Equal(t, StatusPending, got.Status)
		require.Equal(t, "item-7", got.ItemID)
		require.Equal(t, int64(1), got.Version)
		require.Empty(t, got.PickupCode)
		require.Nil(t, got.HoldUntil)
		require.True(t, got.CreatedAt.Equal(now), "created_at = %s", got.CreatedAt)
		return nil
	})
	require.NoError(t, err)
}

func TestGetClaimNotFound(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.GetClaim(ctx, "missing")
		return err
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateClaimStatusIsConditional(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-7", "u1")

	hold := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	err := s.WithTx(ctx, func(tx *Tx) error {
		updated, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
			ID:         "clm-1",
			From:       []ClaimStatus{StatusPending, StatusNeedsInfo},
			To:         StatusApproved,
			PickupCode: "ABCD2345",
			HoldUntil:  &hold,
		})
		require.NoError(t, err)
		require.Equal(t, StatusApproved, updated.Status)
		require.Equal(t, "ABCD2345", updated.PickupCode)
		require.NotNil(t, updated.HoldUntil)
		require.True(t, updated.HoldUntil.Equal(hold))
		require.Equal(t, int64(2), updated.Version)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
			ID:   "clm-1",
			From: []ClaimStatus{StatusPending},
			To:   StatusRejected,
		})
		return err
	})
	require.ErrorIs(t, err, ErrStaleState)
}

func TestPickupCodeIsNeverOverwritten(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-7", "u1")
	hold := time.Now().Add(time.Hour)

	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
			ID: "clm-1", From: []ClaimStatus{StatusPending}, To: StatusApproved, PickupCode: "FIRST234", HoldUntil: &hold,
		}); err != nil {
			return err
		}
		picked, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
			ID: "clm-1", From: []ClaimStatus{StatusApproved}, To: StatusPickedUp, PickupCode: "OTHER234", ClearHold: true,
		})
		if err != nil {
			return err
		}
		require.Equal(t, "FIRST234", picked.PickupCode)
		require.Nil(t, picked.HoldUntil)
		return nil
	})
	require.NoError(t, err)
}

func TestActiveClaimUniquePerItem(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-7", "u1")
	insertClaim(t, s, "clm-2", "item-7", "u2")
	hold := time.Now().Add(time.Hour)

	approve := func(id, code string) error {
		return s.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
				ID: id, From: []ClaimStatus{StatusPending}, To: StatusApproved, PickupCode: code, HoldUntil: &hold,
			})
			return err
		})
	}
	require.NoError(t, approve("clm-1", "CODE2345"))

	err := approve("clm-2", "CODE6789")
	require.ErrorIs(t, err, ErrItemClaimed)

	err = s.WithTx(ctx, func(tx *Tx) error {
		active, err := tx.ItemHasActiveClaim(ctx, "item-7", "clm-2")
		require.NoError(t, err)
		require.True(t, active)
		self, err := tx.ItemHasActiveClaim(ctx, "item-7", "clm-1")
		require.NoError(t, err)
		require.False(t, self)
		got, err := tx.GetClaim(ctx, "clm-2")
		require.NoError(t, err)
		require.Equal(t, StatusPending, got.Status)
		return nil
	})
	require.NoError(t, err)
}

func TestDuplicatePickupCodeIsTransient(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")
	insertClaim(t, s, "clm-2", "item-2", "u2")
	hold := time.Now().Add(time.Hour)

	for i, id := range []string{"clm-1", "clm-2"} {
		err := s.WithTx(ctx, func(tx *Tx) error {
			_, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{
				ID: id, From: []ClaimStatus{StatusPending}, To: StatusApproved, PickupCode: "SAME2345", HoldUntil: &hold,
			})
			return err
		})
		if i == 0 {
			require.NoError(t, err)
			continue
		}
		require.ErrorIs(t, err, ErrPickupCodeTaken)
		require.True(t, IsTransient(err))
	}
}

func TestMessagesArePositionedAndSelfSeen(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")

	bodies := []struct {
		id   string
		side rbac.Side
	}{
		{"m1", rbac.SideClaimant},
		{"m2", rbac.SideStaff},
		{"m3", rbac.SideStaff},
	}
	for _, b := range bodies {
		err := s.WithTx(ctx, func(tx *Tx) error {
			msg, err := tx.InsertMessage(ctx, Message{ID: b.id, ClaimID: "clm-1", SenderSubjectID: "x", SenderRole: b.side, Body: b.id})
			if err != nil {
				return err
			}
			require.Equal(t, b.side == rbac.SideClaimant, msg.SeenByClaimant)
			require.Equal(t, b.side == rbac.SideStaff, msg.SeenByStaff)
			return nil
		})
		require.NoError(t, err)
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		messages, err := tx.ListMessages(ctx, "clm-1")
		require.NoError(t, err)
		require.Len(t, messages, 3)
		for i, msg := range messages {
			require.Equal(t, int64(i+1), msg.Position)
			require.Equal(t, bodies[i].id, msg.ID)
		}

		unread, err := tx.UnreadCount(ctx, "clm-1", rbac.SideClaimant)
		require.NoError(t, err)
		require.Equal(t, 2, unread)

		unread, err = tx.UnreadCount(ctx, "clm-1", rbac.SideStaff)
		require.NoError(t, err)
		require.Equal(t, 1, unread)
		return nil
	})
	require.NoError(t, err)
}

func TestMarkSeenIsIdempotent(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")
	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range []string{"m1", "m2"} {
			if _, err := tx.InsertMessage(ctx, Message{ID: id, ClaimID: "clm-1", SenderSubjectID: "staff-1", SenderRole: rbac.SideStaff, Body: id}); err != nil {
				return err
			}
		}
		_, err := tx.InsertMessage(ctx, Message{ID: "m3", ClaimID: "clm-1", SenderSubjectID: "u1", SenderRole: rbac.SideClaimant, Body: "mine"})
		return err
	})
	require.NoError(t, err)

	for round, wantChanged := range []int64{2, 0} {
		err := s.WithTx(ctx, func(tx *Tx) error {
			changed, through, err := tx.MarkSeen(ctx, "clm-1", rbac.SideClaimant)
			require.NoError(t, err)
			require.Equal(t, wantChanged, changed, "round %d", round)
			require.Equal(t, int64(2), through)
			unread, err := tx.UnreadCount(ctx, "clm-1", rbac.SideClaimant)
			require.NoError(t, err)
			require.Zero(t, unread)
			return nil
		})
		require.NoError(t, err)
	}

	err = s.WithTx(ctx, func(tx *Tx) error {
		unread, err := tx.UnreadCount(ctx, "clm-1", rbac.SideStaff)
		require.NoError(t, err)
		require.Equal(t, 1, unread, "claimant's own message stays unread for staff")
		return nil
	})
	require.NoError(t, err)
}

func TestMarkSeenLeavesNothingUnseenBelowThrough(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")

	err := s.WithTx(ctx, func(tx *Tx) error {
		for _, id := range []string{"m1", "m2"} {
			if _, err := tx.InsertMessage(ctx, Message{ID: id, ClaimID: "clm-1", SenderSubjectID: "staff-1", SenderRole: rbac.SideStaff, Body: id}); err != nil {
				return err
			}
		}
		changed, through, err := tx.MarkSeen(ctx, "clm-1", rbac.SideClaimant)
		require.NoError(t, err)
		require.Equal(t, int64(2), changed)
		require.Equal(t, int64(2), through)

		// A reply landing after the seen mark is beyond through and stays unread.
		late, err := tx.InsertMessage(ctx, Message{ID: "m3", ClaimID: "clm-1", SenderSubjectID: "staff-1", SenderRole: rbac.SideStaff, Body: "late"})
		require.NoError(t, err)
		require.Greater(t, late.Position, through)

		messages, err := tx.ListMessages(ctx, "clm-1")
		require.NoError(t, err)
		for _, msg := range messages {
			if msg.Position <= through {
				require.True(t, msg.SeenByClaimant, "position %d", msg.Position)
			} else {
				require.False(t, msg.SeenByClaimant, "position %d", msg.Position)
			}
		}

		unread, err := tx.UnreadCount(ctx, "clm-1", rbac.SideClaimant)
		require.NoError(t, err)
		require.Equal(t, 1, unread)
		return nil
	})
	require.NoError(t, err)
}

func TestUnreadByClaimScopesToClaimant(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-a", "item-1", "u1")
	insertClaim(t, s, "clm-b", "item-2", "u1")
	insertClaim(t, s, "clm-c", "item-3", "u2")

	err := s.WithTx(ctx, func(tx *Tx) error {
		for i, claimID := range []string{"clm-a", "clm-a", "clm-b", "clm-c"} {
			if _, err := tx.InsertMessage(ctx, Message{
				ID: claimID + "-" + string(rune('0'+i)), ClaimID: claimID, SenderSubjectID: "staff-1", SenderRole: rbac.SideStaff, Body: "hello",
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		mine, err := tx.UnreadByClaim(ctx, rbac.SideClaimant, "u1")
		require.NoError(t, err)
		require.Equal(t, map[string]int{"clm-a": 2, "clm-b": 1}, mine)

		staff, err := tx.UnreadByClaim(ctx, rbac.SideStaff, "")
		require.NoError(t, err)
		require.Empty(t, staff)
		return nil
	})
	require.NoError(t, err)
}

func TestMessageBodyIsImmutable(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")
	err := s.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.InsertMessage(ctx, Message{ID: "m1", ClaimID: "clm-1", SenderSubjectID: "u1", SenderRole: rbac.SideClaimant, Body: "original"})
		return err
	})
	require.NoError(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE messages SET body = 'edited' WHERE id = 'm1'`)
	require.Error(t, err)

	_, err = s.DB().ExecContext(ctx, `UPDATE messages SET seen_by_staff = TRUE WHERE id = 'm1'`)
	require.NoError(t, err)
}

func TestSavepointFailureKeepsOuterWrites(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")

	inner := errors.New("inner failed")
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{ID: "clm-1", From: []ClaimStatus{StatusPending}, To: StatusNeedsInfo}); err != nil {
			return err
		}
		err := tx.Savepoint(ctx, "note", func() error {
			if _, err := tx.InsertMessage(ctx, Message{ID: "m1", ClaimID: "clm-1", SenderSubjectID: "s", SenderRole: rbac.SideStaff, Body: "x"}); err != nil {
				return err
			}
			return inner
		})
		require.ErrorIs(t, err, inner)
		return nil
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		got, err := tx.GetClaim(ctx, "clm-1")
		require.NoError(t, err)
		require.Equal(t, StatusNeedsInfo, got.Status)
		messages, err := tx.ListMessages(ctx, "clm-1")
		require.NoError(t, err)
		require.Empty(t, messages)
		return nil
	})
	require.NoError(t, err)
}

func TestAuditRoundTrip(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordAudit(ctx, AuditEntry{
		ID: "a1", Action: "approve_claim", EntityType: "claim", EntityID: "clm-1", ActorID: "staff-1",
		Details: map[string]any{"pickupCode": "ABCD2345"},
	}))
	require.NoError(t, s.RecordAudit(ctx, AuditEntry{
		ID: "a2", Action: "message_sent", EntityType: "claim", EntityID: "clm-2", ActorID: "u1",
	}))

	err := s.WithTx(ctx, func(tx *Tx) error {
		entries, err := tx.ListAudit(ctx, "claim", "clm-1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		require.Equal(t, "approve_claim", entries[0].Action)
		require.Equal(t, "ABCD2345", entries[0].Details["pickupCode"])
		return nil
	})
	require.NoError(t, err)
}

func TestListExpiredHolds(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	insertClaim(t, s, "clm-1", "item-1", "u1")
	insertClaim(t, s, "clm-2", "item-2", "u2")

	past := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	future := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	err := s.WithTx(ctx, func(tx *Tx) error {
		if _, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{ID: "clm-1", From: []ClaimStatus{StatusPending}, To: StatusApproved, PickupCode: "PAST2345", HoldUntil: &past}); err != nil {
			return err
		}
		_, err := tx.UpdateClaimStatus(ctx, ClaimUpdate{ID: "clm-2", From: []ClaimStatus{StatusPending}, To: StatusApproved, PickupCode: "NEXT2345", HoldUntil: &future})
		return err
	})
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *Tx) error {
		expired, err := tx.ListExpiredHolds(ctx, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.Len(t, expired, 1)
		require.Equal(t, "clm-1", expired[0].ID)
		return nil
	})
	require.NoError(t, err)
}

func TestListClaimsFilters(t *testing.T) {
	s := NewTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, c := range []struct{ id, item, who string }{
		{"clm-1", "item-1", "u1"},
		{"clm-2", "item-2", "u1"},
		{"clm-3", "item-1", "u2"},
	} {
		s.SetClock(fixedClock(base.Add(time.Duration(i) * time.Minute)))
		insertClaim(t, s, c.id, c.item, c.who)
	}

	err := s.WithTx(ctx, func(tx *Tx) error {
		mine, err := tx.ListClaims(ctx, ClaimFilter{ClaimantSubjectID: "u1"})
		require.NoError(t, err)
		require.Len(t, mine, 2)
		require.Equal(t, "clm-2", mine[0].ID, "newest first")

		byItem, err := tx.ListClaims(ctx, ClaimFilter{ItemID: "item-1", Status: StatusPending})
		require.NoError(t, err)
		require.Len(t, byItem, 2)

		limited, err := tx.ListClaims(ctx, ClaimFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		require.Equal(t, "clm-3", limited[0].ID)
		return nil
	})
	require.NoError(t, err)
}
