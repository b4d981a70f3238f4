// Package notify carries committed claim and thread changes to live viewers.
// The bus is a liveness hint: every view reconciles against the store and
// applies events idempotently.
package notify

import (
	"time"

	"claimdesk/api/internal/rbac"
	"claimdesk/api/internal/store"
	"claimdesk/api/internal/util"
)

type Kind string

const (
	KindClaimSubmitted     Kind = "claim_submitted"
	KindMessageSent        Kind = "message_sent"
	KindThreadSeen         Kind = "thread_seen"
	KindClaimApproved      Kind = "claim_approved"
	KindClaimInfoRequested Kind = "claim_info_requested"
	KindClaimRejected      Kind = "claim_rejected"
	KindClaimPickedUp      Kind = "claim_picked_up"
)

// StaffTopic carries every event that can move the staff badge.
const StaffTopic = "staff"

func ClaimTopic(claimID string) string {
	return "claim:" + claimID
}

func SubjectTopic(subjectID string) string {
	return "subject:" + subjectID
}

type Event struct {
	ID                string         `json:"id"`
	Kind              Kind           `json:"kind"`
	ClaimID           string         `json:"claimId"`
	ClaimantSubjectID string         `json:"claimantSubjectId"`
	Claim             *store.Claim   `json:"claim,omitempty"`
	Message           *store.Message `json:"message,omitempty"`
	SeenSide          rbac.Side      `json:"seenSide,omitempty"`
	SeenThrough       int64          `json:"seenThrough,omitempty"`
	At                time.Time      `json:"at"`
}

// Topics lists every topic e is published on.
func (e Event) Topics() []string {
	topics := []string{ClaimTopic(e.ClaimID)}
	if e.ClaimantSubjectID != "" {
		topics = append(topics, SubjectTopic(e.ClaimantSubjectID))
	}
	return append(topics, StaffTopic)
}

// ClaimEvent describes a committed status change of c.
func ClaimEvent(kind Kind, c store.Claim) Event {
	snapshot := c
	return Event{
		ID:                util.NewID("evt"),
		Kind:              kind,
		ClaimID:           c.ID,
		ClaimantSubjectID: c.ClaimantSubjectID,
		Claim:             &snapshot,
		At:                c.UpdatedAt,
	}
}

// MessageEvent describes a message appended to the thread of c.
func MessageEvent(c store.Claim, msg store.Message) Event {
	copied := msg
	return Event{
		ID:                util.NewID("evt"),
		Kind:              KindMessageSent,
		ClaimID:           c.ID,
		ClaimantSubjectID: c.ClaimantSubjectID,
		Message:           &copied,
		At:                msg.CreatedAt,
	}
}

// SeenEvent describes side having read the thread of c up to position through.
func SeenEvent(c store.Claim, side rbac.Side, through int64, at time.Time) Event {
	return Event{
		ID:                util.NewID("evt"),
		Kind:              KindThreadSeen,
		ClaimID:           c.ID,
		ClaimantSubjectID: c.ClaimantSubjectID,
		SeenSide:          side,
		SeenThrough:       through,
		At:                at,
	}
}
