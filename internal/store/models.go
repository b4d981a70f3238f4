package store

import (
	"time"

	"claimdesk/api/internal/rbac"
)

type ClaimStatus string

const (
	StatusPending   ClaimStatus = "pending"
	StatusNeedsInfo ClaimStatus = "needs_info"
	StatusApproved  ClaimStatus = "approved"
	StatusRejected  ClaimStatus = "rejected"
	StatusPickedUp  ClaimStatus = "picked_up"
)

type Claim struct {
	ID                string      `json:"id"`
	ItemID            string      `json:"itemId"`
	ClaimantSubjectID string      `json:"claimantSubjectId"`
	Status            ClaimStatus `json:"status"`
	PickupCode        string      `json:"pickupCode,omitempty"`
	HoldUntil         *time.Time  `json:"holdUntil,omitempty"`
	Version           int64       `json:"version"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// Message is one entry of a claim thread. Position is the per-thread
// sequence assigned at insert time and is the ordering key.
type Message struct {
	ID              string    `json:"id"`
	ClaimID         string    `json:"claimId"`
	Position        int64     `json:"position"`
	SenderSubjectID string    `json:"senderSubjectId"`
	SenderRole      rbac.Side `json:"senderRole"`
	Body            string    `json:"body"`
	CreatedAt       time.Time `json:"createdAt"`
	SeenByClaimant  bool      `json:"seenByClaimant"`
	SeenByStaff     bool      `json:"seenByStaff"`
}

// SeenBy reports whether the given side has read the message.
func (m Message) SeenBy(side rbac.Side) bool {
	if side == rbac.SideStaff {
		return m.SeenByStaff
	}
	return m.SeenByClaimant
}

// AddressedTo reports whether the message counts toward side's unread total.
func (m Message) AddressedTo(side rbac.Side) bool {
	return m.SenderRole != side
}

type AuditEntry struct {
	ID         string         `json:"id"`
	Action     string         `json:"action"`
	EntityType string         `json:"entityType"`
	EntityID   string         `json:"entityId"`
	ActorID    string         `json:"actorId"`
	Details    map[string]any `json:"details,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

type ClaimFilter struct {
	ClaimantSubjectID string
	ItemID            string
	Status            ClaimStatus
	Limit             int
}

// ClaimUpdate describes a conditional status change. The update only applies
// while the claim is in one of From.
type ClaimUpdate struct {
	ID         string
	From       []ClaimStatus
	To         ClaimStatus
	PickupCode string
	HoldUntil  *time.Time
	ClearHold  bool
}
