package claim

import (
	"slices"

	"claimdesk/api/internal/store"
)

// Op names a transition a caller may request.
type Op string

const (
	OpApprove      Op = "approve"
	OpRequestInfo  Op = "request_info"
	OpReject       Op = "reject"
	OpMarkPickedUp Op = "mark_picked_up"
)

type transition struct {
	from []store.ClaimStatus
	to   store.ClaimStatus
}

var transitions = map[Op]transition{
	OpApprove: {
		from: []store.ClaimStatus{store.StatusPending, store.StatusNeedsInfo},
		to:   store.StatusApproved,
	},
	OpRequestInfo: {
		from: []store.ClaimStatus{store.StatusPending},
		to:   store.StatusNeedsInfo,
	},
	OpReject: {
		from: []store.ClaimStatus{store.StatusPending, store.StatusNeedsInfo},
		to:   store.StatusRejected,
	},
	OpMarkPickedUp: {
		from: []store.ClaimStatus{store.StatusApproved},
		to:   store.StatusPickedUp,
	},
}

// Sources lists the statuses op may be applied from.
func Sources(op Op) []store.ClaimStatus {
	return slices.Clone(transitions[op].from)
}

// Target is the status op moves a claim to, or "" for an unknown op.
func Target(op Op) store.ClaimStatus {
	return transitions[op].to
}

// CanTransition reports whether the graph has an edge from -> to.
func CanTransition(from, to store.ClaimStatus) bool {
	for _, t := range transitions {
		if t.to == to && slices.Contains(t.from, from) {
			return true
		}
	}
	return false
}

// Allowed reports whether op may be applied to a claim in status.
func Allowed(op Op, status store.ClaimStatus) bool {
	t, ok := transitions[op]
	return ok && slices.Contains(t.from, status)
}

// Terminal reports whether no transition leaves status.
func Terminal(status store.ClaimStatus) bool {
	for _, t := range transitions {
		if slices.Contains(t.from, status) {
			return false
		}
	}
	return true
}

// AuditAction is the audit log action recorded for op.
func AuditAction(op Op) string {
	switch op {
	case OpApprove:
		return "approve_claim"
	case OpReject:
		return "reject_claim"
	case OpRequestInfo:
		return "request_info"
	case OpMarkPickedUp:
		return "mark_picked_up"
	default:
		return string(op)
	}
}
