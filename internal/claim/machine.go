package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claimdesk/api/internal/store"
)

var (
	ErrInvalidTransition = errors.New("invalid claim transition")
	ErrConflictingClaim  = errors.New("item already has an approved claim")
	ErrCodeExhausted     = errors.New("could not issue a unique pickup code")
)

const (
	DefaultHold  = 72 * time.Hour
	maxCodeDraws = 5
)

// Tx is the slice of a store transaction the state machine needs.
type Tx interface {
	Now() time.Time
	GetClaim(ctx context.Context, claimID string) (store.Claim, error)
	ItemHasActiveClaim(ctx context.Context, itemID, excludeID string) (bool, error)
	PickupCodeInUse(ctx context.Context, code string) (bool, error)
	UpdateClaimStatus(ctx context.Context, update store.ClaimUpdate) (store.Claim, error)
}

// Result is the outcome of one applied transition.
type Result struct {
	Claim    store.Claim
	Previous store.ClaimStatus
	// HoldExpired is set by MarkPickedUp when the hold had already lapsed.
	HoldExpired bool
}

// Machine applies named transitions to claims inside a caller-owned
// transaction.
type Machine struct {
	holdFor time.Duration
	codes   CodeSource
}

func NewMachine(holdFor time.Duration, codes CodeSource) *Machine {
	if holdFor <= 0 {
		holdFor = DefaultHold
	}
	if codes == nil {
		codes = RandomCodes(DefaultCodeLength)
	}
	return &Machine{holdFor: holdFor, codes: codes}
}

func (m *Machine) HoldDuration() time.Duration {
	return m.holdFor
}

// Approve moves a pending or needs_info claim to approved, issuing a pickup
// code and hold deadline. Only one claim per item can be approved.
func (m *Machine) Approve(ctx context.Context, tx Tx, claimID string) (Result, error) {
	current, err := m.load(ctx, tx, claimID, OpApprove)
	if err != nil {
		return Result{}, err
	}

	taken, err := tx.ItemHasActiveClaim(ctx, current.ItemID, current.ID)
	if err != nil {
		return Result{}, err
	}
	if taken {
		return Result{}, fmt.Errorf("claim %s: item %s: %w", current.ID, current.ItemID, ErrConflictingClaim)
	}

	code, err := m.issueCode(ctx, tx)
	if err != nil {
		return Result{}, err
	}
	hold := tx.Now().Add(m.holdFor)

	return m.apply(ctx, tx, current, OpApprove, store.ClaimUpdate{
		PickupCode: code,
		HoldUntil:  &hold,
	})
}

// RequestInfo moves a pending claim to needs_info.
func (m *Machine) RequestInfo(ctx context.Context, tx Tx, claimID string) (Result, error) {
	current, err := m.load(ctx, tx, claimID, OpRequestInfo)
	if err != nil {
		return Result{}, err
	}
	return m.apply(ctx, tx, current, OpRequestInfo, store.ClaimUpdate{})
}

func (m *Machine) Reject(ctx context.Context, tx Tx, claimID string) (Result, error) {
	current, err := m.load(ctx, tx, claimID, OpReject)
	if err != nil {
		return Result{}, err
	}
	return m.apply(ctx, tx, current, OpReject, store.ClaimUpdate{})
}

// MarkPickedUp records the handover of an approved claim. A lapsed hold does
// not block the handover; it is reported through Result.HoldExpired.
func (m *Machine) MarkPickedUp(ctx context.Context, tx Tx, claimID string) (Result, error) {
	current, err := m.load(ctx, tx, claimID, OpMarkPickedUp)
	if err != nil {
		return Result{}, err
	}
	expired := current.HoldUntil != nil && tx.Now().After(*current.HoldUntil)

	result, err := m.apply(ctx, tx, current, OpMarkPickedUp, store.ClaimUpdate{ClearHold: true})
	if err != nil {
		return Result{}, err
	}
	result.HoldExpired = expired
	return result, nil
}

func (m *Machine) load(ctx context.Context, tx Tx, claimID string, op Op) (store.Claim, error) {
	current, err := tx.GetClaim(ctx, claimID)
	if err != nil {
		return store.Claim{}, err
	}
	if !Allowed(op, current.Status) {
		return store.Claim{}, invalid(op, current.ID, current.Status)
	}
	return current, nil
}

func (m *Machine) apply(ctx context.Context, tx Tx, current store.Claim, op Op, update store.ClaimUpdate) (Result, error) {
	update.ID = current.ID
	update.From = Sources(op)
	update.To = Target(op)

	updated, err := tx.UpdateClaimStatus(ctx, update)
	switch {
	case errors.Is(err, store.ErrStaleState):
		// Another transaction moved the claim between load and update.
		latest, getErr := tx.GetClaim(ctx, current.ID)
		if getErr != nil {
			return Result{}, invalid(op, current.ID, current.Status)
		}
		return Result{}, invalid(op, current.ID, latest.Status)
	case errors.Is(err, store.ErrItemClaimed):
		return Result{}, fmt.Errorf("claim %s: item %s: %w", current.ID, current.ItemID, ErrConflictingClaim)
	case err != nil:
		return Result{}, err
	}
	return Result{Claim: updated, Previous: current.Status}, nil
}

func (m *Machine) issueCode(ctx context.Context, tx Tx) (string, error) {
	for range maxCodeDraws {
		code, err := m.codes()
		if err != nil {
			return "", err
		}
		inUse, err := tx.PickupCodeInUse(ctx, code)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w after %d draws: %w", ErrCodeExhausted, maxCodeDraws, store.ErrPickupCodeTaken)
}

func invalid(op Op, claimID string, status store.ClaimStatus) error {
	return fmt.Errorf("%w: cannot %s claim %s in status %s", ErrInvalidTransition, op, claimID, status)
}
