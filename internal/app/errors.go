package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"claimdesk/api/internal/claim"
	"claimdesk/api/internal/store"
	"claimdesk/api/internal/thread"
)

const (
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeInvalidTransition = "INVALID_TRANSITION"
	CodeConflictingClaim  = "CONFLICTING_CLAIM"
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeTransient         = "TRANSIENT_FAILURE"
)

// Sentinels for errors.Is; a DomainError matches any sentinel with the same
// code.
var (
	ErrUnauthorized      = &DomainError{Status: http.StatusForbidden, Code: CodeUnauthorized, Message: "Unauthorized"}
	ErrInvalidTransition = &DomainError{Status: http.StatusConflict, Code: CodeInvalidTransition, Message: "Invalid transition"}
	ErrConflictingClaim  = &DomainError{Status: http.StatusConflict, Code: CodeConflictingClaim, Message: "Conflicting claim"}
	ErrValidation        = &DomainError{Status: http.StatusUnprocessableEntity, Code: CodeValidation, Message: "Validation failed"}
	ErrNotFound          = &DomainError{Status: http.StatusNotFound, Code: CodeNotFound, Message: "Not found"}
	ErrTransient         = &DomainError{Status: http.StatusServiceUnavailable, Code: CodeTransient, Message: "Temporarily unavailable"}
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
	cause   error
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	return ok && e != nil && t.Code == e.Code
}

func (e *DomainError) Unwrap() error {
	return e.cause
}

// Retryable reports whether the caller may usefully try again later.
func (e *DomainError) Retryable() bool {
	return e != nil && e.Code == CodeTransient
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func wrapDomain(base *DomainError, cause error, details any) *DomainError {
	return &DomainError{
		Status:  base.Status,
		Code:    base.Code,
		Message: cause.Error(),
		Details: details,
		cause:   cause,
	}
}

// opaqueDomain keeps cause in the chain but shows callers only the base
// message.
func opaqueDomain(base *DomainError, cause error, details any) *DomainError {
	err := wrapDomain(base, cause, details)
	err.Message = base.Message
	return err
}

func unauthenticated() *DomainError {
	return domainError(http.StatusUnauthorized, CodeUnauthorized, "Authentication required", nil)
}

func forbidden(action string) *DomainError {
	return domainError(http.StatusForbidden, CodeUnauthorized, "Not allowed to "+action, nil)
}

func invalidInput(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, CodeValidation, message, details)
}

// toDomain maps errors from the engine packages onto the caller-facing
// taxonomy. Errors it does not recognise pass through unchanged.
func toDomain(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return err
	}
	switch {
	case errors.Is(err, claim.ErrConflictingClaim), errors.Is(err, store.ErrItemClaimed):
		return wrapDomain(ErrConflictingClaim, err, nil)
	case errors.Is(err, claim.ErrInvalidTransition), errors.Is(err, store.ErrStaleState):
		return wrapDomain(ErrInvalidTransition, err, nil)
	case errors.Is(err, thread.ErrValidation):
		return wrapDomain(ErrValidation, err, nil)
	case errors.Is(err, thread.ErrNotParticipant):
		return wrapDomain(ErrUnauthorized, err, nil)
	case errors.Is(err, store.ErrNotFound):
		return wrapDomain(ErrNotFound, err, nil)
	case store.IsTransient(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return opaqueDomain(ErrTransient, err, nil)
	}
	return err
}
