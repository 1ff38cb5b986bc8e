// Package errs defines the service error taxonomy.
//
// Validation errors (ErrInvalidParticipantCount, ErrNotAGroup,
// ErrUnauthorized) are never retried and go straight back to the caller.
// ErrStoreUnavailable only surfaces after the store layer has exhausted
// its bounded retries.
package errs

import (
	"errors"
)

var (
	ErrNotFound                = errors.New("not found")
	ErrInvalidParticipantCount = errors.New("invalid participant count")
	ErrNotAGroup               = errors.New("not a group conversation")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrCursorTooOld            = errors.New("cursor too old")
	ErrUnauthorized            = errors.New("unauthorized")
)

// Code maps an error to its wire code, "internal" when unknown.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidParticipantCount):
		return "invalid_participant_count"
	case errors.Is(err, ErrNotAGroup):
		return "not_a_group"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	case errors.Is(err, ErrCursorTooOld):
		return "cursor_too_old"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "internal"
	}
}

// Retryable reports whether the caller may retry the operation with the
// same arguments (idempotent append makes this safe for sends).
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
