// Package apperr defines the error categories the session engine rejects
// requests with. Each sentinel marks a whole category; call sites wrap them
// with context via fmt.Errorf and %w, and transports match with errors.Is.
package apperr

import "errors"

var (
	// ErrNotFound covers absent presentations, rooms, slides and elements.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when a participant lacks the capability
	// an operation requires, or when a connection has no active binding.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvariantViolation is returned when an operation would break a
	// structural rule, such as deleting a room's last slide or changing
	// the creator's role.
	ErrInvariantViolation = errors.New("invariant violation")
)
