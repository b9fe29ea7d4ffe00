package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrStatusMismatch is returned when the optimistic status guard saw
	// zero affected rows: the pattern's actual state diverged from the
	// caller's assumption. Recoverable: re-read state and decide whether
	// to retry or skip.
	ErrStatusMismatch = errors.New("storage: lifecycle status mismatch")
)
