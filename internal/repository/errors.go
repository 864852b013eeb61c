// Package repository defines the sentinel errors shared by all data access
// implementations. Services wrap these into their own error vocabulary.
package repository

import "errors"

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a guarded status update matched
	// no row, meaning the entity was not in an allowed source status.
	ErrInvalidTransition = errors.New("invalid status transition")
)
