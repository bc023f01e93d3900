package store

import "errors"

// Store errors.
var (
	// ErrNotFound is returned when no bot has the given name.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a bot with the given name already exists.
	ErrConflict = errors.New("already exists")

	// ErrStateConflict is returned when a state write loses its version
	// check to a concurrent writer.
	ErrStateConflict = errors.New("state changed concurrently")
)
