package registry

import (
	"fmt"

	"botbox/internal/store"
)

// Registry errors.
var (
	// ErrNotFound is matched by NotFoundError.
	ErrNotFound = store.ErrNotFound

	// ErrConflict is matched by ConflictError.
	ErrConflict = store.ErrConflict
)

// NotFoundError is returned when no bot has the requested name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("Bot `%s` does not exist!", e.Name)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConflictError is returned when registering a name that is taken.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("A bot named `%s` already exists!", e.Name)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}
