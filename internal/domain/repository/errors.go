package repository

import "errors"

// Common repository errors shared across layers.
var (
	// ErrNotFound indicates a requested resource was not found.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate indicates a resource already exists.
	ErrDuplicate = errors.New("already exists")
)

// IsNotFound checks if an error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
