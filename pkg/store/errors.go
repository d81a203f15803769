package store

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every repository. Callers match with
// errors.Is; the API layer maps them onto HTTP statuses.
var (
	// ErrNotFound: the row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists: an insert collided with an existing row.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidInput: the arguments cannot describe a valid row.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConcurrentModification: a compare-and-swap lost to another writer.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrNotClaimable: a conditional claim matched no row, meaning another
	// worker won the race or the row left the claimable state.
	ErrNotClaimable = errors.New("row not claimable")
)

// ValidationError names the field that failed validation so API
// responses can point at it.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError as a plain error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
