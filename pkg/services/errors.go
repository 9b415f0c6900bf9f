package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrCredentialInvalid is returned for missing, unknown, or expired
	// credentials.
	ErrCredentialInvalid = errors.New("credential invalid")

	// ErrOrgInactive is returned when the caller's organization is locked
	// or past its expiry.
	ErrOrgInactive = errors.New("organization inactive")

	// ErrQuotaExceeded is returned when an api key has consumed its quota.
	ErrQuotaExceeded = errors.New("quota exceeded")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
