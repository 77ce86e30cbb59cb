package model

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by storage and the service layer. Handlers map them
// to HTTP status codes with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
	ErrUnavailable  = errors.New("temporarily unavailable")
)

// ValidationError pins an invalid input to a field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidInput }

// NewValidationError is shorthand for &ValidationError{...}.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// RemoteErrorKind classifies a failed call to the AI service.
type RemoteErrorKind string

const (
	RemoteErrorConfig      RemoteErrorKind = "config"
	RemoteErrorRemote      RemoteErrorKind = "remote"
	RemoteErrorCircuitOpen RemoteErrorKind = "circuit_open"
	RemoteErrorDisabled    RemoteErrorKind = "disabled"
)

// RemoteError is returned by operations whose AI call did not succeed.
// The message is safe to show to end users.
type RemoteError struct {
	Kind    RemoteErrorKind
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("ai service %s: %s", e.Kind, e.Message)
}

func (e *RemoteError) Unwrap() error { return ErrUnavailable }
