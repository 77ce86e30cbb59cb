// Package kobai provides a Go client for the Kobai procurement action API.
package kobai

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a non-2xx response from the Kobai API.
type Error struct {
	StatusCode int
	Code       string
	Message    string
	Field      string
	// Kind is set on 503s caused by the AI service: config, remote,
	// circuit_open or disabled.
	Kind string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("kobai: %s (%d): %s: %s", e.Code, e.StatusCode, e.Field, e.Message)
	}
	return fmt.Sprintf("kobai: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, status int) bool {
	var e *Error
	return errors.As(err, &e) && e.StatusCode == status
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return hasStatus(err, http.StatusUnauthorized) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return hasStatus(err, http.StatusForbidden) }

// IsConflict returns true if the error is a 409, e.g. approving a rejected draft.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsRateLimited returns true if the error is a 429.
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the AI service could not serve the request.
// Manual drafts, approvals and conversions keep working while this is true.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }
