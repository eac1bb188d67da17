// Package kansa provides a Go client for the Kansa decision governance API.
package kansa

import (
	"errors"
	"fmt"
)

// Error represents an error from the Kansa API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kansa: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func statusIs(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return statusIs(err, 404) }

// IsUnauthorized returns true if the error is a 401.
func IsUnauthorized(err error) bool { return statusIs(err, 401) }

// IsForbidden returns true if the error is a 403.
func IsForbidden(err error) bool { return statusIs(err, 403) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return statusIs(err, 429) }

// IsConflict returns true if the error is a 409.
func IsConflict(err error) bool { return statusIs(err, 409) }

// IsUnavailable returns true if the server could not reach its audit store
// (503). The request was not recorded and may be retried.
func IsUnavailable(err error) bool { return statusIs(err, 503) }
