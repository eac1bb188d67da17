package model

import (
	"errors"
	"fmt"
)

// Governance error taxonomy. Callers branch with errors.Is.
var (
	ErrValidation            = errors.New("validation error")
	ErrPolicy                = errors.New("policy error")
	ErrAlreadyResolved       = errors.New("window already resolved")
	ErrExecutorFailure       = errors.New("executor failure")
	ErrDependencyUnavailable = errors.New("dependency unavailable")
	ErrNotFound              = errors.New("not found")
)

// ValidationError describes a malformed request or action. It is rejected
// before any state transition and never written to the audit chain.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is(err, ErrValidation) match.
func (e *ValidationError) Unwrap() error { return ErrValidation }
