package interfaces

import (
	"errors"
	"fmt"
)

// Common interface errors used across components
var (
	ErrDocumentNotFound = errors.New("document not found")
	ErrStoreClosed      = errors.New("document store is closed")
	ErrInvalidMutation  = errors.New("invalid mutation")
	ErrUnauthenticated  = errors.New("no signed-in user")
)

// StoreError classifies a failed store call as transient (safe to retry)
// or permanent.
type StoreError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *StoreError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("%s: %s store error: %v", e.Op, kind, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable store failure.
func Transient(op string, err error) error {
	return &StoreError{Op: op, Transient: true, Err: err}
}

// IsTransient reports whether err is a retryable store failure.
func IsTransient(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Transient
	}
	return false
}
