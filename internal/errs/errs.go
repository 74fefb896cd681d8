// Package errs defines the error taxonomy shared by the store, scheduler and
// report layers. Callers match with errors.Is against the sentinels.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks bad input: malformed ranges, unknown frequency types.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound marks a missing repository or subscription.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks a generation already running for the same task.
	ErrConflict = errors.New("conflict")
)

// Validation returns an error wrapping ErrValidation.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFound returns an error wrapping ErrNotFound.
func NotFound(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// Conflict returns an error wrapping ErrConflict.
func Conflict(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err should stop a retry loop. Validation,
// not-found and conflict errors are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var p *permanentError
	if errors.As(err, &p) {
		return true
	}
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrConflict)
}
