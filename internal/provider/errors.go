package provider

import (
	"context"
	"errors"
	"fmt"
)

// Failure classification:
//   - transient: timeouts, temporary network/provider trouble; worth retrying.
//   - fatal: invalid input or a permanent provider rejection; retrying is waste.
//
// Providers wrap their errors with Transient() or Fatal(). Unclassified errors
// and deadline overruns count as transient, so flaky providers get the benefit
// of the retry budget.

// Transient marks an error as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// Fatal marks an error as permanent.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is a permanent failure.
func IsFatal(err error) bool {
	var f fatalError
	return errors.As(err, &f)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	var tr transientError
	if errors.As(err, &tr) {
		return true
	}
	// A provider call that exceeds its timeout is a transient failure.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// Unclassified errors default to transient.
	return !errors.Is(err, context.Canceled)
}

type transientError struct{ err error }

func (e transientError) Error() string { return fmt.Sprintf("transient: %v", e.err) }
func (e transientError) Unwrap() error { return e.err }

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }
