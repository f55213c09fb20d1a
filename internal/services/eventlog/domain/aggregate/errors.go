package aggregate

import "errors"

// ErrMutatorNotFound indicates an event type with no mutator on the aggregate.
var ErrMutatorNotFound = errors.New("mutator not found")

// nonRetryableError marks an error that will fail the same way on every
// attempt, such as a dispatch table missing an event type.
type nonRetryableError struct {
	err error
}

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable returns true from IsNonRetryable checks.
func (e *nonRetryableError) NonRetryable() bool { return true }

func wrapNonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// IsNonRetryable reports whether err (or any error in its chain) must not
// be retried.
func IsNonRetryable(err error) bool {
	var target interface{ NonRetryable() bool }
	if errors.As(err, &target) {
		return target.NonRetryable()
	}
	return false
}
