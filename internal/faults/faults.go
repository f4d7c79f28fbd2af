// Package faults defines the error kinds shared across the ingestion and
// conversation paths. Callers classify failures with errors.Is so that retry
// decisions stay at the component boundary where the failure occurred.
package faults

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient marks a failure worth retrying: timeouts, rate limits,
	// temporary backend unavailability.
	ErrTransient = errors.New("transient failure")

	// ErrValidation marks input the caller must fix. Never retried.
	ErrValidation = errors.New("invalid input")

	// ErrConsistency marks an ordering or versioning violation. Rejected and
	// logged, never silently applied.
	ErrConsistency = errors.New("consistency violation")

	// ErrExhausted marks a retry budget that ran out. Terminal for the
	// operation that hit it.
	ErrExhausted = errors.New("retry budget exhausted")
)

// Transient wraps err so errors.Is(err, ErrTransient) holds.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Validationf builds a new validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Consistencyf builds a new consistency error.
func Consistencyf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConsistency, fmt.Sprintf(format, args...))
}

// Exhausted wraps the last attempt's error once the retry budget is spent.
func Exhausted(err error) error {
	if err == nil {
		return ErrExhausted
	}
	return fmt.Errorf("%w: %w", ErrExhausted, err)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsValidation reports whether err is caller error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConsistency reports whether err is an ordering violation.
func IsConsistency(err error) bool { return errors.Is(err, ErrConsistency) }

// IsExhausted reports whether err is a spent retry budget.
func IsExhausted(err error) bool { return errors.Is(err, ErrExhausted) }
