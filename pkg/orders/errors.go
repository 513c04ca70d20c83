package orders

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound: unknown order, foreign owner, or an order that is no longer open.
	ErrNotFound = errors.New("order not found")

	// ErrInvariantViolation: a mutation would break filled+remaining == amount
	// or touch a terminal order. Never clamped.
	ErrInvariantViolation = errors.New("order invariant violation")

	// ErrOrderInFlight: a settlement call for the order is outstanding.
	ErrOrderInFlight = errors.New("order settlement in flight")

	// ErrPairUnavailable: the pair is unknown or paused.
	ErrPairUnavailable = errors.New("pair not tradable")
)

// ValidationError rejects a bad order spec at creation time.
type ValidationError struct {
	Field  string
	Reason string
	Err    error // optional sentinel, e.g. ErrPairUnavailable
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
