package core

import (
	"errors"
	"fmt"
)

// Domain errors - centralized error definitions
var (
	// Not found errors
	ErrNotFound    = errors.New("resource not found")
	ErrRunNotFound = fmt.Errorf("%w: run", ErrNotFound)

	// Input errors
	ErrInvalidInput     = errors.New("invalid input")
	ErrInvalidVariance  = errors.New("invalid variance")
	ErrInsufficientData = errors.New("insufficient data for analysis")

	// ErrOutOfRangeEstimate is never returned by the pipeline; local FDR values outside
	// [0,1] are clamped. It tags clamp diagnostics so callers can match on it.
	ErrOutOfRangeEstimate = errors.New("estimate out of range")

	// Determinism errors
	ErrHashMismatch = errors.New("hash mismatch")
)

// Error constructors with context
func NewNotFoundError(resource string, id string) error {
	return fmt.Errorf("%w: %s with id %s", ErrNotFound, resource, id)
}

// NewInvalidVarianceError reports a non-positive or non-finite combined variance.
func NewInvalidVarianceError(feature, condition string, time, featureVar, conditionVar float64) error {
	return fmt.Errorf("%w: feature %s condition %s time %g (feature=%g condition=%g)",
		ErrInvalidVariance, feature, condition, time, featureVar, conditionVar)
}

// NewInsufficientDataError reports that fewer rows than required were supplied.
func NewInsufficientDataError(stage string, have, need int) error {
	return fmt.Errorf("%w: %s needs at least %d observations, got %d", ErrInsufficientData, stage, need, have)
}

func NewInvalidInputError(field string, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidInput, field, reason)
}

// Error checking helpers
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidVariance)
}

func IsInsufficientData(err error) bool {
	return errors.Is(err, ErrInsufficientData)
}
