package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found for the caller
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyClaimed is returned when attempting to claim a job that's already claimed
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in QUEUED state")

	// ErrStateConflict is returned when a compare-and-set state update loses a race
	ErrStateConflict = errors.New("job state changed concurrently")

	// ErrInvalidTransition is returned when a state change is not an edge of the job state machine
	ErrInvalidTransition = errors.New("invalid job state transition")

	// ErrUnauthorized is returned for missing or bad credentials
	ErrUnauthorized = errors.New("authentication failed")

	// ErrQuotaExceeded is returned when a user's balance cannot cover a request
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrValidation is returned for malformed manifests and requests
	ErrValidation = errors.New("validation failed")

	// ErrNotReady is returned when a result is requested before the job is terminal
	ErrNotReady = errors.New("job has not finished")

	// ErrExpired is returned when the result bundle was purged
	ErrExpired = errors.New("result bundle expired")

	// ErrNoResult is returned when a terminal job has no result bundle
	ErrNoResult = errors.New("job produced no result bundle")

	// ErrAccountNotFound is returned when a ledger account does not exist
	ErrAccountNotFound = errors.New("account not found")

	// ErrHoldNotFound is returned when a ledger hold does not exist
	ErrHoldNotFound = errors.New("hold not found")

	// ErrSchedulerUnavailable is returned once scheduler retries are exhausted
	ErrSchedulerUnavailable = errors.New("scheduler unavailable")

	// ErrInvalidPayload is returned when a queue message is malformed
	ErrInvalidPayload = errors.New("invalid job payload")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// ValidationError carries the offending field of a rejected request
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// QuotaError reports the balance that could not cover a request
type QuotaError struct {
	Resource  string
	Requested float64
	Remaining float64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("insufficient %s: requested %g, remaining %g", e.Resource, e.Requested, e.Remaining)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}
