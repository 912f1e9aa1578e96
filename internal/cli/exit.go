package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuongbtq/sc-remote/internal/client"
	"github.com/cuongbtq/sc-remote/internal/credentials"
	"github.com/cuongbtq/sc-remote/internal/domain"
)

// Process exit codes
const (
	ExitOK          = 0
	ExitError       = 1
	ExitUsage       = 2
	ExitAuth        = 3
	ExitQuota       = 4
	ExitUnavailable = 5
	ExitNotFound    = 6
)

// UsageError is a command line the user has to correct
type UsageError struct {
	Err error
}

func (e *UsageError) Error() string {
	return e.Err.Error()
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

func usageError(err error) error {
	return &UsageError{Err: err}
}

func usagef(format string, args ...any) error {
	return &UsageError{Err: fmt.Errorf(format, args...)}
}

// JobError reports a job that ended without a result
type JobError struct {
	JobID   string
	State   string
	Message string
}

func (e *JobError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("job %s %s", e.JobID, e.State)
	}
	return fmt.Sprintf("job %s %s: %s", e.JobID, e.State, e.Message)
}

// ExitCode maps an error returned by a command to the process exit code
func ExitCode(err error) int {
	var usage *UsageError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &usage),
		errors.Is(err, client.ErrValidation),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, credentials.ErrMalformed):
		return ExitUsage
	case errors.Is(err, client.ErrAuth), errors.Is(err, credentials.ErrNotFound):
		return ExitAuth
	case errors.Is(err, client.ErrQuota):
		return ExitQuota
	case errors.Is(err, client.ErrNetwork),
		errors.Is(err, client.ErrServer),
		errors.Is(err, context.DeadlineExceeded):
		return ExitUnavailable
	case errors.Is(err, client.ErrNotFound),
		errors.Is(err, client.ErrNotReady),
		errors.Is(err, client.ErrNoResult),
		errors.Is(err, client.ErrExpired):
		return ExitNotFound
	default:
		return ExitError
	}
}
