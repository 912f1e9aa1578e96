// Package scheduler adapts an external batch scheduler to the job lifecycle.
package scheduler

import (
	"context"
	"errors"
	"time"
)

// State is the scheduler's coarse view of a job
type State string

const (
	StatePending State = "pending"
	StateRunning State = "running"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

// Handle identifies a job inside the scheduler
type Handle string

// ErrUnknownHandle is returned when the scheduler has no record of a handle
var ErrUnknownHandle = errors.New("unknown scheduler handle")

// Submission is everything the scheduler needs to run one job
type Submission struct {
	JobID            string
	Username         string
	ManifestJSON     []byte
	InputsPath       string
	TimeLimitMinutes int
	Nodes            int
	MaxFSBytes       int64
}

// Status is a point-in-time report for a handle
type Status struct {
	State   State
	Elapsed time.Duration
	Reason  string
}

// Scheduler is the contract every batch backend implements
type Scheduler interface {
	Enqueue(ctx context.Context, sub Submission) (Handle, error)
	Status(ctx context.Context, handle Handle) (Status, error)
	Cancel(ctx context.Context, handle Handle) error
}
