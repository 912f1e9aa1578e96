// Package schedulertest provides an in-memory scheduler for tests.
package schedulertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuongbtq/sc-remote/internal/scheduler"
)

// Fake records submissions and reports whatever status a test sets
type Fake struct {
	mu          sync.Mutex
	next        int
	submissions map[scheduler.Handle]scheduler.Submission
	statuses    map[scheduler.Handle]scheduler.Status
	cancelled   map[scheduler.Handle]bool

	// EnqueueErr is returned by the next EnqueueFailures calls to Enqueue
	EnqueueErr      error
	EnqueueFailures int

	// StatusErr, when set, is returned by every Status call
	StatusErr error
}

// New creates an empty Fake
func New() *Fake {
	return &Fake{
		submissions: make(map[scheduler.Handle]scheduler.Submission),
		statuses:    make(map[scheduler.Handle]scheduler.Status),
		cancelled:   make(map[scheduler.Handle]bool),
	}
}

// Enqueue stores sub and returns a sequential handle
func (f *Fake) Enqueue(_ context.Context, sub scheduler.Submission) (scheduler.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.EnqueueFailures > 0 {
		f.EnqueueFailures--
		return "", f.EnqueueErr
	}

	f.next++
	handle := scheduler.Handle(fmt.Sprintf("fake-%d", f.next))
	f.submissions[handle] = sub
	f.statuses[handle] = scheduler.Status{State: scheduler.StatePending}
	return handle, nil
}

// Status returns the status last set for handle
func (f *Fake) Status(_ context.Context, handle scheduler.Handle) (scheduler.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatusErr != nil {
		return scheduler.Status{}, f.StatusErr
	}
	status, ok := f.statuses[handle]
	if !ok {
		return scheduler.Status{}, fmt.Errorf("%w: %s", scheduler.ErrUnknownHandle, handle)
	}
	return status, nil
}

// Cancel marks handle cancelled
func (f *Fake) Cancel(_ context.Context, handle scheduler.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.statuses[handle]; !ok {
		return fmt.Errorf("%w: %s", scheduler.ErrUnknownHandle, handle)
	}
	f.cancelled[handle] = true
	f.statuses[handle] = scheduler.Status{State: scheduler.StateFailed, Reason: "cancelled"}
	return nil
}

// SetStatus changes what Status reports for handle
func (f *Fake) SetStatus(handle scheduler.Handle, status scheduler.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[handle] = status
}

// Submission returns what was enqueued under handle
func (f *Fake) Submission(handle scheduler.Handle) (scheduler.Submission, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.submissions[handle]
	return sub, ok
}

// Submissions counts successful Enqueue calls
func (f *Fake) Submissions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submissions)
}

// Cancelled reports whether Cancel was called for handle
func (f *Fake) Cancelled(handle scheduler.Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[handle]
}
