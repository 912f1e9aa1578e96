package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flaky fails the first n calls of every operation
type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) attempt() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flaky) Enqueue(context.Context, Submission) (Handle, error) {
	if err := f.attempt(); err != nil {
		return "", err
	}
	return "h-1", nil
}

func (f *flaky) Status(context.Context, Handle) (Status, error) {
	if err := f.attempt(); err != nil {
		return Status{}, err
	}
	return Status{State: StateRunning}, nil
}

func (f *flaky) Cancel(context.Context, Handle) error {
	return f.attempt()
}

func newTestRetrying(next Scheduler, attempts int) (*Retrying, *[]time.Duration) {
	r := NewRetrying(next, RetryConfig{
		MaxAttempts: attempts,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    250 * time.Millisecond,
		Multiplier:  2,
	}, logger.NewNop().Logger)

	var slept []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return r, &slept
}

func TestRetrying_RecoversWithinBudget(t *testing.T) {
	next := &flaky{failures: 2, err: errors.New("slurmctld not responding")}
	r, slept := newTestRetrying(next, 4)

	handle, err := r.Enqueue(context.Background(), Submission{JobID: "j"})
	require.NoError(t, err)
	assert.Equal(t, Handle("h-1"), handle)
	assert.Equal(t, 3, next.calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
}

func TestRetrying_ExhaustedIsSchedulerUnavailable(t *testing.T) {
	cause := errors.New("slurmctld not responding")
	next := &flaky{failures: 10, err: cause}
	r, slept := newTestRetrying(next, 4)

	_, err := r.Status(context.Background(), "h-1")
	require.ErrorIs(t, err, domain.ErrSchedulerUnavailable)
	assert.ErrorContains(t, err, cause.Error())
	assert.Equal(t, 4, next.calls)

	// Backoff is capped at MaxDelay
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}, *slept)
}

func TestRetrying_PermanentErrorsAreNotRetried(t *testing.T) {
	next := &flaky{failures: 10, err: ErrUnknownHandle}
	r, slept := newTestRetrying(next, 4)

	err := r.Cancel(context.Background(), "h-404")
	assert.ErrorIs(t, err, ErrUnknownHandle)
	assert.NotErrorIs(t, err, domain.ErrSchedulerUnavailable)
	assert.Equal(t, 1, next.calls)
	assert.Empty(t, *slept)
}

func TestRetrying_StopsOnContextCancel(t *testing.T) {
	next := &flaky{failures: 10, err: errors.New("down")}
	r, _ := newTestRetrying(next, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.Enqueue(ctx, Submission{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, next.calls)
}

func TestNewRetrying_Defaults(t *testing.T) {
	r := NewRetrying(&flaky{}, RetryConfig{}, logger.NewNop().Logger)
	assert.Equal(t, 4, r.config.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, r.config.BaseDelay)
	assert.Equal(t, 2.0, r.config.Multiplier)
	assert.Equal(t, 30*time.Second, r.config.MaxDelay)
}
