package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
)

// RetryConfig bounds the backoff applied to scheduler calls
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Retrying retries a Scheduler with exponential backoff and reports
// domain.ErrSchedulerUnavailable once attempts are exhausted.
type Retrying struct {
	next   Scheduler
	config RetryConfig
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetrying wraps next
func NewRetrying(next Scheduler, config RetryConfig, logger *slog.Logger) *Retrying {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4 // default
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 500 * time.Millisecond // default
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0 // default
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second // default
	}

	return &Retrying{
		next:   next,
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Enqueue submits with retries
func (r *Retrying) Enqueue(ctx context.Context, sub Submission) (Handle, error) {
	var handle Handle
	err := r.do(ctx, "enqueue", func() error {
		var err error
		handle, err = r.next.Enqueue(ctx, sub)
		return err
	})
	return handle, err
}

// Status polls with retries
func (r *Retrying) Status(ctx context.Context, handle Handle) (Status, error) {
	var status Status
	err := r.do(ctx, "status", func() error {
		var err error
		status, err = r.next.Status(ctx, handle)
		return err
	})
	return status, err
}

// Cancel cancels with retries
func (r *Retrying) Cancel(ctx context.Context, handle Handle) error {
	return r.do(ctx, "cancel", func() error {
		return r.next.Cancel(ctx, handle)
	})
}

// backoff returns the delay before retry number attempt (0-based)
func (r *Retrying) backoff(attempt int) time.Duration {
	delay := float64(r.config.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= r.config.Multiplier
	}
	if delay > float64(r.config.MaxDelay) {
		return r.config.MaxDelay
	}
	return time.Duration(delay)
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < r.config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("Scheduler call succeeded after retry",
					slog.String("op", op),
					slog.Int("attempt", attempt+1),
				)
			}
			return nil
		}

		// Permanent answers are not retried
		if errors.Is(err, ErrUnknownHandle) || errors.Is(err, domain.ErrValidation) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		lastErr = err

		if attempt < r.config.MaxAttempts-1 {
			delay := r.backoff(attempt)
			r.logger.Warn("Scheduler call failed, retrying...",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Int("max_attempts", r.config.MaxAttempts),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)
			if err := r.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}

	r.logger.Error("Scheduler call failed after all retries",
		slog.String("op", op),
		slog.Int("attempts", r.config.MaxAttempts),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("%w: %s failed after %d attempts: %v", domain.ErrSchedulerUnavailable, op, r.config.MaxAttempts, lastErr)
}
