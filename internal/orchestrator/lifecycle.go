package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/jmoiron/sqlx"
)

// MarkRunning records that the scheduler started a queued job
func (s *Service) MarkRunning(ctx context.Context, job *domain.Job, elapsed time.Duration, schedulerState string) error {
	started := s.now().Add(-elapsed)
	err := s.storage.UpdateState(ctx, s.storage.DB(), job.JobID, domain.JobStateQueued, domain.JobStateRunning,
		storage.StateUpdate{StartedAt: &started, SchedulerState: schedulerState})
	if err != nil {
		return err
	}

	job.State = domain.JobStateRunning
	job.StartedAt.Time, job.StartedAt.Valid = started, true
	return nil
}

// Complete packages a running job's outputs, settles its hold at the actual
// cost and marks it SUCCEEDED. The bundle row, the ledger commit and the
// state change share one transaction.
func (s *Service) Complete(ctx context.Context, job *domain.Job, elapsed time.Duration, schedulerState string) error {
	m, err := DecodeManifest(job)
	if err != nil {
		return err
	}
	actual := Cost(elapsed, m.Nodes, job.EstimatedCost)

	packed, err := s.results.PackOutputs(job.JobID)
	if err != nil {
		return fmt.Errorf("failed to package results: %w", err)
	}

	now := s.now()
	bundle := &domain.ResultBundle{
		JobID:     job.JobID,
		Username:  job.Username,
		SizeBytes: packed.SizeBytes,
		Location:  packed.Location,
		SHA256:    packed.SHA256,
		Status:    domain.BundleStatusAvailable,
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.BundleRetention),
	}

	var refund float64
	err = s.storage.InTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		if refund, err = s.ledger.CommitTx(ctx, tx, job.HoldID, actual); err != nil {
			return err
		}
		if err := s.storage.CreateBundle(ctx, tx, bundle); err != nil {
			return err
		}
		return s.storage.UpdateState(ctx, tx, job.JobID, domain.JobStateRunning, domain.JobStateSucceeded, storage.StateUpdate{
			ActualCost:     &actual,
			SchedulerState: schedulerState,
			CompletedAt:    &now,
		})
	})
	if err != nil {
		_ = s.results.Remove(packed.Location)
		return err
	}

	s.logger.Info("Job succeeded",
		slog.String("job_id", job.JobID),
		slog.String("username", job.Username),
		slog.Float64("estimated_cost", job.EstimatedCost),
		slog.Float64("actual_cost", actual),
		slog.Float64("refund", refund),
		slog.Int64("bundle_bytes", packed.SizeBytes),
	)

	if err := s.results.RemoveWorkDir(job.JobID); err != nil {
		s.logger.Warn("Failed to remove work directory",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}
	return nil
}

// Fail marks a queued or running job FAILED and refunds its hold in full
func (s *Service) Fail(ctx context.Context, job *domain.Job, reason, schedulerState string) error {
	now := s.now()
	err := s.storage.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.ledger.ReleaseTx(ctx, tx, job.HoldID); err != nil {
			return err
		}
		return s.storage.UpdateState(ctx, tx, job.JobID, job.State, domain.JobStateFailed, storage.StateUpdate{
			ErrorMessage:   reason,
			SchedulerState: schedulerState,
			CompletedAt:    &now,
		})
	})
	if err != nil {
		return err
	}

	s.logger.Warn("Job failed",
		slog.String("job_id", job.JobID),
		slog.String("username", job.Username),
		slog.String("from", string(job.State)),
		slog.String("reason", reason),
		slog.Float64("refund", job.EstimatedCost),
	)

	// The work directory is kept for diagnosis until the job is archived
	return nil
}
