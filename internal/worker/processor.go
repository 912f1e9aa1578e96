package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/cuongbtq/sc-remote/internal/scheduler"
)

// submission builds the scheduler request for a claimed job
func submission(job *domain.Job) (scheduler.Submission, error) {
	m, err := orchestrator.DecodeManifest(job)
	if err != nil {
		return scheduler.Submission{}, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}

	return scheduler.Submission{
		JobID:            job.JobID,
		Username:         job.Username,
		ManifestJSON:     []byte(job.Manifest),
		InputsPath:       job.InputsPath,
		TimeLimitMinutes: int(m.TimeLimitMinutes),
		Nodes:            m.Nodes,
		MaxFSBytes:       m.MaxFSBytes,
	}, nil
}

// processJob claims a queued job and hands it to the scheduler. A nil
// return acknowledges the message; a RetryableError puts it back on the queue.
func (w *Worker) processJob(ctx context.Context, workerName string, msg domain.JobMessage) error {
	w.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_name", workerName),
	)

	// Step 1: Claim job (optimistic lock on worker_id)
	job, err := w.storage.ClaimJob(ctx, msg.JobID, workerName)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return fmt.Errorf("job %s not claimable: %w", msg.JobID, err)
		}
		// Database error - could be transient
		return domain.NewRetryableError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 2: Build the scheduler submission from the stored manifest
	sub, err := submission(job)
	if err != nil {
		w.failJob(ctx, job, err.Error())
		return err
	}

	// Step 3: Enqueue under a bounded deadline; the scheduler client retries internally
	dispatchCtx, cancel := context.WithTimeout(ctx, w.dispatchTimeout)
	defer cancel()

	handle, err := w.scheduler.Enqueue(dispatchCtx, sub)
	if err != nil {
		return w.handleEnqueueError(ctx, job, err)
	}

	// Step 4: Record the handle so the reconciler can follow the job
	if err := w.storage.SetSchedulerHandle(context.WithoutCancel(ctx), job.JobID, string(handle)); err != nil {
		w.logger.Error("Failed to record scheduler handle - cancelling scheduler job",
			slog.String("job_id", job.JobID),
			slog.String("handle", string(handle)),
			slog.String("error", err.Error()),
		)
		if cancelErr := w.scheduler.Cancel(context.WithoutCancel(ctx), handle); cancelErr != nil {
			w.logger.Error("Failed to cancel orphaned scheduler job",
				slog.String("job_id", job.JobID),
				slog.String("handle", string(handle)),
				slog.String("error", cancelErr.Error()),
			)
		}
		w.releaseClaim(job.JobID)
		return domain.NewRetryableError(err)
	}

	w.logger.Info("Job handed to scheduler",
		slog.String("job_id", job.JobID),
		slog.String("handle", string(handle)),
		slog.Int("time_limit_minutes", sub.TimeLimitMinutes),
		slog.Int("nodes", sub.Nodes),
	)
	return nil
}

func (w *Worker) handleEnqueueError(ctx context.Context, job *domain.Job, err error) error {
	switch {
	case errors.Is(err, domain.ErrSchedulerUnavailable), errors.Is(err, domain.ErrValidation):
		// Permanent for this job: refund and finish it
		w.failJob(ctx, job, err.Error())
		return nil

	default:
		// Shutdown or an unclassified error: give the job back to the queue
		w.logger.Warn("Scheduler enqueue interrupted - releasing claim",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.releaseClaim(job.JobID)
		return domain.NewRetryableError(fmt.Errorf("enqueue failed: %w", err))
	}
}

// failJob moves a claimed job to FAILED with a full refund
func (w *Worker) failJob(ctx context.Context, job *domain.Job, reason string) {
	err := w.service.Fail(context.WithoutCancel(ctx), job, reason, "")
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStateConflict):
		w.logger.Info("Job changed before it could be failed",
			slog.String("job_id", job.JobID),
		)
	default:
		w.logger.Error("Failed to mark job FAILED",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.releaseClaim(job.JobID)
	}
}

func (w *Worker) releaseClaim(jobID string) {
	if err := w.storage.ReleaseClaim(context.Background(), jobID); err != nil {
		w.logger.Error("Failed to release job claim",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
	}
}
