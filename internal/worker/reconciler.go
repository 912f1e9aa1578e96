package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/cuongbtq/sc-remote/internal/scheduler"
	"github.com/cuongbtq/sc-remote/internal/storage"
)

// ReconcilerConfig holds the reconciliation cadence and retention windows
type ReconcilerConfig struct {
	Interval       time.Duration
	Batch          int
	RepublishAfter time.Duration
	DeliveredGrace time.Duration
	ArchiveAfter   time.Duration
}

// Reconciler periodically folds scheduler state back into jobs, forwards
// cancellations, recovers undispatched jobs and expires old results.
type Reconciler struct {
	storage   *storage.Storage
	service   *orchestrator.Service
	scheduler scheduler.Scheduler
	config    ReconcilerConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewReconciler creates a Reconciler
func NewReconciler(
	store *storage.Storage,
	service *orchestrator.Service,
	sched scheduler.Scheduler,
	config ReconcilerConfig,
	logger *slog.Logger,
) *Reconciler {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Batch <= 0 {
		config.Batch = 100
	}
	if config.RepublishAfter <= 0 {
		config.RepublishAfter = 5 * time.Minute
	}
	if config.DeliveredGrace <= 0 {
		config.DeliveredGrace = 24 * time.Hour
	}

	return &Reconciler{
		storage:   store,
		service:   service,
		scheduler: sched,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run reconciles on every tick until ctx is cancelled
func (r *Reconciler) Run(ctx context.Context) {
	r.logger.Info("Reconciler started",
		slog.Duration("interval", r.config.Interval),
		slog.Int("batch", r.config.Batch),
	)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)

		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single reconciliation pass
func (r *Reconciler) RunOnce(ctx context.Context) {
	r.syncInFlight(ctx)
	r.forwardCancels(ctx)
	r.republishUndispatched(ctx)
	r.purgeBundles(ctx)
	if r.config.ArchiveAfter > 0 {
		r.archiveOld(ctx)
	}
}

// syncInFlight applies scheduler reports to queued and running jobs
func (r *Reconciler) syncInFlight(ctx context.Context) {
	jobs, err := r.storage.ListInFlight(ctx, r.config.Batch)
	if err != nil {
		r.logger.Error("Failed to list in-flight jobs", slog.Any("error", err))
		return
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		job := &jobs[i]

		status, err := r.scheduler.Status(ctx, scheduler.Handle(job.SchedulerHandle.String))
		if err != nil {
			if errors.Is(err, scheduler.ErrUnknownHandle) {
				r.apply(ctx, job, func() error {
					return r.service.Fail(ctx, job, "scheduler has no record of the job", "")
				})
				continue
			}
			if errors.Is(err, domain.ErrSchedulerUnavailable) {
				// Retries are exhausted; refund rather than hold the balance indefinitely
				reason := err.Error()
				r.apply(ctx, job, func() error {
					return r.service.Fail(ctx, job, reason, "")
				})
				continue
			}
			r.logger.Warn("Failed to poll scheduler",
				slog.String("job_id", job.JobID),
				slog.String("handle", job.SchedulerHandle.String),
				slog.Any("error", err),
			)
			continue
		}

		r.transition(ctx, job, status)
	}
}

// transition maps one scheduler status onto the job state machine
func (r *Reconciler) transition(ctx context.Context, job *domain.Job, status scheduler.Status) {
	reported := string(status.State)

	switch status.State {
	case scheduler.StatePending:
		if job.State == domain.JobStateRunning {
			r.anomaly(job, status)
		}

	case scheduler.StateRunning:
		if job.State == domain.JobStateQueued {
			r.apply(ctx, job, func() error {
				return r.service.MarkRunning(ctx, job, status.Elapsed, reported)
			})
		}

	case scheduler.StateDone:
		r.apply(ctx, job, func() error {
			if job.State == domain.JobStateQueued {
				// Finished between two polls
				if err := r.service.MarkRunning(ctx, job, status.Elapsed, reported); err != nil {
					return err
				}
			}
			return r.service.Complete(ctx, job, status.Elapsed, reported)
		})

	case scheduler.StateFailed:
		reason := status.Reason
		if reason == "" {
			reason = "scheduler reported failure"
		}
		r.apply(ctx, job, func() error {
			return r.service.Fail(ctx, job, reason, reported)
		})

	default:
		r.anomaly(job, status)
	}
}

// apply runs a lifecycle step; losing a race to a user action is expected
func (r *Reconciler) apply(ctx context.Context, job *domain.Job, fn func() error) {
	err := fn()
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStateConflict):
		r.logger.Debug("Job changed during reconciliation",
			slog.String("job_id", job.JobID),
		)
	default:
		r.logger.Error("Failed to apply scheduler status",
			slog.String("job_id", job.JobID),
			slog.String("state", string(job.State)),
			slog.Any("error", err),
		)
	}
}

func (r *Reconciler) anomaly(job *domain.Job, status scheduler.Status) {
	r.logger.Warn("Ignoring impossible scheduler report",
		slog.String("job_id", job.JobID),
		slog.String("job_state", string(job.State)),
		slog.String("scheduler_state", string(status.State)),
	)
}

// forwardCancels tells the scheduler about jobs users cancelled
func (r *Reconciler) forwardCancels(ctx context.Context) {
	jobs, err := r.storage.ListPendingCancels(ctx, r.config.Batch)
	if err != nil {
		r.logger.Error("Failed to list pending cancels", slog.Any("error", err))
		return
	}

	for _, job := range jobs {
		handle := scheduler.Handle(job.SchedulerHandle.String)
		err := r.scheduler.Cancel(ctx, handle)
		if err != nil && !errors.Is(err, scheduler.ErrUnknownHandle) {
			r.logger.Warn("Failed to cancel scheduler job - will retry",
				slog.String("job_id", job.JobID),
				slog.String("handle", string(handle)),
				slog.Any("error", err),
			)
			continue
		}

		if err := r.storage.MarkCancelSent(ctx, job.JobID); err != nil {
			r.logger.Error("Failed to record scheduler cancel",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			continue
		}
		r.logger.Info("Scheduler job cancelled",
			slog.String("job_id", job.JobID),
			slog.String("handle", string(handle)),
		)
	}
}

// republishUndispatched re-queues jobs whose message was lost or whose
// claiming worker died before reaching the scheduler
func (r *Reconciler) republishUndispatched(ctx context.Context) {
	cutoff := r.now().Add(-r.config.RepublishAfter)
	jobs, err := r.storage.ListUndispatched(ctx, cutoff, r.config.Batch)
	if err != nil {
		r.logger.Error("Failed to list undispatched jobs", slog.Any("error", err))
		return
	}

	for _, job := range jobs {
		if err := r.storage.ReleaseClaim(ctx, job.JobID); err != nil {
			r.logger.Error("Failed to release stale claim",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			continue
		}
		if err := r.service.Publish(ctx, job.JobID); err != nil {
			r.logger.Error("Failed to republish job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			continue
		}
		r.logger.Info("Job republished",
			slog.String("job_id", job.JobID),
			slog.String("stale_worker", job.WorkerID.String),
		)
	}
}

// purgeBundles removes bundles past retention or past the delivery grace window
func (r *Reconciler) purgeBundles(ctx context.Context) {
	now := r.now()
	bundles, err := r.storage.ListPurgeableBundles(ctx, now, now.Add(-r.config.DeliveredGrace), r.config.Batch)
	if err != nil {
		r.logger.Error("Failed to list purgeable bundles", slog.Any("error", err))
		return
	}

	for i := range bundles {
		if err := r.service.ExpireBundle(ctx, &bundles[i]); err != nil {
			r.logger.Error("Failed to expire bundle",
				slog.String("job_id", bundles[i].JobID),
				slog.Any("error", err),
			)
		}
	}
}

// archiveOld hides terminal jobs older than the archive window
func (r *Reconciler) archiveOld(ctx context.Context) {
	jobs, err := r.storage.ListArchivable(ctx, r.now().Add(-r.config.ArchiveAfter), r.config.Batch)
	if err != nil {
		r.logger.Error("Failed to list archivable jobs", slog.Any("error", err))
		return
	}

	for _, job := range jobs {
		if err := r.service.Archive(ctx, job.Username, job.JobID); err != nil {
			r.logger.Error("Failed to archive job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		}
	}
}
