// Package orchestrator owns the job lifecycle: submission, cancellation,
// scheduler-driven transitions and result delivery, each kept consistent
// with the quota ledger.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/ledger"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// conflictRetries bounds how often Cancel re-reads a job that changed underneath it
const conflictRetries = 3

// Publisher hands job ids to the job queue
type Publisher interface {
	PublishWithRetry(ctx context.Context, body []byte, contentType string) error
}

// Config holds orchestration limits
type Config struct {
	DefaultTimeLimit int
	MaxTimeLimit     int
	MaxNodes         int
	MaxUploadBytes   int64
	ChargeUploads    bool
	BundleRetention  time.Duration
	DefaultPageSize  int
	MaxPageSize      int
}

// Service implements the orchestration operations
type Service struct {
	storage   *storage.Storage
	ledger    *ledger.Ledger
	results   *results.Store
	publisher Publisher
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a Service
func NewService(
	store *storage.Storage,
	l *ledger.Ledger,
	res *results.Store,
	publisher Publisher,
	config Config,
	logger *slog.Logger,
) *Service {
	if config.DefaultTimeLimit <= 0 {
		config.DefaultTimeLimit = 60
	}
	if config.DefaultPageSize <= 0 {
		config.DefaultPageSize = 20
	}
	if config.MaxPageSize <= 0 {
		config.MaxPageSize = 100
	}
	if config.BundleRetention <= 0 {
		config.BundleRetention = 7 * 24 * time.Hour
	}

	return &Service{
		storage:   store,
		ledger:    l,
		results:   res,
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Validate returns the caller's balances without mutating anything
func (s *Service) Validate(ctx context.Context, username string) (*domain.Account, error) {
	return s.ledger.Balance(ctx, username)
}

// SubmitRequest is an authenticated job submission
type SubmitRequest struct {
	Username       string
	IdempotencyKey string
	Manifest       domain.Manifest
	Inputs         io.Reader
}

// Submit estimates, holds and queues a job. The second return value is
// false when the idempotency key matched an earlier submission.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*domain.Job, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, &domain.ValidationError{Field: "idempotency_key", Reason: "is required"}
	}

	if existing, err := s.storage.GetJobByIdempotencyKey(ctx, req.Username, req.IdempotencyKey); err == nil {
		s.logger.Info("Duplicate submission - returning existing job",
			slog.String("job_id", existing.JobID),
			slog.String("username", req.Username),
		)
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrJobNotFound) {
		return nil, false, err
	}

	if err := req.Manifest.Check(); err != nil {
		return nil, false, err
	}

	now := s.now()
	job := &domain.Job{
		JobID:          uuid.New().String(),
		IdempotencyKey: req.IdempotencyKey,
		Username:       req.Username,
		State:          domain.JobStateReceived,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}

	estimate, err := s.Estimate(&req.Manifest)
	if err != nil {
		return nil, false, err
	}
	job.EstimatedCost = estimate.Minutes
	if err := job.Transition(domain.JobStateEstimated); err != nil {
		return nil, false, err
	}

	manifest, err := json.Marshal(req.Manifest)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode manifest: %w", err)
	}
	job.Manifest = string(manifest)

	if req.Inputs != nil {
		job.InputsPath, job.InputsBytes, err = s.results.SaveUpload(job.JobID, req.Inputs, s.config.MaxUploadBytes)
		if err != nil {
			if errors.Is(err, results.ErrTooLarge) {
				return nil, false, &domain.ValidationError{Field: "inputs", Reason: err.Error()}
			}
			return nil, false, err
		}
	}

	// The client may have gone away while inputs were streaming
	if err := ctx.Err(); err != nil {
		return nil, false, s.abandon(job, err)
	}

	err = s.storage.InTx(ctx, func(tx *sqlx.Tx) error {
		hold, err := s.ledger.HoldTx(ctx, tx, job.Username, estimate.Minutes)
		if err != nil {
			return err
		}
		job.HoldID = hold.HoldID

		if s.config.ChargeUploads && job.InputsBytes > 0 {
			if err := s.ledger.ChargeBandwidth(ctx, tx, job.Username, job.InputsBytes); err != nil {
				return err
			}
		}

		if err := job.Transition(domain.JobStateQueued); err != nil {
			return err
		}
		job.UpdatedAt = s.now()
		return s.storage.CreateJob(ctx, tx, job)
	})
	if err != nil {
		s.removeUpload(job)

		// A concurrent request with the same key won the insert
		if existing, getErr := s.storage.GetJobByIdempotencyKey(context.WithoutCancel(ctx), req.Username, req.IdempotencyKey); getErr == nil {
			return existing, false, nil
		}
		if ctx.Err() != nil {
			job.State = domain.JobStateEstimated
			return nil, false, s.abandon(job, ctx.Err())
		}
		return nil, false, err
	}

	s.logger.Info("Job queued",
		slog.String("job_id", job.JobID),
		slog.String("username", job.Username),
		slog.Float64("estimated_cost", job.EstimatedCost),
		slog.Int64("inputs_bytes", job.InputsBytes),
	)

	// A failed publish leaves the job undispatched; the reconciler republishes it
	if err := s.Publish(context.WithoutCancel(ctx), job.JobID); err != nil {
		s.logger.Error("Failed to publish job - will be republished by reconciler",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
	}

	return job, true, nil
}

// abandon cancels an in-memory job whose request context ended
func (s *Service) abandon(job *domain.Job, cause error) error {
	_ = job.Transition(domain.JobStateCancelled)
	s.removeUpload(job)

	s.logger.Warn("Submission abandoned by client",
		slog.String("job_id", job.JobID),
		slog.String("username", job.Username),
		slog.String("state", string(job.State)),
	)
	return fmt.Errorf("submission cancelled: %w", cause)
}

// removeUpload deletes a job's inputs archive; a leftover file only costs disk
func (s *Service) removeUpload(job *domain.Job) {
	if err := s.results.RemoveUpload(job.InputsPath); err != nil {
		s.logger.Warn("Failed to remove uploaded inputs",
			slog.String("job_id", job.JobID),
			slog.String("path", job.InputsPath),
			slog.Any("error", err),
		)
	}
}

// Publish sends a job id to the job queue
func (s *Service) Publish(ctx context.Context, jobID string) error {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		return fmt.Errorf("failed to encode job message: %w", err)
	}
	return s.publisher.PublishWithRetry(ctx, body, "application/json")
}

// Poll returns a snapshot of a job owned by username
func (s *Service) Poll(ctx context.Context, username, jobID string) (*domain.Job, error) {
	return s.storage.GetJobForUser(ctx, jobID, username)
}

// ListResult is one page of jobs
type ListResult struct {
	Jobs    []domain.Job
	Next    *storage.JobCursor
	HasMore bool
}

// List pages through username's jobs, newest first
func (s *Service) List(ctx context.Context, filter storage.JobFilter) (*ListResult, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = s.config.DefaultPageSize
	}
	if filter.PageSize > s.config.MaxPageSize {
		filter.PageSize = s.config.MaxPageSize
	}
	if filter.State != "" && !domain.JobState(filter.State).Valid() {
		return nil, &domain.ValidationError{Field: "state", Reason: fmt.Sprintf("unknown state %q", filter.State)}
	}

	jobs, err := s.storage.ListJobs(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &ListResult{Jobs: jobs}
	if len(jobs) > filter.PageSize {
		result.Jobs = jobs[:filter.PageSize]
		result.HasMore = true
		last := result.Jobs[len(result.Jobs)-1]
		result.Next = &storage.JobCursor{SubmittedAt: last.SubmittedAt, JobID: last.JobID}
	}
	return result, nil
}

// Cancel stops a job owned by username. A queued job is refunded in full;
// a running job is charged for the time it ran. The scheduler is told
// asynchronously by the reconciler.
func (s *Service) Cancel(ctx context.Context, username, jobID string) (*domain.Job, error) {
	for attempt := 0; attempt < conflictRetries; attempt++ {
		job, err := s.storage.GetJobForUser(ctx, jobID, username)
		if err != nil {
			return nil, err
		}

		switch job.State {
		case domain.JobStateCancelled:
			return job, nil
		case domain.JobStateSucceeded, domain.JobStateFailed:
			return job, fmt.Errorf("%w: job %s already %s", domain.ErrStateConflict, jobID, job.State)
		}

		err = s.cancel(ctx, job)
		if errors.Is(err, domain.ErrStateConflict) {
			s.logger.Debug("Job changed during cancel, retrying",
				slog.String("job_id", jobID),
				slog.Int("attempt", attempt+1),
			)
			continue
		}
		if err != nil {
			return nil, err
		}

		return s.storage.GetJobByID(ctx, jobID)
	}

	return nil, fmt.Errorf("%w: job %s kept changing during cancel", domain.ErrStateConflict, jobID)
}

func (s *Service) cancel(ctx context.Context, job *domain.Job) error {
	now := s.now()
	upd := storage.StateUpdate{CompletedAt: &now}

	var actual float64
	if job.State == domain.JobStateRunning && job.StartedAt.Valid {
		m, err := DecodeManifest(job)
		if err != nil {
			return err
		}
		actual = Cost(now.Sub(job.StartedAt.Time), m.Nodes, job.EstimatedCost)
		upd.ActualCost = &actual
	}

	err := s.storage.InTx(ctx, func(tx *sqlx.Tx) error {
		if actual > 0 {
			if _, err := s.ledger.CommitTx(ctx, tx, job.HoldID, actual); err != nil {
				return err
			}
		} else if err := s.ledger.ReleaseTx(ctx, tx, job.HoldID); err != nil {
			return err
		}
		return s.storage.UpdateState(ctx, tx, job.JobID, job.State, domain.JobStateCancelled, upd)
	})
	if err != nil {
		return err
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", job.JobID),
		slog.String("from", string(job.State)),
		slog.Float64("charged", actual),
		slog.Float64("refund", job.EstimatedCost-actual),
	)
	return nil
}

// Archive hides a terminal job and deletes its bundle
func (s *Service) Archive(ctx context.Context, username, jobID string) error {
	job, err := s.storage.GetJobForUser(ctx, jobID, username)
	if err != nil {
		return err
	}
	if !job.State.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", domain.ErrNotReady, jobID, job.State)
	}

	if err := s.storage.ArchiveJob(ctx, jobID); err != nil {
		return err
	}

	if bundle, err := s.storage.GetBundle(ctx, jobID); err == nil {
		if err := s.ExpireBundle(ctx, bundle); err != nil {
			return err
		}
	}
	s.removeUpload(job)
	if err := s.results.RemoveWorkDir(jobID); err != nil {
		s.logger.Warn("Failed to remove work directory",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	s.logger.Info("Job archived",
		slog.String("job_id", jobID),
		slog.String("username", username),
	)
	return nil
}

// ExpireBundle deletes a bundle's payload and marks it expired
func (s *Service) ExpireBundle(ctx context.Context, bundle *domain.ResultBundle) error {
	if bundle.Status != domain.BundleStatusAvailable {
		return nil
	}
	if err := s.results.Remove(bundle.Location); err != nil {
		return err
	}
	if err := s.storage.MarkBundleExpired(ctx, bundle.JobID); err != nil {
		return err
	}

	s.logger.Info("Result bundle expired",
		slog.String("job_id", bundle.JobID),
		slog.Int64("size_bytes", bundle.SizeBytes),
		slog.Bool("delivered", bundle.DeliveredAt.Valid),
	)
	return nil
}
