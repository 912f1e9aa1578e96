package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/jmoiron/sqlx"
)

const jobColumns = `
	job_id, idempotency_key, username, manifest, state, hold_id,
	estimated_cost, actual_cost, inputs_path, inputs_bytes,
	worker_id, scheduler_handle, scheduler_state, error_message,
	submitted_at, started_at, completed_at, cancel_sent_at, archived_at, updated_at
`

// Storage handles job and result bundle persistence
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// DB returns the underlying database handle
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// InTx runs fn inside a transaction, committing when fn returns nil
func (s *Storage) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction",
				slog.String("error", rbErr.Error()),
			)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateJob inserts a job record; q may be the database or a transaction
func (s *Storage) CreateJob(ctx context.Context, q sqlx.ExtContext, job *domain.Job) error {
	query := q.Rebind(`
		INSERT INTO jobs (
			job_id, idempotency_key, username, manifest, state, hold_id,
			estimated_cost, actual_cost, inputs_path, inputs_bytes,
			submitted_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?, ?,
			?, ?, ?, ?,
			?, ?
		)
	`)

	_, err := q.ExecContext(
		ctx,
		query,
		job.JobID,
		job.IdempotencyKey,
		job.Username,
		job.Manifest,
		string(job.State),
		job.HoldID,
		job.EstimatedCost,
		job.ActualCost,
		job.InputsPath,
		job.InputsBytes,
		job.SubmittedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJobByID retrieves a job by its ID
func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*domain.Job, error) {
	return s.getJob(ctx, s.db, `WHERE job_id = ?`, jobID)
}

// GetJobForUser retrieves a job owned by username
func (s *Storage) GetJobForUser(ctx context.Context, jobID, username string) (*domain.Job, error) {
	return s.getJob(ctx, s.db, `WHERE job_id = ? AND username = ?`, jobID, username)
}

// GetJobByIdempotencyKey finds the job a user already created with key
func (s *Storage) GetJobByIdempotencyKey(ctx context.Context, username, key string) (*domain.Job, error) {
	return s.getJob(ctx, s.db, `WHERE username = ? AND idempotency_key = ?`, username, key)
}

// GetJobTx reads a job inside a transaction
func (s *Storage) GetJobTx(ctx context.Context, tx *sqlx.Tx, jobID string) (*domain.Job, error) {
	return s.getJob(ctx, tx, `WHERE job_id = ?`, jobID)
}

func (s *Storage) getJob(ctx context.Context, q sqlx.ExtContext, where string, args ...interface{}) (*domain.Job, error) {
	var job domain.Job
	query := q.Rebind(`SELECT ` + jobColumns + ` FROM jobs ` + where)

	err := sqlx.GetContext(ctx, q, &job, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// JobFilter narrows ListJobs
type JobFilter struct {
	Username string
	State    string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is the keyset position of the last job on a page
type JobCursor struct {
	SubmittedAt time.Time
	JobID       string
}

// ListJobs returns up to PageSize+1 non-archived jobs, newest first
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE archived_at IS NULL`
	args := []interface{}{}

	// Filters
	if filter.Username != "" {
		query += " AND username = ?"
		args = append(args, filter.Username)
	}

	if filter.State != "" {
		query += " AND state = ?"
		args = append(args, filter.State)
	}

	if filter.Cursor != nil {
		query += " AND (submitted_at < ? OR (submitted_at = ? AND job_id < ?))"
		args = append(args, filter.Cursor.SubmittedAt, filter.Cursor.SubmittedAt, filter.Cursor.JobID)
	}

	// Order by submitted_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY submitted_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += " LIMIT ?"
	args = append(args, filter.PageSize+1)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// StateUpdate carries the columns written together with a state change
type StateUpdate struct {
	ActualCost     *float64
	ErrorMessage   string
	SchedulerState string
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

// UpdateState moves a job from one state to the next with compare-and-set
// semantics. ErrStateConflict is returned when the job is no longer in from.
func (s *Storage) UpdateState(ctx context.Context, q sqlx.ExtContext, jobID string, from, to domain.JobState, upd StateUpdate) error {
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	sets := []string{"state = ?", "updated_at = ?"}
	args := []interface{}{string(to), s.now()}

	if upd.ActualCost != nil {
		sets = append(sets, "actual_cost = ?")
		args = append(args, *upd.ActualCost)
	}
	if upd.ErrorMessage != "" {
		sets = append(sets, "error_message = ?")
		args = append(args, upd.ErrorMessage)
	}
	if upd.SchedulerState != "" {
		sets = append(sets, "scheduler_state = ?")
		args = append(args, upd.SchedulerState)
	}
	if upd.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, upd.StartedAt.UTC())
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC())
	}

	query := q.Rebind(`UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE job_id = ? AND state = ?`)
	args = append(args, jobID, string(from))

	result, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("%w: job %s is not %s", domain.ErrStateConflict, jobID, from)
	}

	s.logger.Info("Job state updated",
		slog.String("job_id", jobID),
		slog.String("from", string(from)),
		slog.String("to", string(to)),
	)

	return nil
}

// ClaimJob attempts to claim a queued job using optimistic locking
// Returns full job details on success, error if job is already claimed or doesn't exist
func (s *Storage) ClaimJob(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := s.db.Rebind(`
		UPDATE jobs
		SET worker_id = ?,
		    updated_at = ?
		WHERE job_id = ?
		  AND state = ?
		  AND worker_id IS NULL
		  AND scheduler_handle IS NULL
	`)

	result, err := s.db.ExecContext(ctx, query, workerID, s.now(), jobID, string(domain.JobStateQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Failed to claim job - already claimed or not found",
			slog.String("job_id", jobID),
			slog.String("worker_id", workerID),
		)
		return nil, domain.ErrJobAlreadyClaimed
	}

	job, err := s.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
	)

	return job, nil
}

// ReleaseClaim clears the worker claim on a job that never reached the scheduler
func (s *Storage) ReleaseClaim(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET worker_id = NULL,
		    updated_at = ?
		WHERE job_id = ?
		  AND state = ?
		  AND scheduler_handle IS NULL
	`)

	if _, err := s.db.ExecContext(ctx, query, s.now(), jobID, string(domain.JobStateQueued)); err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// SetSchedulerHandle records the scheduler's handle for a dispatched job
func (s *Storage) SetSchedulerHandle(ctx context.Context, jobID, handle string) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET scheduler_handle = ?,
		    updated_at = ?
		WHERE job_id = ?
	`)

	if _, err := s.db.ExecContext(ctx, query, handle, s.now(), jobID); err != nil {
		return fmt.Errorf("failed to set scheduler handle: %w", err)
	}
	return nil
}

// ListInFlight returns queued and running jobs that the scheduler knows about
func (s *Storage) ListInFlight(ctx context.Context, limit int) ([]domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE state IN (?, ?) AND scheduler_handle IS NOT NULL
		ORDER BY updated_at ASC
		LIMIT ?`)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, string(domain.JobStateQueued), string(domain.JobStateRunning), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list in-flight jobs: %w", err)
	}
	return jobs, nil
}

// ListUndispatched returns queued jobs without a scheduler handle last touched before cutoff
func (s *Storage) ListUndispatched(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE state = ? AND scheduler_handle IS NULL AND updated_at < ?
		ORDER BY updated_at ASC
		LIMIT ?`)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, string(domain.JobStateQueued), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list undispatched jobs: %w", err)
	}
	return jobs, nil
}

// ListPendingCancels returns cancelled jobs whose scheduler cancel was not sent yet
func (s *Storage) ListPendingCancels(ctx context.Context, limit int) ([]domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE state = ? AND scheduler_handle IS NOT NULL AND cancel_sent_at IS NULL
		LIMIT ?`)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query, string(domain.JobStateCancelled), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending cancels: %w", err)
	}
	return jobs, nil
}

// MarkCancelSent records that the scheduler was asked to cancel a job
func (s *Storage) MarkCancelSent(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`UPDATE jobs SET cancel_sent_at = ?, updated_at = ? WHERE job_id = ?`)
	now := s.now()
	if _, err := s.db.ExecContext(ctx, query, now, now, jobID); err != nil {
		return fmt.Errorf("failed to mark cancel sent: %w", err)
	}
	return nil
}

// ListArchivable returns terminal jobs completed before cutoff that are not archived
func (s *Storage) ListArchivable(ctx context.Context, cutoff time.Time, limit int) ([]domain.Job, error) {
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs
		WHERE state IN (?, ?, ?) AND archived_at IS NULL AND completed_at < ?
		LIMIT ?`)

	var jobs []domain.Job
	err := s.db.SelectContext(ctx, &jobs, query,
		string(domain.JobStateSucceeded), string(domain.JobStateFailed), string(domain.JobStateCancelled),
		cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archivable jobs: %w", err)
	}
	return jobs, nil
}

// ArchiveJob hides a terminal job from listings
func (s *Storage) ArchiveJob(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`
		UPDATE jobs
		SET archived_at = ?, updated_at = ?
		WHERE job_id = ? AND archived_at IS NULL AND state IN (?, ?, ?)
	`)

	now := s.now()
	result, err := s.db.ExecContext(ctx, query, now, now, jobID,
		string(domain.JobStateSucceeded), string(domain.JobStateFailed), string(domain.JobStateCancelled))
	if err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: job %s is not terminal or already archived", domain.ErrStateConflict, jobID)
	}
	return nil
}
