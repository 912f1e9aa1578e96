package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/jmoiron/sqlx"
)

const bundleColumns = `
	job_id, username, size_bytes, location, sha256, status,
	created_at, expires_at, charged_at, delivered_at
`

// CreateBundle inserts a result bundle record
func (s *Storage) CreateBundle(ctx context.Context, q sqlx.ExtContext, b *domain.ResultBundle) error {
	query := q.Rebind(`
		INSERT INTO result_bundles (
			job_id, username, size_bytes, location, sha256, status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := q.ExecContext(ctx, query,
		b.JobID, b.Username, b.SizeBytes, b.Location, b.SHA256, b.Status,
		b.CreatedAt.UTC(), b.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create result bundle: %w", err)
	}
	return nil
}

// GetBundle returns the result bundle of a job
func (s *Storage) GetBundle(ctx context.Context, jobID string) (*domain.ResultBundle, error) {
	return s.getBundle(ctx, s.db, jobID)
}

// GetBundleTx returns the result bundle of a job inside a transaction
func (s *Storage) GetBundleTx(ctx context.Context, tx *sqlx.Tx, jobID string) (*domain.ResultBundle, error) {
	return s.getBundle(ctx, tx, jobID)
}

func (s *Storage) getBundle(ctx context.Context, q sqlx.ExtContext, jobID string) (*domain.ResultBundle, error) {
	var b domain.ResultBundle
	query := q.Rebind(`SELECT ` + bundleColumns + ` FROM result_bundles WHERE job_id = ?`)

	if err := sqlx.GetContext(ctx, q, &b, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoResult
		}
		return nil, fmt.Errorf("failed to get result bundle: %w", err)
	}
	return &b, nil
}

// MarkBundleCharged flags the bundle as paid for. It reports false when the
// bundle had already been charged, so callers charge at most once.
func (s *Storage) MarkBundleCharged(ctx context.Context, q sqlx.ExtContext, jobID string) (bool, error) {
	query := q.Rebind(`UPDATE result_bundles SET charged_at = ? WHERE job_id = ? AND charged_at IS NULL`)

	result, err := q.ExecContext(ctx, query, s.now(), jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark bundle charged: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// MarkBundleDelivered records the first complete download of a bundle
func (s *Storage) MarkBundleDelivered(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`UPDATE result_bundles SET delivered_at = ? WHERE job_id = ? AND delivered_at IS NULL`)

	if _, err := s.db.ExecContext(ctx, query, s.now(), jobID); err != nil {
		return fmt.Errorf("failed to mark bundle delivered: %w", err)
	}
	return nil
}

// ListPurgeableBundles returns available bundles past their expiry or
// delivered before deliveredBefore.
func (s *Storage) ListPurgeableBundles(ctx context.Context, now, deliveredBefore time.Time, limit int) ([]domain.ResultBundle, error) {
	query := s.db.Rebind(`SELECT ` + bundleColumns + ` FROM result_bundles
		WHERE status = ?
		  AND (expires_at < ? OR delivered_at < ?)
		LIMIT ?`)

	var bundles []domain.ResultBundle
	err := s.db.SelectContext(ctx, &bundles, query, domain.BundleStatusAvailable, now.UTC(), deliveredBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list purgeable bundles: %w", err)
	}
	return bundles, nil
}

// MarkBundleExpired flags a bundle whose payload was removed
func (s *Storage) MarkBundleExpired(ctx context.Context, jobID string) error {
	query := s.db.Rebind(`UPDATE result_bundles SET status = ? WHERE job_id = ?`)

	if _, err := s.db.ExecContext(ctx, query, domain.BundleStatusExpired, jobID); err != nil {
		return fmt.Errorf("failed to mark bundle expired: %w", err)
	}
	return nil
}
