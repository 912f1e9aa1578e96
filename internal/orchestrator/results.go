package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/afero"
)

// Download is an open result bundle ready to be served
type Download struct {
	Bundle  *domain.ResultBundle
	Content *DeliveryTracker
	ModTime time.Time
}

// Close releases the underlying file
func (d *Download) Close() error {
	return d.Content.file.Close()
}

// OpenResult opens the bundle of a succeeded job. The bundle's size is
// charged against the caller's bandwidth the first time it is opened;
// later opens (retries, resumed ranges) are free.
func (s *Service) OpenResult(ctx context.Context, username, jobID string) (*Download, error) {
	job, err := s.storage.GetJobForUser(ctx, jobID, username)
	if err != nil {
		return nil, err
	}

	switch {
	case !job.State.IsTerminal():
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrNotReady, jobID, job.State)
	case job.State != domain.JobStateSucceeded:
		return nil, fmt.Errorf("%w: job %s is %s", domain.ErrNoResult, jobID, job.State)
	case job.ArchivedAt.Valid:
		return nil, fmt.Errorf("%w: job %s was archived", domain.ErrExpired, jobID)
	}

	bundle, err := s.storage.GetBundle(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if bundle.Status != domain.BundleStatusAvailable || !s.now().Before(bundle.ExpiresAt) {
		return nil, fmt.Errorf("%w: bundle of job %s", domain.ErrExpired, jobID)
	}

	file, err := s.results.Open(bundle.Location)
	if err != nil {
		if errors.Is(err, results.ErrMissing) {
			return nil, fmt.Errorf("%w: bundle of job %s", domain.ErrExpired, jobID)
		}
		return nil, err
	}

	err = s.storage.InTx(ctx, func(tx *sqlx.Tx) error {
		charged, err := s.storage.MarkBundleCharged(ctx, tx, jobID)
		if err != nil || !charged {
			return err
		}
		return s.ledger.ChargeBandwidth(ctx, tx, username, bundle.SizeBytes)
	})
	if err != nil {
		file.Close()
		return nil, err
	}

	var modTime time.Time
	if info, err := file.Stat(); err == nil {
		modTime = info.ModTime()
	}

	return &Download{
		Bundle:  bundle,
		Content: &DeliveryTracker{file: file, size: bundle.SizeBytes},
		ModTime: modTime,
	}, nil
}

// MarkDelivered records that a download reached the end of the bundle.
// The bundle remains fetchable until the grace window elapses.
func (s *Service) MarkDelivered(ctx context.Context, jobID string) {
	if err := s.storage.MarkBundleDelivered(ctx, jobID); err != nil {
		s.logger.Error("Failed to record bundle delivery",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}
	s.logger.Info("Result bundle delivered",
		slog.String("job_id", jobID),
	)
}

// DeliveryTracker is an io.ReadSeeker over a bundle that notes whether the
// final byte was read.
type DeliveryTracker struct {
	file afero.File
	size int64
	pos  int64
	done bool
}

// Read implements io.Reader
func (d *DeliveryTracker) Read(p []byte) (int, error) {
	n, err := d.file.Read(p)
	d.pos += int64(n)
	if d.pos >= d.size || errors.Is(err, io.EOF) {
		d.done = true
	}
	return n, err
}

// Seek implements io.Seeker
func (d *DeliveryTracker) Seek(offset int64, whence int) (int64, error) {
	pos, err := d.file.Seek(offset, whence)
	if err == nil {
		d.pos = pos
	}
	return pos, err
}

// Delivered reports whether the end of the bundle was sent
func (d *DeliveryTracker) Delivered() bool {
	return d.done
}
