package results

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"

	"github.com/cuongbtq/sc-remote/internal/scheduler"
	"github.com/spf13/afero"
)

// ErrMissing is returned when a bundle or upload is no longer on disk
var ErrMissing = errors.New("result file missing")

// Config locates job directories, bundles and uploaded inputs
type Config struct {
	WorkdirRoot string
	BundleRoot  string
	UploadRoot  string
}

// Packed describes a bundle written by PackOutputs
type Packed struct {
	Location  string
	SizeBytes int64
	SHA256    string
}

// Store manages bundles and uploads on an afero filesystem
type Store struct {
	fs     afero.Fs
	config Config
	logger *slog.Logger
}

// NewStore creates a Store
func NewStore(afs afero.Fs, config Config, logger *slog.Logger) *Store {
	return &Store{
		fs:     afs,
		config: config,
		logger: logger,
	}
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

// PackOutputs archives a job's outputs directory into its bundle file
func (s *Store) PackOutputs(jobID string) (*Packed, error) {
	outputs := scheduler.OutputsPath(s.config.WorkdirRoot, jobID)
	if err := s.fs.MkdirAll(outputs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare outputs directory: %w", err)
	}
	if err := s.fs.MkdirAll(s.config.BundleRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare bundle directory: %w", err)
	}

	location := jobID + ".tar.gz"
	final := path.Join(s.config.BundleRoot, location)
	tmp := final + ".tmp"

	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create bundle: %w", err)
	}

	hash := sha256.New()
	counter := &countingWriter{}
	err = Archive(s.fs, outputs, io.MultiWriter(f, hash, counter))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmp)
		return nil, err
	}

	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return nil, fmt.Errorf("failed to publish bundle: %w", err)
	}

	packed := &Packed{
		Location:  location,
		SizeBytes: counter.n,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
	}

	s.logger.Info("Result bundle packed",
		slog.String("job_id", jobID),
		slog.Int64("size_bytes", packed.SizeBytes),
		slog.String("sha256", packed.SHA256),
	)

	return packed, nil
}

// Open opens a bundle for reading
func (s *Store) Open(location string) (afero.File, error) {
	f, err := s.fs.Open(path.Join(s.config.BundleRoot, location))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrMissing, location)
		}
		return nil, fmt.Errorf("failed to open bundle: %w", err)
	}
	return f, nil
}

// Remove deletes a bundle; a missing bundle is not an error
func (s *Store) Remove(location string) error {
	err := s.fs.Remove(path.Join(s.config.BundleRoot, location))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove bundle: %w", err)
	}
	return nil
}

// RemoveWorkDir deletes a job's scratch directory
func (s *Store) RemoveWorkDir(jobID string) error {
	if err := s.fs.RemoveAll(scheduler.WorkDir(s.config.WorkdirRoot, jobID)); err != nil {
		return fmt.Errorf("failed to remove work directory: %w", err)
	}
	return nil
}

// SaveUpload stores an inputs archive for jobID, failing with ErrTooLarge past limit bytes
func (s *Store) SaveUpload(jobID string, r io.Reader, limit int64) (string, int64, error) {
	if err := s.fs.MkdirAll(s.config.UploadRoot, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to prepare upload directory: %w", err)
	}

	target := path.Join(s.config.UploadRoot, jobID+".tar.gz")
	f, err := s.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create upload: %w", err)
	}
	defer f.Close()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}

	n, err := io.Copy(f, src)
	if err != nil {
		_ = s.fs.Remove(target)
		return "", 0, fmt.Errorf("failed to store upload: %w", err)
	}
	if limit > 0 && n > limit {
		_ = s.fs.Remove(target)
		return "", 0, fmt.Errorf("%w: %d bytes", ErrTooLarge, limit)
	}

	return target, n, nil
}

// RemoveUpload deletes a stored inputs archive; a missing file is not an error
func (s *Store) RemoveUpload(p string) error {
	if p == "" {
		return nil
	}
	err := s.fs.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove upload: %w", err)
	}
	return nil
}
