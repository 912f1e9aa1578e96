// Package credentials reads and writes the remote server credentials file.
package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/afero"
)

// EnvPath overrides the default credentials location
const EnvPath = "SC_CREDENTIALS"

var (
	// ErrNotFound is returned when no credentials file exists
	ErrNotFound = errors.New("credentials not found; run 'sc configure'")

	// ErrMalformed is returned when the file cannot be used
	ErrMalformed = errors.New("malformed credentials")
)

// Record is the on-disk credentials format shared with the front end
type Record struct {
	Address  string `json:"address"`
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Validate checks that a record can authenticate against a server
func (r *Record) Validate() error {
	if r.Address == "" {
		return fmt.Errorf("%w: address is required", ErrMalformed)
	}
	u, err := url.Parse(r.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: address %q must be an http(s) URL", ErrMalformed, r.Address)
	}
	if r.Username == "" {
		return fmt.Errorf("%w: username is required", ErrMalformed)
	}
	if r.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrMalformed)
	}
	return nil
}

// DefaultPath returns $SC_CREDENTIALS or ~/.sc/credentials
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate home directory: %w", err)
	}
	return filepath.Join(home, ".sc", "credentials"), nil
}

// Store reads and writes one credentials file
type Store struct {
	fs   afero.Fs
	path string
}

// NewStore creates a Store for path on fs
func NewStore(afs afero.Fs, path string) *Store {
	return &Store{fs: afs, path: path}
}

// Path returns the file the store manages
func (s *Store) Path() string {
	return s.path
}

// Load reads and validates the credentials file
func (s *Store) Load() (*Record, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w at %s", ErrNotFound, s.path)
		}
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, s.path, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Save writes rec readable only by the owner. The file is written to a
// fresh temporary name and renamed into place so readers never see a
// partial record.
func (s *Store) Save(rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, "."+filepath.Base(s.path)+"."+uuid.NewString())
	f, err := s.fs.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create credentials file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write credentials: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to write credentials: %w", err)
	}

	if err := s.fs.Rename(tmp, s.path); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("failed to install credentials: %w", err)
	}
	return nil
}
