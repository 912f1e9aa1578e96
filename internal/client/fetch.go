package client

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"
)

// Destination receives a bundle. *os.File and afero.File satisfy it.
type Destination interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
}

// Bundle describes a fetched result bundle
type Bundle struct {
	JobID     string
	SizeBytes int64
	SHA256    string
}

// transfer tracks a download across resumed attempts
type transfer struct {
	dest    Destination
	hash    hash.Hash
	written int64
	etag    string
	sha     string
}

func (t *transfer) restart() error {
	if _, err := t.dest.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if err := t.dest.Truncate(0); err != nil {
		return err
	}
	t.hash = sha256.New()
	t.written = 0
	return nil
}

// Fetch downloads the result bundle of jobID into dest. A transfer cut off
// mid-body resumes with a Range request; the service charges bandwidth once
// per bundle no matter how many attempts it takes.
func (c *Client) Fetch(ctx context.Context, jobID string, dest Destination) (*Bundle, error) {
	t := &transfer{dest: dest, hash: sha256.New()}
	path := "/api/v1/jobs/" + url.PathEscape(jobID) + "/result"

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryMax; attempt++ {
		if attempt > 0 {
			wait := retryablehttp.DefaultBackoff(c.config.RetryWaitMin, c.config.RetryWaitMax, attempt, nil)
			c.logger.Warn("Resuming interrupted download",
				slog.String("job_id", jobID),
				slog.Int64("offset", t.written),
				slog.Int("attempt", attempt),
				slog.Any("error", lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}

		done, err := c.fetchOnce(ctx, path, t)
		if done {
			if err != nil {
				return nil, err
			}
			sum := hex.EncodeToString(t.hash.Sum(nil))
			if t.sha != "" && sum != t.sha {
				return nil, &Error{Kind: ErrIntegrity, Message: fmt.Sprintf("got %s, want %s", sum, t.sha)}
			}
			return &Bundle{JobID: jobID, SizeBytes: t.written, SHA256: sum}, nil
		}
		lastErr = err
	}

	return nil, networkError(fmt.Errorf("download of job %s interrupted after %d attempts: %w", jobID, c.config.RetryMax+1, lastErr))
}

// fetchOnce runs one request. done is false when the body was cut short and
// the transfer should resume.
func (c *Client) fetchOnce(ctx context.Context, path string, t *transfer) (done bool, err error) {
	header := http.Header{}
	if t.written > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", t.written))
		if t.etag != "" {
			header.Set("If-Range", t.etag)
		}
	}

	resp, err := c.get(ctx, path, nil, header)
	if err != nil {
		// Retries inside get are exhausted; a fresh attempt may still succeed
		if errors.Is(err, ErrNetwork) {
			return false, err
		}
		return true, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if t.written > 0 {
			// The bundle changed or ranges are unsupported: start over
			if err := t.restart(); err != nil {
				return true, err
			}
		}
	case http.StatusPartialContent:
	case http.StatusRequestedRangeNotSatisfiable:
		if err := t.restart(); err != nil {
			return true, err
		}
		return false, errors.New("resume offset past end of bundle")
	default:
		return true, decodeError(resp)
	}

	t.etag = resp.Header.Get("ETag")
	t.sha = resp.Header.Get(dto.HeaderContentSHA256)

	n, err := io.Copy(io.MultiWriter(t.dest, t.hash), resp.Body)
	t.written += n
	if err != nil {
		if ctx.Err() != nil {
			return true, ctx.Err()
		}
		return false, err
	}
	return true, nil
}

const (
	// MaxExpansion bounds unpacked size as a multiple of the bundle size
	// when Unpack is given no explicit limit
	MaxExpansion = 100

	minUnpackLimit = 64 << 20
)

// UnpackLimit is the default extraction cap for a bundle of size bytes
func UnpackLimit(size int64) int64 {
	if size > math.MaxInt64/MaxExpansion {
		return math.MaxInt64
	}
	return max(size*MaxExpansion, minUnpackLimit)
}

// Unpack extracts a fetched bundle into destDir, failing with
// results.ErrTooLarge once more than limit bytes are written. A limit of
// zero or less uses UnpackLimit of the bundle file's size.
func Unpack(afs afero.Fs, bundlePath, destDir string, limit int64) error {
	f, err := afs.Open(bundlePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if limit <= 0 {
		info, err := f.Stat()
		if err != nil {
			return err
		}
		limit = UnpackLimit(info.Size())
	}
	return results.Extract(afs, f, destDir, limit)
}
