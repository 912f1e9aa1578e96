// Package client talks to the orchestration service on behalf of the sc
// command line. Idempotent calls are retried with bounded backoff; submit
// and cancel are sent exactly once.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
	"github.com/cuongbtq/sc-remote/internal/credentials"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/google/uuid"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// Job and Balance are the service's wire types
type (
	Job     = dto.JobDTO
	Balance = dto.BalanceDTO
)

// Config holds client settings
type Config struct {
	Credentials  *credentials.Record
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Logger       *slog.Logger
}

// Client is an authenticated connection to one orchestration service
type Client struct {
	base     *url.URL
	username string
	secret   string
	retry    *retryablehttp.Client
	raw      *http.Client
	config   Config
	logger   *slog.Logger
}

// New creates a Client from a credentials record
func New(config Config) (*Client, error) {
	if config.Credentials == nil {
		return nil, fmt.Errorf("%w: no credentials", ErrAuth)
	}
	if err := config.Credentials.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimRight(config.Credentials.Address, "/"))
	if err != nil {
		return nil, err
	}

	if config.Timeout <= 0 {
		config.Timeout = 2 * time.Minute
	}
	if config.RetryMax < 0 {
		config.RetryMax = 0
	}
	if config.RetryWaitMin <= 0 {
		config.RetryWaitMin = 500 * time.Millisecond
	}
	if config.RetryWaitMax <= 0 {
		config.RetryWaitMax = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	raw := cleanhttp.DefaultPooledClient()
	raw.Timeout = config.Timeout

	retry := retryablehttp.NewClient()
	retry.HTTPClient = cleanhttp.DefaultPooledClient()
	retry.HTTPClient.Timeout = config.Timeout
	retry.RetryMax = config.RetryMax
	retry.RetryWaitMin = config.RetryWaitMin
	retry.RetryWaitMax = config.RetryWaitMax
	retry.Logger = config.Logger
	// Hand back the final response so its error envelope can be decoded
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		base:     base,
		username: config.Credentials.Username,
		secret:   config.Credentials.Secret,
		retry:    retry,
		raw:      raw,
		config:   config,
		logger:   config.Logger,
	}, nil
}

// NewIdempotencyKey returns a fresh key for Submit
func NewIdempotencyKey() string {
	return uuid.NewString()
}

func (c *Client) endpoint(path string, query url.Values) string {
	u := *c.base
	u.Path = c.base.Path + path
	u.RawQuery = query.Encode()
	return u.String()
}

func (c *Client) authorize(h http.Header) {
	h.Set(dto.HeaderUsername, c.username)
	h.Set("Authorization", "Bearer "+c.secret)
	h.Set("Accept", "application/json")
}

// get performs an idempotent GET with retries
func (c *Client) get(ctx context.Context, path string, query url.Values, header http.Header) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path, query), nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req.Header)
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.retry.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, networkError(err)
	}
	return resp, nil
}

// send performs a request once, without retries
func (c *Client) send(req *http.Request) (*http.Response, error) {
	c.authorize(req.Header)
	resp, err := c.raw.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		return nil, networkError(err)
	}
	return resp, nil
}

// decode reads a JSON body from a successful response
func decode[T any](resp *http.Response, want ...int) (*T, error) {
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	for _, status := range want {
		ok = ok || resp.StatusCode == status
	}
	if !ok {
		return nil, decodeError(resp)
	}

	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, &Error{Kind: ErrServer, Status: resp.StatusCode, Err: fmt.Errorf("malformed response: %w", err)}
	}
	return &v, nil
}

// Validate checks the credentials and returns the remaining balances
func (c *Client) Validate(ctx context.Context) (*Balance, error) {
	resp, err := c.get(ctx, "/api/v1/ping", nil, nil)
	if err != nil {
		return nil, err
	}
	return decode[Balance](resp)
}

// Submit sends a manifest and an optional inputs archive. It is never
// retried; resubmitting with the same key returns the original job.
func (c *Client) Submit(ctx context.Context, manifest *domain.Manifest, inputs io.Reader, idempotencyKey string) (*Job, error) {
	if idempotencyKey == "" {
		return nil, &Error{Kind: ErrValidation, Message: "idempotency key is required"}
	}

	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return nil, err
	}

	var (
		body        io.Reader
		contentType string
	)
	if inputs == nil {
		body, contentType = bytes.NewReader(manifestJSON), "application/json"
	} else {
		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		contentType = mw.FormDataContentType()
		body = pr
		go func() {
			pw.CloseWithError(writeSubmission(mw, manifestJSON, inputs))
		}()
		defer pr.Close()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("/api/v1/jobs", nil), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(dto.HeaderIdempotencyKey, idempotencyKey)

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	job, err := decode[Job](resp, http.StatusCreated)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("Job submitted",
		slog.String("job_id", job.JobID),
		slog.String("state", job.State),
		slog.Float64("estimated_cost", job.EstimatedCost),
	)
	return job, nil
}

// writeSubmission streams the manifest part followed by the inputs part
func writeSubmission(mw *multipart.Writer, manifestJSON []byte, inputs io.Reader) error {
	part, err := mw.CreateFormField(dto.FieldManifest)
	if err != nil {
		return err
	}
	if _, err := part.Write(manifestJSON); err != nil {
		return err
	}

	part, err = mw.CreateFormFile(dto.FieldInputs, "inputs.tar.gz")
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, inputs); err != nil {
		return err
	}
	return mw.Close()
}

// Poll returns the current snapshot of a job
func (c *Client) Poll(ctx context.Context, jobID string) (*Job, error) {
	resp, err := c.get(ctx, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decode[Job](resp)
}

// ListOptions filters a job listing
type ListOptions struct {
	State    string
	PageSize int
	Cursor   string
}

// List returns one page of the caller's jobs
func (c *Client) List(ctx context.Context, opts ListOptions) (*dto.ListJobsResponse, error) {
	query := url.Values{}
	if opts.State != "" {
		query.Set("state", opts.State)
	}
	if opts.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(opts.PageSize))
	}
	if opts.Cursor != "" {
		query.Set("cursor", opts.Cursor)
	}

	resp, err := c.get(ctx, "/api/v1/jobs", query, nil)
	if err != nil {
		return nil, err
	}
	return decode[dto.ListJobsResponse](resp)
}

// Cancel asks the service to stop a job
func (c *Client) Cancel(ctx context.Context, jobID string) (*Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint("/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	return decode[Job](resp)
}
