// Package dto holds the JSON shapes exchanged between the sc client and the
// orchestration service.
package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
)

// Request headers
const (
	HeaderUsername       = "X-SC-Username"
	HeaderIdempotencyKey = "X-Idempotency-Key"
	HeaderContentSHA256  = "X-Content-SHA256"
)

// Multipart field names of a job submission
const (
	FieldManifest = "manifest"
	FieldInputs   = "inputs"
)

// Error codes carried in ErrorBody.Code
const (
	CodeUnauthorized  = "unauthorized"
	CodeQuotaExceeded = "quota_exceeded"
	CodeValidation    = "validation_error"
	CodeNotFound      = "not_found"
	CodeNotReady      = "not_ready"
	CodeNoResult      = "no_result"
	CodeConflict      = "conflict"
	CodeExpired       = "expired"
	CodeRateLimited   = "rate_limited"
	CodeUnavailable   = "unavailable"
	CodeInternal      = "internal_error"
)

// ErrorResponse is the envelope of every non-2xx response
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed request
type ErrorBody struct {
	Code      string   `json:"code"`
	Message   string   `json:"message"`
	Field     string   `json:"field,omitempty"`
	Resource  string   `json:"resource,omitempty"`
	Requested *float64 `json:"requested,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`
}

// BalanceDTO is the response of the ping endpoint
type BalanceDTO struct {
	Username           string  `json:"username"`
	MinutesRemaining   float64 `json:"minutes_remaining"`
	BandwidthRemaining int64   `json:"bandwidth_remaining"`
}

type ListJobsRequest struct {
	State    string `form:"state"`
	PageSize int    `form:"page_size" binding:"gte=0"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string          `json:"job_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Username       string          `json:"username"`
	State          string          `json:"state"`
	Manifest       json.RawMessage `json:"manifest,omitempty"`
	EstimatedCost  float64         `json:"estimated_cost"`
	ActualCost     float64         `json:"actual_cost"`
	SchedulerState string          `json:"scheduler_state,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	SubmittedAt    string          `json:"submitted_at"`
	StartedAt      string          `json:"started_at,omitempty"`
	CompletedAt    string          `json:"completed_at,omitempty"`
	UpdatedAt      string          `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state
func (j *JobDTO) Terminal() bool {
	return domain.JobState(j.State).IsTerminal()
}

// NewJobDTO converts a stored job for the wire
func NewJobDTO(job *domain.Job) JobDTO {
	out := JobDTO{
		JobID:          job.JobID,
		IdempotencyKey: job.IdempotencyKey,
		Username:       job.Username,
		State:          string(job.State),
		EstimatedCost:  job.EstimatedCost,
		ActualCost:     job.ActualCost,
		SchedulerState: job.SchedulerState,
		ErrorMessage:   job.ErrorMessage,
		SubmittedAt:    job.SubmittedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if job.Manifest != "" {
		out.Manifest = json.RawMessage(job.Manifest)
	}
	if job.StartedAt.Valid {
		out.StartedAt = job.StartedAt.Time.UTC().Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		out.CompletedAt = job.CompletedAt.Time.UTC().Format(time.RFC3339)
	}
	return out
}
