package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

// maxManifestBytes bounds the manifest part of a submission
const maxManifestBytes = 1 << 20

// Ping handles GET /api/v1/ping
// Authenticates the caller and reports remaining balances without side effects
func (h *JobHandler) Ping(c *gin.Context) {
	account, err := h.service.Validate(c.Request.Context(), Username(c))
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.BalanceDTO{
		Username:           account.Username,
		MinutesRemaining:   account.MinutesRemaining,
		BandwidthRemaining: account.BandwidthRemaining,
	})
}

// CreateJob handles POST /api/v1/jobs
// Accepts a JSON manifest, or a multipart form with the manifest followed by an
// optional inputs archive. A repeated idempotency key returns the original job.
func (h *JobHandler) CreateJob(c *gin.Context) {
	req := orchestrator.SubmitRequest{
		Username:       Username(c),
		IdempotencyKey: c.GetHeader(dto.HeaderIdempotencyKey),
	}

	h.logger.Info("CreateJob called",
		slog.String("username", req.Username),
		slog.String("idempotency_key", req.IdempotencyKey),
		slog.String("content_type", c.ContentType()),
	)

	if c.ContentType() == "multipart/form-data" {
		if err := h.bindMultipart(c, &req); err != nil {
			h.fail(c, err)
			return
		}
	} else if err := c.ShouldBindJSON(&req.Manifest); err != nil {
		h.fail(c, &domain.ValidationError{Field: dto.FieldManifest, Reason: err.Error()})
		return
	}

	job, created, err := h.service.Submit(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, dto.NewJobDTO(job))
}

// bindMultipart streams a submission: the manifest part must come first so the
// inputs part can be handed to the service without buffering it.
func (h *JobHandler) bindMultipart(c *gin.Context, req *orchestrator.SubmitRequest) error {
	mr, err := c.Request.MultipartReader()
	if err != nil {
		return &domain.ValidationError{Field: dto.FieldManifest, Reason: err.Error()}
	}

	part, err := mr.NextPart()
	if err != nil {
		return &domain.ValidationError{Field: dto.FieldManifest, Reason: "missing manifest part"}
	}
	if part.FormName() != dto.FieldManifest {
		return &domain.ValidationError{
			Field:  dto.FieldManifest,
			Reason: fmt.Sprintf("first part must be %q, got %q", dto.FieldManifest, part.FormName()),
		}
	}

	if err := json.NewDecoder(io.LimitReader(part, maxManifestBytes)).Decode(&req.Manifest); err != nil {
		return &domain.ValidationError{Field: dto.FieldManifest, Reason: err.Error()}
	}
	if err := binding.Validator.ValidateStruct(&req.Manifest); err != nil {
		return &domain.ValidationError{Field: dto.FieldManifest, Reason: err.Error()}
	}

	inputs, err := mr.NextPart()
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return &domain.ValidationError{Field: dto.FieldInputs, Reason: err.Error()}
	case inputs.FormName() != dto.FieldInputs:
		return &domain.ValidationError{
			Field:  dto.FieldInputs,
			Reason: fmt.Sprintf("unexpected part %q", inputs.FormName()),
		}
	}

	req.Inputs = inputs
	return nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns a snapshot of one of the caller's jobs
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.service.Poll(c.Request.Context(), Username(c), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists the caller's jobs newest first with keyset pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.fail(c, &domain.ValidationError{Reason: "invalid query parameters: " + err.Error()})
		return
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.service.List(c.Request.Context(), storage.JobFilter{
		Username: Username(c),
		State:    req.State,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	jobResponse := make([]dto.JobDTO, len(result.Jobs))
	for i := range result.Jobs {
		jobResponse[i] = dto.NewJobDTO(&result.Jobs[i])
		// Listings stay small; the manifest is available from GetJob
		jobResponse[i].Manifest = nil
	}

	var nextCursor string
	if result.HasMore {
		nextCursor = EncodeJobCursor(result.Next)
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancels a queued or running job; cancelling twice is a no-op
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	h.logger.Info("CancelJob called",
		slog.String("username", Username(c)),
		slog.String("job_id", jobID),
	)

	job, err := h.service.Cancel(c.Request.Context(), Username(c), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, dto.NewJobDTO(job))
}

// GetResult handles GET /api/v1/jobs/:job_id/result
// Streams the result bundle. Range requests resume an interrupted transfer;
// bandwidth is charged only on the first request.
func (h *JobHandler) GetResult(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	download, err := h.service.OpenResult(c.Request.Context(), Username(c), jobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	defer download.Close()

	name := jobID + ".tar.gz"
	c.Header("Content-Type", "application/gzip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Header("ETag", fmt.Sprintf("%q", download.Bundle.SHA256))
	c.Header(dto.HeaderContentSHA256, download.Bundle.SHA256)

	http.ServeContent(c.Writer, c.Request, name, download.ModTime, download.Content)

	if download.Content.Delivered() {
		h.service.MarkDelivered(context.WithoutCancel(c.Request.Context()), jobID)
	}
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
// Archives a terminal job and purges its result bundle
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.service.Archive(c.Request.Context(), Username(c), jobID); err != nil {
		h.fail(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// jobID validates the :job_id path parameter
func (h *JobHandler) jobID(c *gin.Context) (string, bool) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		h.fail(c, &domain.ValidationError{Field: "job_id", Reason: "must be a valid UUID"})
		return "", false
	}
	return jobID, true
}
