package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/gin-gonic/gin"
)

// ContextUsername is the gin context key holding the authenticated user
const ContextUsername = "sc.username"

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Service *orchestrator.Service
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	service *orchestrator.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		service: deps.Service,
	}
}

// Username returns the user set by the auth middleware
func Username(c *gin.Context) string {
	return c.GetString(ContextUsername)
}

// Status maps a domain error to its HTTP status and error code
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized, dto.CodeUnauthorized
	case errors.Is(err, domain.ErrQuotaExceeded):
		return http.StatusPaymentRequired, dto.CodeQuotaExceeded
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest, dto.CodeValidation
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrAccountNotFound):
		return http.StatusNotFound, dto.CodeNotFound
	case errors.Is(err, domain.ErrNotReady):
		return http.StatusConflict, dto.CodeNotReady
	case errors.Is(err, domain.ErrNoResult):
		return http.StatusConflict, dto.CodeNoResult
	case errors.Is(err, domain.ErrStateConflict):
		return http.StatusConflict, dto.CodeConflict
	case errors.Is(err, domain.ErrExpired):
		return http.StatusGone, dto.CodeExpired
	case errors.Is(err, domain.ErrSchedulerUnavailable):
		return http.StatusServiceUnavailable, dto.CodeUnavailable
	default:
		return http.StatusInternalServerError, dto.CodeInternal
	}
}

// AbortWithError writes the error envelope for err and stops the chain
func AbortWithError(c *gin.Context, logger *slog.Logger, err error) {
	status, code := Status(err)

	body := dto.ErrorBody{Code: code, Message: err.Error()}
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		body.Field = verr.Field
	}
	var qerr *domain.QuotaError
	if errors.As(err, &qerr) {
		body.Resource = qerr.Resource
		body.Requested = &qerr.Requested
		body.Remaining = &qerr.Remaining
	}

	if status >= http.StatusInternalServerError {
		// Logged by the request middleware
		_ = c.Error(err)
		if status == http.StatusInternalServerError {
			body.Message = "internal server error"
		}
	} else {
		logger.Debug("Request rejected",
			slog.String("path", c.Request.URL.Path),
			slog.String("code", code),
			slog.String("error", err.Error()),
		)
	}

	c.AbortWithStatusJSON(status, dto.ErrorResponse{Error: body})
}

func (h *JobHandler) fail(c *gin.Context, err error) {
	AbortWithError(c, h.logger, err)
}
