package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cuongbtq/sc-remote/internal/api/dto"
)

// Failure classes reported by the client. Check them with errors.Is.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrQuota      = errors.New("quota exceeded")
	ErrValidation = errors.New("request rejected")
	ErrNotFound   = errors.New("job not found")
	ErrNotReady   = errors.New("job not ready")
	ErrNoResult   = errors.New("job has no result")
	ErrExpired    = errors.New("result expired")
	ErrConflict   = errors.New("job state conflict")
	ErrNetwork    = errors.New("server unreachable")
	ErrServer     = errors.New("server error")
	ErrIntegrity  = errors.New("bundle checksum mismatch")
)

// Error is a failed request. Kind is one of the Err* classes above.
type Error struct {
	Kind      error
	Status    int
	Code      string
	Message   string
	Field     string
	Remaining *float64
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		msg = fmt.Sprintf("%s (field %s)", msg, e.Field)
	}
	if msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

// Is matches the error's Kind
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

var codeKinds = map[string]error{
	dto.CodeUnauthorized:  ErrAuth,
	dto.CodeQuotaExceeded: ErrQuota,
	dto.CodeValidation:    ErrValidation,
	dto.CodeNotFound:      ErrNotFound,
	dto.CodeNotReady:      ErrNotReady,
	dto.CodeNoResult:      ErrNoResult,
	dto.CodeConflict:      ErrConflict,
	dto.CodeExpired:       ErrExpired,
	dto.CodeRateLimited:   ErrServer,
	dto.CodeUnavailable:   ErrServer,
	dto.CodeInternal:      ErrServer,
}

// kindForStatus classifies responses without a recognisable envelope
func kindForStatus(status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrAuth
	case http.StatusPaymentRequired:
		return ErrQuota
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return ErrValidation
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusGone:
		return ErrExpired
	default:
		return ErrServer
	}
}

// decodeError turns a non-2xx response into an *Error
func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}

	var envelope dto.ErrorResponse
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Code != "" {
		e.Code = envelope.Error.Code
		e.Message = envelope.Error.Message
		e.Field = envelope.Error.Field
		e.Remaining = envelope.Error.Remaining
	} else {
		e.Message = http.StatusText(resp.StatusCode)
	}

	if kind, ok := codeKinds[e.Code]; ok {
		e.Kind = kind
	} else {
		e.Kind = kindForStatus(resp.StatusCode)
	}
	return e
}

func networkError(err error) error {
	return &Error{Kind: ErrNetwork, Err: err}
}
