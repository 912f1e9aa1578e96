package client

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func response(status int, body string) *http.Response {
	return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(body))}
}

func TestDecodeError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		kind    error
		code    string
		message string
	}{
		{
			name:    "envelope",
			status:  http.StatusPaymentRequired,
			body:    `{"error":{"code":"quota_exceeded","message":"insufficient compute minutes","remaining":4.5}}`,
			kind:    ErrQuota,
			code:    "quota_exceeded",
			message: "insufficient compute minutes",
		},
		{
			name:    "code wins over status",
			status:  http.StatusConflict,
			body:    `{"error":{"code":"not_ready","message":"job is RUNNING"}}`,
			kind:    ErrNotReady,
			code:    "not_ready",
			message: "job is RUNNING",
		},
		{
			name:    "proxy page",
			status:  http.StatusBadGateway,
			body:    `<html>bad gateway</html>`,
			kind:    ErrServer,
			message: "Bad Gateway",
		},
		{
			name:    "bare gone",
			status:  http.StatusGone,
			kind:    ErrExpired,
			message: "Gone",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := decodeError(response(tt.status, tt.body))

			var cerr *Error
			require.True(t, errors.As(err, &cerr))
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.status, cerr.Status)
			assert.Equal(t, tt.code, cerr.Code)
			assert.Equal(t, tt.message, cerr.Message)
		})
	}
}

func TestError_Message(t *testing.T) {
	err := &Error{Kind: ErrValidation, Message: "must be an identifier", Field: "design"}
	assert.Equal(t, "request rejected: must be an identifier (field design)", err.Error())

	wrapped := &Error{Kind: ErrNetwork, Err: errors.New("connection refused")}
	assert.Equal(t, "server unreachable: connection refused", wrapped.Error())
	assert.False(t, errors.Is(wrapped, ErrServer))
}
