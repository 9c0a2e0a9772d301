package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Sentinel error identity ---

func TestSentinelErrors_AreDistinct(t *testing.T) {
	sentinels := []error{
		ErrNetwork, ErrTimeout, ErrUnauthorized, ErrForbidden, ErrNotFound,
		ErrValidation, ErrRateLimited, ErrServer, ErrUpload, ErrInvalidResponse,
		ErrCircuitOpen, ErrInvalidToken, ErrExpired, ErrSessionMissing,
	}

	for i := 0; i < len(sentinels); i++ {
		for j := i + 1; j < len(sentinels); j++ {
			assert.NotEqual(t, sentinels[i], sentinels[j],
				"sentinels %d and %d should be distinct", i, j)
		}
	}
}

// --- APIError behavior ---

func TestAPIError_ErrorString(t *testing.T) {
	assert.Equal(t, "NOT_FOUND (404): document missing", New(CodeNotFound, "document missing", 404).Error())
	assert.Equal(t, "NETWORK_ERROR: dial failed", New(CodeNetwork, "dial failed", 0).Error())
}

func TestNew_DerivesSentinelFromCode(t *testing.T) {
	err := New(CodeRateLimited, "slow down", http.StatusTooManyRequests)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.WithinDuration(t, time.Now(), err.Timestamp, time.Second)
}

func TestNew_DerivesSentinelFromStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusRequestTimeout, ErrTimeout},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusBadGateway, ErrServer},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := New(fmt.Sprintf("HTTP_%d", tt.status), "x", tt.status)
			assert.True(t, errors.Is(err, tt.want))
		})
	}
}

func TestAPIError_WithCause_KeepsSentinel(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Network("request failed", cause)
	assert.True(t, errors.Is(err, ErrNetwork))
	assert.True(t, errors.Is(err, cause))
}

func TestAPIError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"network", New(CodeNetwork, "x", 0), true},
		{"timeout", New(CodeTimeout, "x", 0), true},
		{"503", New("HTTP_503", "x", 503), true},
		{"429", New(CodeRateLimited, "x", 429), true},
		{"408", New("HTTP_408", "x", 408), true},
		{"404", New(CodeNotFound, "x", 404), false},
		{"400", New(CodeValidation, "x", 400), false},
		{"401", New(CodeUnauthorized, "x", 401), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
			assert.Equal(t, tt.want, IsRetryable(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestAPIError_RetryAfter(t *testing.T) {
	err := New(CodeRateLimited, "x", 429).WithDetails(map[string]any{"retryAfter": float64(3)})
	d, ok := err.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, 3*time.Second, d)

	err = New(CodeRateLimited, "x", 429).WithDetails(map[string]any{"retryAfter": "2"})
	d, ok = err.RetryAfter()
	require.True(t, ok)
	assert.Equal(t, 2*time.Second, d)

	_, ok = New(CodeServer, "x", 503).WithDetails(map[string]any{"retryAfter": float64(3)}).RetryAfter()
	assert.False(t, ok, "only 429 carries a retry hint")

	_, ok = New(CodeRateLimited, "x", 429).RetryAfter()
	assert.False(t, ok)
}

func TestAPIError_UserMessage_NeverLeaksRawMessage(t *testing.T) {
	err := New("HTTP_500", "pq: relation users does not exist", 500)
	assert.Equal(t, "A server error occurred. Please try again later.", err.UserMessage())
	assert.NotContains(t, err.UserMessage(), "relation")

	unknown := New("WEIRD", "stack trace at line 42", 418)
	assert.Equal(t, genericUserMessage, unknown.UserMessage())
}

func TestUserMessage_ByCode(t *testing.T) {
	assert.Equal(t, "Your session has expired. Please sign in again.", UserMessage(New(CodeTokenExpired, "x", 401)))
	assert.Equal(t, "Too many requests. Please wait a moment and try again.", UserMessage(New("HTTP_429", "x", 429)))
	assert.Equal(t, genericUserMessage, UserMessage(errors.New("boom")))
	assert.Equal(t, userMessages[CodeTimeout], UserMessage(fmt.Errorf("op: %w", ErrTimeout)))
}

func TestCode(t *testing.T) {
	assert.Equal(t, CodeForbidden, Code(fmt.Errorf("wrap: %w", New(CodeForbidden, "x", 403))))
	assert.Equal(t, "", Code(errors.New("plain")))
}

func TestNewValidationError(t *testing.T) {
	err := NewValidationError("invalid", map[string]any{
		"email": "must be a valid email",
		"count": 3,
	})
	assert.Equal(t, map[string]string{"email": "must be a valid email"}, err.FieldErrors)
	assert.True(t, errors.Is(err, ErrValidation))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}

func TestParse_RecordsOriginalError(t *testing.T) {
	err := Parse(200, errors.New("unexpected EOF"))
	assert.Equal(t, CodeParse, err.Code)
	assert.Equal(t, "unexpected EOF", err.Details["originalError"])
	assert.True(t, errors.Is(err, ErrInvalidResponse))
}

// --- HTTPStatus mapping ---

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"api error", New(CodeNotFound, "x", 404), 404},
		{"sentinel not found", ErrNotFound, http.StatusNotFound},
		{"sentinel validation", ErrValidation, http.StatusBadRequest},
		{"sentinel rate limited", ErrRateLimited, http.StatusTooManyRequests},
		{"network without status", New(CodeNetwork, "x", 0), http.StatusServiceUnavailable},
		{"timeout without status", New(CodeTimeout, "x", 0), http.StatusGatewayTimeout},
		{"unknown", errors.New("random"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}
