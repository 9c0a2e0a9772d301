package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error codes carried by APIError. Backends may return their own codes; these
// are the ones the client produces or recognizes.
const (
	CodeNetwork          = "NETWORK_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeAuth             = "AUTH_ERROR"
	CodeForbidden        = "FORBIDDEN"
	CodeNotFound         = "NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMIT_EXCEEDED"
	CodeServer           = "SERVER_ERROR"
	CodeUpload           = "UPLOAD_ERROR"
	CodeParse            = "PARSE_ERROR"
	CodeInvalidResponse  = "INVALID_RESPONSE"
	CodeCircuitOpen      = "CIRCUIT_OPEN"
	CodeInvalidToken     = "INVALID_TOKEN"
	CodeExpired          = "EXPIRED"
	CodeSessionMissing   = "SESSION_MISSING"
	genericUserMessage   = "An unexpected error occurred. Please try again."
	maxRetryAfterSeconds = 300
)

// Standard sentinel errors for common cases.
var (
	ErrNetwork         = errors.New("network error")
	ErrTimeout         = errors.New("request timed out")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("resource not found")
	ErrValidation      = errors.New("validation failed")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrServer          = errors.New("server error")
	ErrUpload          = errors.New("upload failed")
	ErrInvalidResponse = errors.New("invalid response")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrInvalidToken    = errors.New("invalid token")
	ErrExpired         = errors.New("expired")
	ErrSessionMissing  = errors.New("session missing")
)

// APIError is the terminal failure of an API call: a non-retryable response,
// or the last failure after the retry budget ran out.
type APIError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	StatusCode int            `json:"status_code"`
	Details    map[string]any `json:"details,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id,omitempty"`
	Endpoint   string         `json:"endpoint,omitempty"`
	Err        error          `json:"-"`
}

// New creates an APIError stamped with the current time. The sentinel is
// derived from the code and status so errors.Is works without callers
// passing one explicitly.
func New(code, message string, status int) *APIError {
	return &APIError{
		Code:       code,
		Message:    message,
		StatusCode: status,
		Timestamp:  time.Now().UTC(),
		Err:        sentinelFor(code, status),
	}
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// WithRequestID sets the correlation id and returns the error.
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// WithEndpoint sets the endpoint and returns the error.
func (e *APIError) WithEndpoint(endpoint string) *APIError {
	e.Endpoint = endpoint
	return e
}

// WithDetails sets the details map and returns the error.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	e.Details = details
	return e
}

// WithCause replaces the wrapped error. The sentinel is kept reachable by
// joining both.
func (e *APIError) WithCause(err error) *APIError {
	if err == nil {
		return e
	}
	if e.Err != nil {
		e.Err = errors.Join(e.Err, err)
	} else {
		e.Err = err
	}
	return e
}

// Retryable reports whether the failure class is transient.
func (e *APIError) Retryable() bool {
	switch e.Code {
	case CodeNetwork, CodeTimeout:
		return true
	}
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout
}

// RetryAfter returns the server's retry hint for a 429, read from
// details["retryAfter"] in seconds. The second result is false when no usable
// hint exists.
func (e *APIError) RetryAfter() (time.Duration, bool) {
	if e.StatusCode != http.StatusTooManyRequests || e.Details == nil {
		return 0, false
	}
	var secs float64
	switch v := e.Details["retryAfter"].(type) {
	case float64:
		secs = v
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		secs = n
	default:
		return 0, false
	}
	if secs < 0 {
		return 0, false
	}
	if secs > maxRetryAfterSeconds {
		secs = maxRetryAfterSeconds
	}
	return time.Duration(secs * float64(time.Second)), true
}

// UserMessage returns the pre-approved text shown to end users. Raw backend
// messages are never returned.
func (e *APIError) UserMessage() string {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return userMessages[CodeUnauthorized]
	case e.StatusCode == http.StatusForbidden:
		return userMessages[CodeForbidden]
	case e.StatusCode == http.StatusNotFound:
		return userMessages[CodeNotFound]
	case e.StatusCode == http.StatusTooManyRequests:
		return userMessages[CodeRateLimited]
	case e.StatusCode == http.StatusBadRequest, e.StatusCode == http.StatusUnprocessableEntity:
		return userMessages[CodeValidation]
	case e.StatusCode >= 500:
		return userMessages[CodeServer]
	}
	return genericUserMessage
}

var userMessages = map[string]string{
	CodeUnauthorized:    "Your session has expired. Please sign in again.",
	CodeTokenExpired:    "Your session has expired. Please sign in again.",
	CodeAuth:            "Your session has expired. Please sign in again.",
	CodeForbidden:       "You do not have permission to perform this action.",
	CodeNotFound:        "The requested resource was not found.",
	CodeValidation:      "Please check your input and try again.",
	CodeRateLimited:     "Too many requests. Please wait a moment and try again.",
	CodeServer:          "A server error occurred. Please try again later.",
	CodeNetwork:         "Network connection failed. Please check your internet connection.",
	CodeTimeout:         "The request timed out. Please try again.",
	CodeUpload:          "The file upload failed. Please try again.",
	CodeParse:           "The server sent an unexpected response. Please try again later.",
	CodeInvalidResponse: "The server sent an unexpected response. Please try again later.",
	CodeCircuitOpen:     "The service is temporarily unavailable. Please try again shortly.",
	CodeInvalidToken:    "This link is invalid. Please request a new one.",
	CodeExpired:         "This link has expired. Please request a new one.",
	CodeSessionMissing:  "Your session could not be found. Please request a new link.",
}

// ValidationError is a 400 response whose details name the offending fields.
type ValidationError struct {
	*APIError
	FieldErrors map[string]string `json:"field_errors"`
}

// NewValidationError builds a ValidationError, copying string-valued details
// into FieldErrors.
func NewValidationError(message string, details map[string]any) *ValidationError {
	fields := make(map[string]string, len(details))
	for k, v := range details {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	base := New(CodeValidation, message, http.StatusBadRequest).WithDetails(details)
	return &ValidationError{APIError: base, FieldErrors: fields}
}

func (e *ValidationError) Unwrap() error {
	return e.APIError
}

// Network creates a NETWORK_ERROR wrapping the transport failure.
func Network(message string, cause error) *APIError {
	return New(CodeNetwork, message, 0).WithCause(cause)
}

// Timeout creates a TIMEOUT error.
func Timeout(message string) *APIError {
	return New(CodeTimeout, message, 0)
}

// Upload creates an UPLOAD_ERROR for a failed transfer.
func Upload(message string, status int) *APIError {
	return New(CodeUpload, message, status)
}

// InvalidResponse creates an INVALID_RESPONSE error.
func InvalidResponse(message string, status int) *APIError {
	return New(CodeInvalidResponse, message, status)
}

// Parse creates a PARSE_ERROR wrapping the decode failure.
func Parse(status int, cause error) *APIError {
	e := New(CodeParse, "failed to parse response", status).WithCause(cause)
	if cause != nil {
		e.Details = map[string]any{"originalError": cause.Error()}
	}
	return e
}

// Code returns the machine code of err, or "" when err carries none.
func Code(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ""
}

// UserMessage returns a safe user-facing message for any error.
func UserMessage(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.UserMessage()
	}
	switch {
	case errors.Is(err, ErrTimeout):
		return userMessages[CodeTimeout]
	case errors.Is(err, ErrNetwork):
		return userMessages[CodeNetwork]
	}
	return genericUserMessage
}

// IsRetryable reports whether err is a transient API failure.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return false
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode > 0 {
		return apiErr.StatusCode
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrNetwork):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func sentinelFor(code string, status int) error {
	switch code {
	case CodeNetwork:
		return ErrNetwork
	case CodeTimeout:
		return ErrTimeout
	case CodeUnauthorized, CodeTokenExpired, CodeAuth:
		return ErrUnauthorized
	case CodeForbidden:
		return ErrForbidden
	case CodeNotFound:
		return ErrNotFound
	case CodeValidation:
		return ErrValidation
	case CodeRateLimited:
		return ErrRateLimited
	case CodeServer:
		return ErrServer
	case CodeUpload:
		return ErrUpload
	case CodeParse, CodeInvalidResponse:
		return ErrInvalidResponse
	case CodeCircuitOpen:
		return ErrCircuitOpen
	case CodeInvalidToken:
		return ErrInvalidToken
	case CodeExpired:
		return ErrExpired
	case CodeSessionMissing:
		return ErrSessionMissing
	}
	switch {
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout:
		return ErrTimeout
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status >= 500:
		return ErrServer
	}
	return nil
}
