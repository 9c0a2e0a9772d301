package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
)

const maxErrorBodyBytes = 1 << 20

// errorResponse is the error body the Parscade backend returns. Older
// services nest the code and message under "error"; both forms are accepted,
// as are the msg/error_code/error_description fields of the identity provider.
type errorResponse struct {
	Error            json.RawMessage `json:"error"`
	ErrorCode        string          `json:"error_code"`
	Message          string          `json:"message"`
	Msg              string          `json:"msg"`
	ErrorDescription string          `json:"error_description"`
	Details          map[string]any  `json:"details"`
	RequestID        string          `json:"requestId"`
}

type nestedError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParseResponseError reads the body of a non-2xx response and translates it
// into an APIError, or a ValidationError for a 400 carrying details. The body
// is fully consumed and closed.
func ParseResponseError(resp *http.Response, endpoint, requestID string) error {
	defer func() { _ = resp.Body.Close() }()

	var body errorResponse
	if isJSON(resp.Header.Get("Content-Type")) {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		if err == nil {
			_ = json.Unmarshal(raw, &body)
		}
	}

	code, message := body.code(), body.message()
	if code == "" {
		if resp.StatusCode == http.StatusUnauthorized {
			code = apperrors.CodeAuth
		} else {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
	}
	if message == "" {
		message = statusText(resp)
	}

	if id := body.RequestID; id != "" {
		requestID = id
	} else if id := resp.Header.Get("X-Request-ID"); id != "" {
		requestID = id
	}

	if resp.StatusCode == http.StatusBadRequest && len(body.Details) > 0 {
		verr := apperrors.NewValidationError(message, body.Details)
		verr.WithRequestID(requestID).WithEndpoint(endpoint)
		return verr
	}

	details := body.Details
	if resp.StatusCode == http.StatusTooManyRequests {
		if _, ok := details["retryAfter"]; !ok {
			if secs, err := strconv.Atoi(strings.TrimSpace(resp.Header.Get("Retry-After"))); err == nil {
				if details == nil {
					details = make(map[string]any, 1)
				}
				details["retryAfter"] = secs
			}
		}
	}

	return apperrors.New(code, message, resp.StatusCode).
		WithDetails(details).
		WithRequestID(requestID).
		WithEndpoint(endpoint)
}

func (b errorResponse) code() string {
	if len(b.Error) > 0 {
		var s string
		if json.Unmarshal(b.Error, &s) == nil && s != "" {
			return s
		}
		if n := b.nested(); n != nil && n.Code != "" {
			return n.Code
		}
	}
	return b.ErrorCode
}

func (b errorResponse) message() string {
	for _, m := range []string{b.Message, b.Msg, b.ErrorDescription} {
		if m != "" {
			return m
		}
	}
	if n := b.nested(); n != nil {
		return n.Message
	}
	return ""
}

func (b errorResponse) nested() *nestedError {
	if len(b.Error) == 0 || b.Error[0] != '{' {
		return nil
	}
	var n nestedError
	if json.Unmarshal(b.Error, &n) != nil {
		return nil
	}
	return &n
}

// statusText returns the reason phrase of the response, e.g. "Not Found".
func statusText(resp *http.Response) string {
	if _, text, ok := strings.Cut(resp.Status, " "); ok && text != "" {
		return text
	}
	if text := http.StatusText(resp.StatusCode); text != "" {
		return text
	}
	return "An error occurred"
}

func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "application/json")
}
