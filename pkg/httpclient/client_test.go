package httpclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

var requestIDPattern = regexp.MustCompile(`^req_\d{13}_[0-9a-z]{9}$`)

type fakeTokens struct {
	mu         sync.Mutex
	token      string
	next       string
	refreshErr error
	refreshes  int
}

func (f *fakeTokens) AccessToken(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token, nil
}

func (f *fakeTokens) Refresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return f.refreshErr
	}
	f.token = f.next
	return nil
}

func (f *fakeTokens) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

type testClient struct {
	*Client
	logs   *bytes.Buffer
	mu     sync.Mutex
	delays []time.Duration
}

func newTestClient(t *testing.T, baseURL string, mutate func(*Config)) *testClient {
	t.Helper()
	cfg := DefaultConfig()
	cfg.BaseURL = baseURL
	cfg.Timeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	var buf bytes.Buffer
	tc := &testClient{logs: &buf}
	tc.Client = New(cfg, logger.NewWithWriter("test", "debug", logger.FormatJSON, &buf))
	tc.Client.sleep = func(_ context.Context, d time.Duration) error {
		tc.mu.Lock()
		defer tc.mu.Unlock()
		tc.delays = append(tc.delays, d)
		return nil
	}
	return tc
}

func (tc *testClient) recordedDelays() []time.Duration {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]time.Duration(nil), tc.delays...)
}

// logEntries returns every JSON log line whose msg equals msg.
func (tc *testClient) logEntries(t *testing.T, msg string) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(tc.logs.Bytes()))
	for sc.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &line))
		if line["msg"] == msg {
			out = append(out, line)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Timeout)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, 8*time.Second, cfg.MaxRetryDelay)
	assert.Equal(t, "1.0.0", cfg.ClientVersion)
}

func TestNewRequestID_Format(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := NewRequestID(now)
	assert.Regexp(t, requestIDPattern, id)
	assert.Contains(t, id, "req_1700000000123_")
	assert.NotEqual(t, id, NewRequestID(now))
}

func TestSend_SetsHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/account/me", r.URL.Path)
		assert.Equal(t, "Bearer session-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "1.0.0", r.Header.Get("X-Client-Version"))
		assert.Regexp(t, requestIDPattern, r.Header.Get("X-Request-ID"))
		assert.Equal(t, "yes", r.Header.Get("X-Extra"))
		writeJSON(w, http.StatusOK, `{"id":"u1"}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL+"/", nil)
	tc.SetTokenSource(&fakeTokens{token: "session-token"})

	var out struct {
		ID string `json:"id"`
	}
	err := tc.Get(context.Background(), "/v1/account/me", nil, &out, WithHeader("X-Extra", "yes"))
	require.NoError(t, err)
	assert.Equal(t, "u1", out.ID)
}

func TestSend_NoAuthorizationWithoutSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)
	tc.SetTokenSource(&fakeTokens{})
	require.NoError(t, tc.Post(context.Background(), "/v1/auth/signin", map[string]string{"email": "a@b.com"}, nil))
}

func TestSend_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	var ids sync.Map
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		ids.Store(r.Header.Get("X-Request-ID"), true)
		if n < 3 {
			writeJSON(w, http.StatusServiceUnavailable, `{"error":"SERVER_ERROR","message":"busy"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	raw, err := tc.Send(context.Background(), http.MethodGet, "/v1/jobs", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(raw))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, tc.recordedDelays())

	distinct := 0
	ids.Range(func(any, any) bool { distinct++; return true })
	assert.Equal(t, 1, distinct, "all attempts share one request id")

	entries := tc.logEntries(t, "api request")
	require.Len(t, entries, 1)
	assert.Equal(t, float64(3), entries[0]["attempt"])
	assert.Len(t, tc.logEntries(t, "api request failed"), 2)
	assert.Len(t, tc.logEntries(t, "api retry scheduled"), 2)
}

func TestSend_ExhaustsAttemptBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusServiceUnavailable, `{"message":"down"}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodGet, "/v1/jobs", nil)
	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, errors.Is(err, apperrors.ErrServer))

	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "HTTP_503", apiErr.Code)
	assert.Equal(t, "down", apiErr.Message)
	assert.Equal(t, server.URL+"/v1/jobs", apiErr.Endpoint)
	assert.Regexp(t, requestIDPattern, apiErr.RequestID)
}

func TestSend_BackoffIsCapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, func(c *Config) { c.RetryAttempts = 6 })

	_, err := tc.Send(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second,
	}, tc.recordedDelays())
}

func TestSend_NotFoundIsNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("X-Request-ID", "server-req-1")
		writeJSON(w, http.StatusNotFound, `{"error":"NOT_FOUND","message":"no such document"}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodGet, "/v1/documents/9", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
	assert.Empty(t, tc.recordedDelays())

	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apperrors.CodeNotFound, apiErr.Code)
	assert.Equal(t, "server-req-1", apiErr.RequestID)
}

func TestSend_RateLimitUsesRetryHint(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, `{"error":"RATE_LIMIT_EXCEEDED","message":"slow","details":{"retryAfter":3}}`)
			return
		}
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodPost, "/v1/jobs", map[string]string{"a": "b"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{3 * time.Second}, tc.recordedDelays())
}

func TestSend_RateLimitUsesRetryAfterHeader(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.Header().Set("Retry-After", "2")
			writeJSON(w, http.StatusTooManyRequests, `{}`)
			return
		}
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodGet, "/v1/jobs", nil)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, tc.recordedDelays())
}

func TestSend_RetryableFalse(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodPost, "/v1/auth/signin", nil, WithRetryable(false))
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestSend_PerCallAttemptBudget(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusInternalServerError, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodGet, "/x", nil, WithRetryAttempts(5))
	require.Error(t, err)
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls))
}

func TestSend_RefreshesOnceOnUnauthorized(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Header.Get("Authorization") != "Bearer fresh" {
			writeJSON(w, http.StatusUnauthorized, `{"error":"TOKEN_EXPIRED","message":"jwt expired"}`)
			return
		}
		writeJSON(w, http.StatusOK, `{"ok":true}`)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "stale", next: "fresh"}
	tc := newTestClient(t, server.URL, nil)
	tc.SetTokenSource(tokens)
	hookCalled := false
	tc.OnSessionInvalid(func(context.Context, error) { hookCalled = true })

	_, err := tc.Send(context.Background(), http.MethodGet, "/v1/account/me", nil)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, tokens.refreshCount())
	assert.False(t, hookCalled)
	assert.Empty(t, tc.recordedDelays(), "refresh retry is immediate")

	entries := tc.logEntries(t, "api request")
	require.Len(t, entries, 1)
	assert.Equal(t, float64(1), entries[0]["attempt"], "the refreshed call repeats the same attempt")
}

func TestSend_RefreshFailureInvokesSessionInvalid(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusUnauthorized, `{"message":"jwt expired"}`)
	}))
	defer server.Close()

	refreshErr := errors.New("refresh token revoked")
	tokens := &fakeTokens{token: "stale", refreshErr: refreshErr}
	tc := newTestClient(t, server.URL, nil)
	tc.SetTokenSource(tokens)

	var hookErr error
	tc.OnSessionInvalid(func(_ context.Context, err error) { hookErr = err })

	_, err := tc.Send(context.Background(), http.MethodGet, "/v1/account/me", nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, refreshErr, hookErr)
	assert.True(t, errors.Is(err, apperrors.ErrUnauthorized))
	assert.Equal(t, apperrors.CodeAuth, apperrors.Code(err))
}

func TestSend_PersistentUnauthorizedRefreshesOnlyOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		writeJSON(w, http.StatusForbidden, `{"error":"FORBIDDEN","message":"nope"}`)
	}))
	defer server.Close()

	tokens := &fakeTokens{token: "a", next: "b"}
	tc := newTestClient(t, server.URL, nil)
	tc.SetTokenSource(tokens)

	_, err := tc.Send(context.Background(), http.MethodGet, "/v1/admin", nil)
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, tokens.refreshCount())
	assert.True(t, errors.Is(err, apperrors.ErrForbidden))
}

func TestSend_UnauthorizedWithoutSessionDoesNotRefresh(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, `{"message":"Invalid login credentials"}`)
	}))
	defer server.Close()

	tokens := &fakeTokens{}
	tc := newTestClient(t, server.URL, nil)
	tc.SetTokenSource(tokens)

	_, err := tc.Send(context.Background(), http.MethodPost, "/v1/auth/signin", nil)
	require.Error(t, err)
	assert.Equal(t, 0, tokens.refreshCount())
}

func TestSend_TimeoutIsRetriedAsTransient(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, func(c *Config) { c.RetryAttempts = 2 })

	_, err := tc.Send(context.Background(), http.MethodGet, "/slow", nil, WithTimeout(30*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, apperrors.CodeTimeout, apperrors.Code(err))
	assert.True(t, errors.Is(err, apperrors.ErrTimeout))
}

func TestSend_NetworkErrorIsRetried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := server.URL
	server.Close()

	tc := newTestClient(t, addr, nil)

	_, err := tc.Send(context.Background(), http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNetwork, apperrors.Code(err))
	assert.Len(t, tc.recordedDelays(), 2)
}

func TestSend_CanceledContextStopsRetrying(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusServiceUnavailable, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)
	ctx, cancel := context.WithCancel(context.Background())
	tc.Client.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	_, err := tc.Send(ctx, http.MethodGet, "/x", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrServer))
}

func TestSend_SuccessBodies(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/html", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<html></html>")
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"ok":`)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)
	ctx := context.Background()

	raw, err := tc.Send(ctx, http.MethodDelete, "/empty", nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	_, err = tc.Send(ctx, http.MethodGet, "/html", nil)
	assert.Equal(t, apperrors.CodeInvalidResponse, apperrors.Code(err))

	_, err = tc.Send(ctx, http.MethodGet, "/broken", nil)
	require.Error(t, err)
	var apiErr *apperrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, apperrors.CodeParse, apiErr.Code)
	assert.NotEmpty(t, apiErr.Details["originalError"])
}

func TestSend_ValidationErrorCarriesFields(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, `{"error":"VALIDATION_ERROR","message":"bad input","details":{"email":"must be a valid email"},"requestId":"srv-1"}`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	_, err := tc.Send(context.Background(), http.MethodPost, "/v1/auth/signup", map[string]string{"email": "x"})
	require.Error(t, err)

	var verr *apperrors.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must be a valid email", verr.FieldErrors["email"])
	assert.Equal(t, "srv-1", verr.RequestID)
	assert.Empty(t, tc.recordedDelays())
}

func TestGet_AppendsQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "done", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, `[]`)
	}))
	defer server.Close()

	tc := newTestClient(t, server.URL, nil)

	var out []any
	err := tc.Get(context.Background(), "/v1/jobs?status=done", url.Values{"page": {"2"}}, &out)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSend_AbsoluteURLPassesThrough(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{}`)
	}))
	defer server.Close()

	tc := newTestClient(t, "http://invalid.example", nil)
	_, err := tc.Send(context.Background(), http.MethodGet, server.URL+"/ping", nil)
	require.NoError(t, err)
}

func TestPacing_WaitsForToken(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)

	c := newTestClient(t, srv.URL, func(cfg *Config) { cfg.RequestsPerSecond = 0.5 })

	require.NoError(t, c.Get(context.Background(), "/v1/ping", nil, nil))

	// The next token is two seconds away, past the caller's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := c.Get(ctx, "/v1/ping", nil, nil, WithRetryable(false))

	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNetwork))
	assert.Equal(t, int32(1), hits.Load())
}
