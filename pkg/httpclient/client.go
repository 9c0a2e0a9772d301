package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	apperrors "github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/errors"
	"github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/logger"
)

// Config holds HTTP client configuration
type Config struct {
	BaseURL         string
	Timeout         time.Duration
	RetryAttempts   int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	MaxConnsPerHost int
	ClientVersion   string

	// RequestsPerSecond paces outbound attempts. 0 disables pacing.
	RequestsPerSecond float64

	// CircuitBreaker guards the transport when set.
	CircuitBreaker *CircuitBreakerConfig
}

// DefaultConfig returns sensible defaults for HTTP client
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		RetryAttempts:   3,
		RetryDelay:      time.Second,
		MaxRetryDelay:   8 * time.Second,
		MaxConnsPerHost: 100,
		ClientVersion:   "1.0.0",
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = d.MaxRetryDelay
	}
	if c.MaxConnsPerHost <= 0 {
		c.MaxConnsPerHost = d.MaxConnsPerHost
	}
	if c.ClientVersion == "" {
		c.ClientVersion = d.ClientVersion
	}
	return c
}

// TokenSource supplies bearer credentials. AccessToken returns "" when no
// session exists.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// SessionInvalidFunc is called when a 401/403 could not be cured by a
// session refresh. Implementations typically sign out and redirect.
type SessionInvalidFunc func(ctx context.Context, err error)

// RequestContext describes one attempt of one call.
type RequestContext struct {
	Method    string
	URL       string
	RequestID string
	StartTime time.Time
	Attempt   int
}

// Client is the retrying JSON client for the Parscade API.
type Client struct {
	httpClient   *http.Client
	uploadClient *http.Client
	breaker      *breakerTransport
	pacer        *rate.Limiter
	config       Config
	logger       *slog.Logger
	tracer       trace.Tracer

	tokens           TokenSource
	onSessionInvalid SessionInvalidFunc

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a new HTTP client with retry and connection pooling
func New(cfg Config, log *slog.Logger) *Client {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Discard()
	}

	transport := NewTransport(cfg.MaxConnsPerHost)

	c := &Client{
		uploadClient: &http.Client{Transport: transport},
		config:       cfg,
		logger:       log,
		tracer:       otel.Tracer("github.com/Caleb220/Parscade-Bolt-Testing-sub001/pkg/httpclient"),
		now:          time.Now,
		sleep:        sleepContext,
	}

	var rt http.RoundTripper = transport
	if cfg.CircuitBreaker != nil {
		c.breaker = newBreakerTransport(transport, *cfg.CircuitBreaker, log)
		rt = c.breaker
	}
	c.httpClient = &http.Client{Transport: rt}

	if cfg.RequestsPerSecond > 0 {
		burst := int(math.Ceil(cfg.RequestsPerSecond))
		c.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return c
}

// SetTokenSource installs the credential collaborator. Call before first use.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// OnSessionInvalid installs the hook run when a refresh fails. Call before
// first use.
func (c *Client) OnSessionInvalid(fn SessionInvalidFunc) {
	c.onSessionInvalid = fn
}

// Config returns the effective configuration.
func (c *Client) Config() Config {
	return c.config
}

// Send executes method against path and returns the raw JSON body, or nil for
// an empty (204) response. Failures are *apperrors.APIError or
// *apperrors.ValidationError.
func (c *Client) Send(ctx context.Context, method, path string, body any, opts ...RequestOption) (json.RawMessage, error) {
	o := c.requestOptions(opts)

	fullURL, err := c.resolve(path, o.query)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeValidation, "invalid request url", 0).WithCause(err).WithEndpoint(path)
	}

	payload, err := encodeBody(body)
	if err != nil {
		return nil, apperrors.New(apperrors.CodeValidation, "failed to encode request body", 0).WithCause(err).WithEndpoint(fullURL)
	}

	requestID := NewRequestID(c.now())
	ctx = logger.WithRequestID(ctx, requestID)

	refreshed := false
	for attempt := 1; ; attempt++ {
		rc := RequestContext{
			Method:    method,
			URL:       fullURL,
			RequestID: requestID,
			StartTime: c.now(),
			Attempt:   attempt,
		}

		raw, sentToken, err := c.attempt(ctx, rc, payload, o)
		if err == nil {
			return raw, nil
		}

		status := statusOf(err)
		if (status == http.StatusUnauthorized || status == http.StatusForbidden) && sentToken && !refreshed {
			refreshed = true
			if rerr := c.refresh(ctx, rc); rerr != nil {
				c.sessionInvalid(ctx, rerr)
				return nil, err
			}
			// Same attempt number, new token.
			attempt--
			continue
		}

		if !o.retryable || attempt >= o.retryAttempts || !apperrors.IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}

		delay := c.backoff(attempt, err)
		c.logger.InfoContext(ctx, "api retry scheduled",
			slog.String("method", rc.Method),
			slog.String("url", rc.URL),
			slog.String("request_id", rc.RequestID),
			slog.Int("attempt", rc.Attempt),
			slog.String("code", apperrors.Code(err)),
			slog.Duration("delay", delay),
		)
		apiRetriesTotal.WithLabelValues(apperrors.Code(err)).Inc()

		if serr := c.sleep(ctx, delay); serr != nil {
			return nil, err
		}
	}
}

// Get performs a GET and decodes the JSON response into out (may be nil).
func (c *Client) Get(ctx context.Context, path string, query url.Values, out any, opts ...RequestOption) error {
	if len(query) > 0 {
		opts = append(opts, WithQuery(query))
	}
	raw, err := c.Send(ctx, http.MethodGet, path, nil, opts...)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

// Post performs a POST with a JSON body.
func (c *Client) Post(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	raw, err := c.Send(ctx, http.MethodPost, path, body, opts...)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

// Put performs a PUT with a JSON body.
func (c *Client) Put(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	raw, err := c.Send(ctx, http.MethodPut, path, body, opts...)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

// Patch performs a PATCH with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, body, out any, opts ...RequestOption) error {
	raw, err := c.Send(ctx, http.MethodPatch, path, body, opts...)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

// Delete performs a DELETE.
func (c *Client) Delete(ctx context.Context, path string, out any, opts ...RequestOption) error {
	raw, err := c.Send(ctx, http.MethodDelete, path, nil, opts...)
	if err != nil {
		return err
	}
	return decodeInto(raw, out)
}

// attempt performs one round trip. sentToken reports whether a session token
// from the TokenSource was attached.
func (c *Client) attempt(ctx context.Context, rc RequestContext, payload []byte, o requestOptions) (json.RawMessage, bool, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, false, apperrors.Network("request canceled", err).
				WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
		}
	}

	token, sentToken := c.bearer(ctx, o)

	attemptCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	attemptCtx, span := c.tracer.Start(attemptCtx, "HTTP "+rc.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", rc.Method),
			attribute.String("url.full", rc.URL),
			attribute.String("parscade.request_id", rc.RequestID),
			attribute.Int("parscade.attempt", rc.Attempt),
		),
	)
	defer span.End()

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, rc.Method, rc.URL, body)
	if err != nil {
		return nil, false, apperrors.New(apperrors.CodeValidation, "failed to build request", 0).
			WithCause(err).WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", rc.RequestID)
	req.Header.Set("X-Client-Version", c.config.ClientVersion)
	for k, v := range o.headers {
		req.Header.Set(k, v)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	otel.GetTextMapPropagator().Inject(attemptCtx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		apiErr := c.transportError(ctx, attemptCtx, err, o.timeout).
			WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
		c.observe(ctx, rc, 0, apiErr)
		span.RecordError(apiErr)
		span.SetStatus(codes.Error, apiErr.Code)
		return nil, sentToken, apiErr
	}

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		perr := ParseResponseError(resp, rc.URL, rc.RequestID)
		c.observe(ctx, rc, resp.StatusCode, perr)
		span.SetStatus(codes.Error, strconv.Itoa(resp.StatusCode))
		return nil, sentToken, perr
	}

	raw, err := c.readBody(resp, rc)
	if err != nil {
		var apiErr *apperrors.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == apperrors.CodeTimeout || apiErr.Code == apperrors.CodeNetwork) && attemptCtx.Err() != nil && ctx.Err() == nil {
			err = apperrors.Timeout(fmt.Sprintf("request timed out after %s", o.timeout)).
				WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
		}
		c.observe(ctx, rc, resp.StatusCode, err)
		span.SetStatus(codes.Error, apperrors.Code(err))
		return nil, sentToken, err
	}

	c.observe(ctx, rc, resp.StatusCode, nil)
	return raw, sentToken, nil
}

func (c *Client) readBody(resp *http.Response, rc RequestContext) (json.RawMessage, error) {
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, apperrors.InvalidResponse("Invalid response format", resp.StatusCode).
			WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.Network("failed to read response body", err).
			WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, apperrors.Parse(resp.StatusCode, err).
			WithRequestID(rc.RequestID).WithEndpoint(rc.URL)
	}
	return raw, nil
}

// transportError classifies a failed round trip. A per-attempt deadline is a
// TIMEOUT; everything else (including caller cancellation) is NETWORK_ERROR.
func (c *Client) transportError(parent, attemptCtx context.Context, err error, timeout time.Duration) *apperrors.APIError {
	switch {
	case isBreakerRejection(err):
		return apperrors.New(apperrors.CodeCircuitOpen, "circuit breaker open", 0).WithCause(err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && parent.Err() == nil:
		return apperrors.Timeout(fmt.Sprintf("request timed out after %s", timeout)).WithCause(err)
	default:
		return apperrors.Network("Network request failed", err)
	}
}

func (c *Client) observe(ctx context.Context, rc RequestContext, status int, err error) {
	duration := c.now().Sub(rc.StartTime)

	statusLabel := strconv.Itoa(status)
	if status == 0 {
		statusLabel = "error"
	}
	apiRequestsTotal.WithLabelValues(rc.Method, statusLabel).Inc()
	apiRequestDuration.WithLabelValues(rc.Method).Observe(duration.Seconds())

	attrs := []any{
		slog.String("method", rc.Method),
		slog.String("url", rc.URL),
		slog.String("request_id", rc.RequestID),
		slog.Int("attempt", rc.Attempt),
		slog.Int64("duration_ms", duration.Milliseconds()),
	}
	if status > 0 {
		attrs = append(attrs, slog.Int("status", status))
	}

	if err != nil {
		attrs = append(attrs, slog.String("code", apperrors.Code(err)))
		c.logger.WarnContext(ctx, "api request failed", attrs...)
		return
	}
	c.logger.DebugContext(ctx, "api request", attrs...)
}

func (c *Client) bearer(ctx context.Context, o requestOptions) (string, bool) {
	if o.bearer != "" {
		return o.bearer, false
	}
	if o.anonymous || c.tokens == nil {
		return "", false
	}
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to get auth session", slog.String("error", err.Error()))
		return "", false
	}
	return token, token != ""
}

func (c *Client) refresh(ctx context.Context, rc RequestContext) error {
	if c.tokens == nil {
		return apperrors.ErrSessionMissing
	}
	if err := c.tokens.Refresh(ctx); err != nil {
		apiTokenRefreshTotal.WithLabelValues("failure").Inc()
		c.logger.WarnContext(ctx, "session refresh failed",
			slog.String("request_id", rc.RequestID),
			slog.String("url", rc.URL),
			slog.String("error", err.Error()),
		)
		return err
	}
	apiTokenRefreshTotal.WithLabelValues("success").Inc()
	return nil
}

func (c *Client) sessionInvalid(ctx context.Context, err error) {
	if c.onSessionInvalid != nil {
		c.onSessionInvalid(ctx, err)
	}
}

// backoff returns the wait before the next attempt: the 429 retry hint when
// present, else min(RetryDelay*2^(attempt-1), MaxRetryDelay).
func (c *Client) backoff(attempt int, err error) time.Duration {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		if d, ok := apiErr.RetryAfter(); ok {
			return d
		}
	}
	d := c.config.RetryDelay
	for i := 1; i < attempt && d < c.config.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > c.config.MaxRetryDelay {
		d = c.config.MaxRetryDelay
	}
	return d
}

func (c *Client) resolve(path string, query url.Values) (string, error) {
	raw := path
	if !strings.HasPrefix(path, "http://") && !strings.HasPrefix(path, "https://") {
		raw = strings.TrimRight(c.config.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func statusOf(err error) int {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func decodeInto(raw json.RawMessage, out any) error {
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperrors.Parse(0, err)
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
