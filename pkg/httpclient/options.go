package httpclient

import (
	"net/url"
	"time"
)

// RequestOption customizes a single call.
type RequestOption func(*requestOptions)

type requestOptions struct {
	timeout       time.Duration
	retryAttempts int
	retryable     bool
	anonymous     bool
	bearer        string
	headers       map[string]string
	query         url.Values
}

func (c *Client) requestOptions(opts []RequestOption) requestOptions {
	o := requestOptions{
		timeout:       c.config.Timeout,
		retryAttempts: c.config.RetryAttempts,
		retryable:     true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = c.config.Timeout
	}
	if o.retryAttempts < 1 {
		o.retryAttempts = 1
	}
	return o
}

// WithTimeout bounds each attempt of the call.
func WithTimeout(d time.Duration) RequestOption {
	return func(o *requestOptions) { o.timeout = d }
}

// WithRetryAttempts sets the total attempt budget of the call.
func WithRetryAttempts(n int) RequestOption {
	return func(o *requestOptions) { o.retryAttempts = n }
}

// WithRetryable disables (false) or enables retries for the call.
func WithRetryable(retryable bool) RequestOption {
	return func(o *requestOptions) { o.retryable = retryable }
}

// WithHeader adds a request header. The session Authorization header takes
// precedence.
func WithHeader(key, value string) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string)
		}
		o.headers[key] = value
	}
}

// WithBearer sends token instead of the session token. No refresh is
// attempted on 401/403.
func WithBearer(token string) RequestOption {
	return func(o *requestOptions) { o.bearer = token }
}

// WithoutAuth sends the call without credentials.
func WithoutAuth() RequestOption {
	return func(o *requestOptions) { o.anonymous = true }
}

// WithQuery appends query parameters.
func WithQuery(q url.Values) RequestOption {
	return func(o *requestOptions) {
		if o.query == nil {
			o.query = url.Values{}
		}
		for k, vs := range q {
			for _, v := range vs {
				o.query.Add(k, v)
			}
		}
	}
}
