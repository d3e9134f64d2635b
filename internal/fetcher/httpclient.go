package fetcher

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"resty.dev/v3"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultRetryWaitTime    = 500 * time.Millisecond
	defaultRetryMaxWaitTime = 5 * time.Second
)

type clientOptions struct {
	timeout          time.Duration
	transportRetries int
	headers          map[string]string
	logger           zerolog.Logger
}

// ClientOption configures NewHTTPClient.
type ClientOption func(*clientOptions)

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) { o.timeout = d }
}

// WithTransportRetries enables resty's own retries for 408/429/5xx and
// network errors inside a single Fetch attempt. Zero (the default) leaves
// retrying entirely to Retry.
func WithTransportRetries(n int) ClientOption {
	return func(o *clientOptions) { o.transportRetries = n }
}

// WithHeader sets a header sent with every request.
func WithHeader(key, value string) ClientOption {
	return func(o *clientOptions) { o.headers[key] = value }
}

// WithLogger sets the logger used by retry hooks.
func WithLogger(l zerolog.Logger) ClientOption {
	return func(o *clientOptions) { o.logger = l }
}

// NewHTTPClient creates the resty client shared by the upstream providers.
func NewHTTPClient(baseURL string, opts ...ClientOption) *resty.Client {
	o := &clientOptions{
		timeout: defaultTimeout,
		headers: map[string]string{"Accept": "application/json"},
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(o.timeout).
		SetHeaders(o.headers)

	if o.transportRetries > 0 {
		log := o.logger
		client.
			SetRetryCount(o.transportRetries).
			SetRetryWaitTime(defaultRetryWaitTime).
			SetRetryMaxWaitTime(defaultRetryMaxWaitTime).
			AddRetryConditions(retryCondition).
			AddRetryHooks(func(r *resty.Response, err error) { retryHook(log, r, err) })
	}

	return client
}

// retryCondition determines whether a request should be retried based on the response and error
func retryCondition(r *resty.Response, err error) bool {
	if err != nil {
		return true
	}

	switch code := r.StatusCode(); {
	case code >= 500:
		return true
	case code == http.StatusTooManyRequests:
		return true
	case code == http.StatusRequestTimeout:
		return true
	default:
		return false
	}
}

// retryHook logs retry attempts for observability
func retryHook(log zerolog.Logger, r *resty.Response, err error) {
	if err != nil {
		log.Debug().
			Str("url", r.Request.URL).
			Int("attempt", r.Request.Attempt).
			Err(err).
			Msg("retrying request due to error")
		return
	}

	log.Debug().
		Str("url", r.Request.URL).
		Int("attempt", r.Request.Attempt).
		Int("status_code", r.StatusCode()).
		Msg("retrying request due to status code")
}

// CheckResponse converts a resty result into a FetchError, or nil when the
// response is a 2xx.
func CheckResponse(resp *resty.Response, err error) error {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return NewTimeoutError(err)
		}
		if errors.Is(err, context.Canceled) {
			return err
		}
		return NewNetworkError(err)
	}
	if !resp.IsSuccess() {
		return ClassifyHTTPError(resp.StatusCode())
	}
	return nil
}
