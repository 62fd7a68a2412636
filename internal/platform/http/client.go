package http

import (
	"context"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// RetryPolicy is an explicit retry configuration passed to call sites
// instead of being duplicated inline per call.
type RetryPolicy struct {
	MaxAttempts uint64
	BaseDelay   time.Duration
	Multiplier  float64
}

// DefaultRetryPolicy bounds network retries to a handful of attempts
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		Multiplier:  2.0,
	}
}

// Backoff builds a context-aware exponential backoff from the policy
func (p RetryPolicy) Backoff(ctx context.Context) backoff.BackOff {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = p.BaseDelay
	strategy.Multiplier = p.Multiplier
	return backoff.WithContext(backoff.WithMaxRetries(strategy, p.MaxAttempts-1), ctx)
}

// Client is a wrapper for HTTP client with rate limiting. The limiter is a
// token bucket shared across every caller so the process stays under the
// exchange's request quota; a call that would exceed the budget blocks until
// a token is available.
type Client struct {
	HTTPClient *http.Client
	Limiter    *rate.Limiter
	Retry      RetryPolicy
}

// ClientOptions holds options for creating a new Client
type ClientOptions struct {
	Timeout        time.Duration
	RequestsPerSec int
	Retry          RetryPolicy
}

// NewClient creates a new HTTP client with rate limiting
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RequestsPerSec == 0 {
		opts.RequestsPerSec = 5
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	return &Client{
		HTTPClient: &http.Client{
			Timeout: opts.Timeout,
		},
		Limiter: rate.NewLimiter(rate.Every(time.Second), opts.RequestsPerSec),
		Retry:   opts.Retry,
	}
}

// DoRequest performs an HTTP request with rate limiting and retries. The
// request body must be rewindable (GetBody set) for retries to resend it.
func (c *Client) DoRequest(ctx context.Context, req *http.Request) (*http.Response, error) {
	if err := c.Limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var resp *http.Response
	operation := func() error {
		attempt := req
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(err)
			}
			attempt = req.Clone(ctx)
			attempt.Body = body
		}

		var err error
		resp, err = c.HTTPClient.Do(attempt)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return &HTTPStatusError{StatusCode: resp.StatusCode}
		}
		return nil
	}

	if err := backoff.Retry(operation, c.Retry.Backoff(ctx)); err != nil {
		return nil, err
	}

	return resp, nil
}

// HTTPStatusError represents an error due to a non-200 HTTP status code
type HTTPStatusError struct {
	StatusCode int
}

// Error implements the error interface
func (e *HTTPStatusError) Error() string {
	return "non-200 status code: " + http.StatusText(e.StatusCode)
}
