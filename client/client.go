// Package client is a Go client for the quotafence HTTP API.
//
// Calls go through a retry.Caller, which retries timeouts and the retryable
// HTTP statuses (408, 409, 429, 500, 502, 503 and 504); other transport
// errors, such as a refused connection, are returned as is. Every Acquire carries a request ID that stays the same across those
// retries, so a request the server already decided is answered from its
// replay window instead of spending quota twice.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/yourusername/quotafence/api"
	"github.com/yourusername/quotafence/core"
	"github.com/yourusername/quotafence/retry"
)

// Client talks to a quotafence server.
type Client struct {
	http   *resty.Client
	caller *retry.Caller
	newID  func() string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the resty client, e.g. to set auth or TLS.
func WithHTTPClient(c *resty.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithCaller sets the retry policy for timeouts and retryable statuses.
func WithCaller(c *retry.Caller) Option {
	return func(cl *Client) { cl.caller = c }
}

// WithRequestIDs overrides request ID generation.
func WithRequestIDs(fn func() string) Option {
	return func(cl *Client) { cl.newID = fn }
}

// New creates a Client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("%w: base url: %v", core.ErrInvalidArgument, err)
	}

	caller, err := retry.New(retry.DefaultConfig())
	if err != nil {
		return nil, err
	}

	c := &Client{
		http:   resty.New(),
		caller: caller,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.http.SetBaseURL(baseURL)
	c.http.SetHeader("Content-Type", "application/json")
	return c, nil
}

// Acquire asks the server for n tokens on key. It satisfies guard.Acquirer.
func (c *Client) Acquire(ctx context.Context, key string, n int64) (core.Decision, error) {
	return c.AcquireOnce(ctx, key, n, c.newID())
}

// AcquireOnce is Acquire with a caller-chosen request ID.
func (c *Client) AcquireOnce(ctx context.Context, key string, n int64, requestID string) (core.Decision, error) {
	body := api.AcquireRequest{Key: key, Tokens: &n, RequestID: requestID}

	var out api.AcquireResponse
	if err := c.call(ctx, http.MethodPost, "/v1/acquire", body, &out); err != nil {
		return core.Decision{}, err
	}

	return core.Decision{
		Granted:  out.Granted,
		WaitMs:   out.WaitMs,
		Replayed: out.Replayed,
		State: core.BucketState{
			Key:    key,
			Limit:  out.Limit,
			Burst:  out.Burst,
			Tokens: out.Tokens,
		},
	}, nil
}

// SetRate changes key's rate. perMinute is in tokens per minute, the unit the
// API takes.
func (c *Client) SetRate(ctx context.Context, key string, perMinute float64, burst int64) (api.BucketResponse, error) {
	body := api.SetRateRequest{NewLimit: perMinute, NewBurst: burst}

	var out api.BucketResponse
	err := c.call(ctx, http.MethodPut, "/v1/buckets/"+url.PathEscape(key)+"/rate", body, &out)
	return out, err
}

// Snapshot returns key's live state.
func (c *Client) Snapshot(ctx context.Context, key string) (api.BucketResponse, error) {
	var out api.BucketResponse
	err := c.call(ctx, http.MethodGet, "/v1/buckets/"+url.PathEscape(key), nil, &out)
	return out, err
}

// List returns every bucket the server knows.
func (c *Client) List(ctx context.Context) ([]api.BucketResponse, error) {
	var out api.ListResponse
	if err := c.call(ctx, http.MethodGet, "/v1/buckets", nil, &out); err != nil {
		return nil, err
	}
	return out.Buckets, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	var resp *resty.Response
	op := retry.RestyOperation(c.http, method, path, func(r *resty.Request) {
		if body != nil {
			r.SetBody(body)
		}
		r.SetResult(out)
	}, &resp)

	err := c.caller.Do(ctx, op)
	if err == nil {
		return nil
	}

	var se *retry.StatusError
	if errors.As(err, &se) && se.StatusCode == http.StatusBadRequest {
		return fmt.Errorf("%w: %s %s: %s", core.ErrInvalidArgument, method, path, strings.TrimSpace(se.Body))
	}
	return fmt.Errorf("%s %s: %w", method, path, err)
}
