// Package client is the Go SDK for the streamguard daemon API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rmax-ai/streamguard/pkg/api"
	"github.com/rmax-ai/streamguard/pkg/backoff"
	"github.com/rmax-ai/streamguard/pkg/provider"
	"github.com/rmax-ai/streamguard/pkg/queue"
)

// Client is the streamguard SDK client.
type Client struct {
	endpoint   string
	token      string
	http       *http.Client
	backoff    backoff.Strategy
	maxRetries int
}

type Option func(*Client)

// WithToken sends "Authorization: Bearer <token>" on every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithBackoff sets the strategy WaitForSlot uses between failed polls.
func WithBackoff(b backoff.Strategy, maxRetries int) Option {
	return func(c *Client) {
		c.backoff = b
		c.maxRetries = maxRetries
	}
}

// NewClient creates a new streamguard client.
// endpoint defaults to "http://127.0.0.1:8090" if empty.
func NewClient(endpoint string, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = "http://127.0.0.1:8090"
	}
	c := &Client{
		endpoint:   endpoint,
		http:       &http.Client{Timeout: 10 * time.Second},
		backoff:    backoff.Default(),
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx reply from the daemon.
type APIError struct {
	StatusCode int
	Code       string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("streamguard: %s (%d): %s", e.Code, e.StatusCode, e.Details)
	}
	return fmt.Sprintf("streamguard: %s (%d)", e.Code, e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Ping checks the health of the daemon.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil, nil)
}

func (c *Client) Stats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	err := c.do(ctx, http.MethodGet, "/v1/stats", nil, &stats)
	return stats, err
}

func (c *Client) Providers(ctx context.Context) ([]api.ProviderState, error) {
	var out []api.ProviderState
	err := c.do(ctx, http.MethodGet, "/v1/providers", nil, &out)
	return out, err
}

// WaitTime asks how long to wait before calling the provider.
func (c *Client) WaitTime(ctx context.Context, pid provider.ProviderID) (api.WaitResponse, error) {
	var out api.WaitResponse
	err := c.do(ctx, http.MethodGet, "/v1/providers/"+url.PathEscape(string(pid))+"/wait", nil, &out)
	return out, err
}

// ReportRejection tells the daemon that the provider returned a 429.
func (c *Client) ReportRejection(ctx context.Context, pid provider.ProviderID, retryAfter time.Duration) (api.WaitResponse, error) {
	var out api.WaitResponse
	body := api.RejectionRequest{RetryAfter: retryAfter.String()}
	err := c.do(ctx, http.MethodPost, "/v1/providers/"+url.PathEscape(string(pid))+"/rejection", body, &out)
	return out, err
}

func (c *Client) ResetProvider(ctx context.Context, pid provider.ProviderID) error {
	return c.do(ctx, http.MethodDelete, "/v1/providers/"+url.PathEscape(string(pid)), nil, nil)
}

// Enqueue submits a request. With req.Wait set the call blocks until the
// request finishes, so the client timeout must allow for it.
func (c *Client) Enqueue(ctx context.Context, req api.EnqueueRequest) (api.RequestResponse, error) {
	var out api.RequestResponse
	err := c.do(ctx, http.MethodPost, "/v1/requests", req, &out)
	return out, err
}

func (c *Client) Request(ctx context.Context, id string) (api.RequestResponse, error) {
	var out api.RequestResponse
	err := c.do(ctx, http.MethodGet, "/v1/requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Requests lists requests, optionally filtered by status.
func (c *Client) Requests(ctx context.Context, status queue.Status) ([]queue.Snapshot, error) {
	path := "/v1/requests"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var out []queue.Snapshot
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) Cancel(ctx context.Context, id string) (api.RequestResponse, error) {
	var out api.RequestResponse
	err := c.do(ctx, http.MethodDelete, "/v1/requests/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *Client) Prune(ctx context.Context, retention time.Duration) (api.PruneResponse, error) {
	var out api.PruneResponse
	body := map[string]string{"retention": retention.String()}
	err := c.do(ctx, http.MethodPost, "/v1/admin/prune", body, &out)
	return out, err
}

// WaitForSlot blocks until the daemon reports the provider ready. It sleeps
// for the reported wait and backs off between failed polls. It is
// fail-closed: after maxRetries consecutive errors it returns the last one.
func (c *Client) WaitForSlot(ctx context.Context, pid provider.ProviderID) error {
	failures := 0
	for {
		var sleep time.Duration
		wt, err := c.WaitTime(ctx, pid)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if failures >= c.maxRetries {
				return fmt.Errorf("wait for %s: %w", pid, err)
			}
			sleep = c.backoff.Next(failures)
			failures++
		case wt.Ready:
			return nil
		default:
			failures = 0
			sleep = time.Duration(wt.WaitMs) * time.Millisecond
		}

		t := time.NewTimer(sleep)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Code: http.StatusText(resp.StatusCode)}
		var e api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			apiErr.Code = e.Error
			apiErr.Details = e.Details
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
