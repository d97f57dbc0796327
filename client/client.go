// Package client is the Go SDK for the poold coordination service.
//
// The server keys all state by connection identity, so a Client pins every
// request to a single TCP connection: one Client is one identity. Closing
// the Client drops the connection, which the server treats as the
// disconnect that discards the client's registration and leases.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"pkt.systems/poold/api"
	"pkt.systems/poold/internal/svcfields"
)

// Client talks to one poold server over one long-lived connection.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  pslog.Logger
}

// Option configures the client.
type Option func(*options)

type options struct {
	Logger     pslog.Logger
	HTTPClient *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithHTTPClient substitutes the HTTP client. The caller becomes
// responsible for keeping all requests on one connection; the server
// issues one identity per connection, not per client object.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// New constructs a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	httpc := o.HTTPClient
	if httpc == nil {
		httpc = &http.Client{
			// One connection, kept alive: the server's view of this
			// client's identity lives exactly as long as it does.
			Transport: &http.Transport{
				MaxConnsPerHost:     1,
				MaxIdleConns:        1,
				MaxIdleConnsPerHost: 1,
				IdleConnTimeout:     0,
			},
		}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   httpc,
		logger:  svcfields.WithSubsystem(logger, "client"),
	}
}

// Register checks this client in as a worker-pool manager. workers is a
// capacity hint for the server's bookkeeping. Calling it twice on one
// client is a protocol violation the server reports as an error.
func (c *Client) Register(ctx context.Context, workers int) error {
	return c.call(ctx, http.MethodPost, "/v1/register", api.RegisterRequest{Workers: workers}, nil)
}

// FairShare returns this pool's current equal share of the server's core
// budget. The value is recomputed from live membership on every call.
func (c *Client) FairShare(ctx context.Context) (int, error) {
	var resp api.NWorkersResponse
	if err := c.call(ctx, http.MethodGet, "/v1/nworkers", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Share, nil
}

// Obtain requests lease-covered access to key. It blocks while the
// server's permit pool is exhausted; false means the server's wait bound
// expired first.
func (c *Client) Obtain(ctx context.Context, key string) (bool, error) {
	var resp api.ObtainResponse
	if err := c.call(ctx, http.MethodPost, "/v1/obtain", api.ObtainRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// Release gives up access to key. False reports "nothing to do", which is
// safe to ignore: duplicate and late releases are no-ops.
func (c *Client) Release(ctx context.Context, key string) (bool, error) {
	var resp api.ReleaseResponse
	if err := c.call(ctx, http.MethodPost, "/v1/release", api.ReleaseRequest{Key: key}, &resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

// ReleaseAll gives up every file this client holds.
func (c *Client) ReleaseAll(ctx context.Context) (bool, error) {
	var resp api.ReleaseResponse
	if err := c.call(ctx, http.MethodPost, "/v1/release", api.ReleaseRequest{}, &resp); err != nil {
		return false, err
	}
	return resp.Released, nil
}

// Health snapshots the server's broker state.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.call(ctx, http.MethodGet, "/v1/healthz", nil, &resp)
	return resp, err
}

// Close drops the client's connection. The server observes the disconnect
// and discards this identity's registration and leases.
func (c *Client) Close() {
	c.httpc.CloseIdleConnections()
}

// APIError is returned when the server answers with an error envelope.
type APIError struct {
	Status int
	Code   string
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (http %d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s (http %d)", e.Code, e.Status)
}

func (c *Client) call(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		var envelope api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil || envelope.ErrorCode == "" {
			return &APIError{Status: resp.StatusCode, Code: "unexpected_status"}
		}
		return &APIError{Status: resp.StatusCode, Code: envelope.ErrorCode, Detail: envelope.Detail}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
