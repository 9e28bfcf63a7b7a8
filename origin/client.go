// Package origin is the HTTP client for the remote content service: resource
// fetches, connectivity probes and mutation replay.
package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/store/localdb"
	"github.com/wolfeidau/offline-cache/strategy"
	"github.com/wolfeidau/offline-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for origin requests.
	DefaultTimeout = 30 * time.Second

	// DefaultProbePath is requested by Probe.
	DefaultProbePath = "/health"

	// DefaultReplayPath receives replayed mutations.
	DefaultReplayPath = "/api/mutations"

	// MaxBodySize caps the response body read by Fetch.
	MaxBodySize = localdb.MaxPayloadSize

	// IdempotencyKeyHeader carries PendingAction.IdempotencyKey on replay.
	IdempotencyKeyHeader = "Idempotency-Key"
)

// ErrBodyTooLarge is returned when a response exceeds MaxBodySize.
var ErrBodyTooLarge = errors.New("origin response exceeds maximum size")

// passedHeaders are copied from origin responses.
var passedHeaders = []string{"Content-Type", "Cache-Control", "ETag", "Last-Modified"}

// Client talks to the origin.
type Client struct {
	baseURL    string
	client     *http.Client
	probePath  string
	replayPath string
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithProbePath sets the path requested by Probe.
func WithProbePath(path string) Option {
	return func(c *Client) {
		c.probePath = path
	}
}

// WithReplayPath sets the path mutations are replayed to.
func WithReplayPath(path string) Option {
	return func(c *Client) {
		c.replayPath = path
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a client for the origin at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: telemetry.NewInstrumentedTransport(nil, ""),
		},
		probePath:  DefaultProbePath,
		replayPath: DefaultReplayPath,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) url(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

// Fetch requests req.Key from the origin. Transport failures are reported as
// ErrNetworkUnavailable; HTTP error statuses are returned as responses.
func (c *Client) Fetch(ctx context.Context, req strategy.Request) (*strategy.Response, error) {
	ctx = telemetry.WithClassContext(ctx, string(req.Class))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(req.Key), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if req.Navigational {
		httpReq.Header.Set("Accept", "text/html")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: fetching %s: %w", offlinecache.ErrNetworkUnavailable, req.Key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", offlinecache.ErrNetworkUnavailable, req.Key, err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("fetching %s: %w", req.Key, ErrBodyTooLarge)
	}

	header := http.Header{}
	for _, name := range passedHeaders {
		if v := resp.Header.Get(name); v != "" {
			header.Set(name, v)
		}
	}

	return &strategy.Response{
		Status: resp.StatusCode,
		Header: header,
		Body:   body,
	}, nil
}

// Probe checks that the origin is reachable. Any 2xx or 3xx status counts.
func (c *Client) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(c.probePath), nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", offlinecache.ErrNetworkUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: probe returned %d", offlinecache.ErrNetworkUnavailable, resp.StatusCode)
	}
	return nil
}

// replayRequest is the body posted for each replayed mutation.
type replayRequest struct {
	SequenceID uint64          `json:"sequence_id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Replay sends one queued mutation to the origin with its idempotency key.
// Only a 2xx status is success.
func (c *Client) Replay(ctx context.Context, action localdb.PendingAction) error {
	body, err := json.Marshal(replayRequest{
		SequenceID: action.SequenceID,
		Type:       action.Type,
		Payload:    action.Payload,
		CreatedAt:  action.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling mutation: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(c.replayPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(IdempotencyKeyHeader, action.IdempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: replaying mutation %d: %w", offlinecache.ErrNetworkUnavailable, action.SequenceID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("replaying mutation %d: origin returned %d: %s", action.SequenceID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	c.logger.Debug("replayed mutation",
		"sequence_id", action.SequenceID,
		"type", action.Type,
		"idempotency_key", action.IdempotencyKey)
	return nil
}
