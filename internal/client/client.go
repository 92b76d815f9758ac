// Package client provides an HTTP client for the xflow pipeline server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/xflow/internal/metrics"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://localhost:8000"

// Client is a stateless request client for the pipeline server.
// Requests are never retried.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Collector
	auth       *AuthSignal
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics records request timings into m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithAuthSignal sets the signal raised on HTTP 401.
func WithAuthSignal(s *AuthSignal) Option {
	return func(c *Client) { c.auth = s }
}

// New creates a new client.
// If baseURL is empty, uses XFLOW_API_URL env var or defaults to localhost:8000.
// Timeout can be configured via XFLOW_CLIENT_TIMEOUT env var (default 2m;
// starting a job runs the pipeline up to its first checkpoint).
func New(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("XFLOW_API_URL")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	timeout := 2 * time.Minute
	if t := os.Getenv("XFLOW_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     slog.Default(),
		auth:       NewAuthSignal(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server base URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AuthSignal returns the signal raised when the server answers 401.
func (c *Client) AuthSignal() *AuthSignal {
	return c.auth
}

// WebSocketBase converts the HTTP base URL to its ws/wss equivalent.
func (c *Client) WebSocketBase() string {
	return WebSocketBase(c.baseURL)
}

// WebSocketBase converts an http(s) URL to ws(s).
func WebSocketBase(httpURL string) string {
	u := strings.Replace(httpURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return strings.TrimRight(u, "/")
}

// do sends a JSON request and decodes a JSON response into result.
// Non-2xx responses become *RequestError; 401 also raises the auth signal.
func (c *Client) do(ctx context.Context, op, method, path string, body, result any) (err error) {
	start := time.Now()
	requestID := uuid.NewString()
	status := 0
	defer func() {
		d := time.Since(start)
		c.metrics.RecordTiming(op, d, err)
		logRequest(c.logger, op, requestID, status, d, err)
	}()

	var reader io.Reader
	if body != nil {
		reqBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		reqErr := newRequestError(resp.StatusCode, data)
		if resp.StatusCode == http.StatusUnauthorized {
			c.metrics.Inc(metrics.CounterAuthLost)
			c.auth.Raise(reqErr)
		}
		return reqErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
