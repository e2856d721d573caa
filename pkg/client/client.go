package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	dbtls "github.com/BlueSageSolutions/db-maintenance/internal/tls"
)

// ErrUnhealthy is returned by Health when the daemon answers 503.
var ErrUnhealthy = errors.New("purge monitor unhealthy")

// Client reads the status endpoints of a running purgefixer daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger   // Optional logger for client operations
	TLS     *dbtls.Options // CA bundle / client certificate for https endpoints
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// New creates a client. It fails only when the TLS material cannot be loaded.
func New(config Config) (*Client, error) {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil {
		tlsConfig, err := dbtls.ClientConfig(*config.TLS)
		if err != nil {
			return nil, fmt.Errorf("client TLS: %w", err)
		}
		transport.TLSClientConfig = tlsConfig
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}, nil
}

// Status returns the report of the last completed cycle.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.get(ctx, "/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health returns the liveness view. A stale or not yet started monitor
// yields the decoded body together with ErrUnhealthy.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	resp, err := c.do(ctx, "/healthz")
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	switch resp.StatusCode {
	case http.StatusOK, http.StatusServiceUnavailable:
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode health: %w", err)
		}
	default:
		return nil, c.handleErrorResponse(resp)
	}
	if !out.OK {
		return &out, fmt.Errorf("%w: %s", ErrUnhealthy, out.Error)
	}
	return &out, nil
}

// Sessions lists the sessions a remediation pass would kill right now.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var out []Session
	if err := c.get(ctx, "/sessions", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	resp, err := c.do(ctx, "/healthz")
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode != http.StatusNotFound
}

func (c *Client) do(ctx context.Context, path string) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return nil, fmt.Errorf("do request: %w", err)
	}
	return resp, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// handleErrorResponse turns a non-200 answer into an error, preferring the
// server's {"error": ...} message.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errorResp ErrorResponse
	if err := json.Unmarshal(body, &errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, errorResp.Error)
}
