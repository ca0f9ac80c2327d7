// Package callback delivers finished results to the caller's endpoint.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/reportgen/internal/generate"
	"github.com/jackzampolin/reportgen/internal/types"
)

// Defaults for delivery.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultAttempts = 3
	DefaultDelay    = time.Second
)

// Config is the delivery target. It can be swapped at runtime.
type Config struct {
	URL         string
	BearerToken string
	Timeout     time.Duration
	Attempts    uint
	Delay       time.Duration
}

// Body is the JSON posted to the callback URL. RespResult holds the result
// items as an encoded JSON array.
type Body struct {
	ReqID      string `json:"reqId"`
	RespResult string `json:"respResult"`
}

// Client posts results to the configured URL.
type Client struct {
	cfg        atomic.Pointer[Config]
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a callback client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{httpClient: &http.Client{}, logger: logger}
	c.SetConfig(cfg)
	return c
}

// SetConfig replaces the delivery target. Deliveries in flight keep the
// config they started with.
func (c *Client) SetConfig(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultDelay
	}
	c.cfg.Store(&cfg)
}

// Config returns the current delivery target.
func (c *Client) Config() Config {
	return *c.cfg.Load()
}

// NewBody builds the callback body for payload.
func NewBody(reqID string, req types.Request, payload *generate.Report) (Body, error) {
	items, err := json.Marshal(payload.Items(req.Params()))
	if err != nil {
		return Body{}, fmt.Errorf("failed to marshal result items: %w", err)
	}
	return Body{ReqID: reqID, RespResult: string(items)}, nil
}

// Deliver posts payload for reqID, retrying transient failures. It is a
// no-op without a URL. 4xx responses are not retried.
func (c *Client) Deliver(ctx context.Context, reqID string, req types.Request, payload *generate.Report) error {
	cfg := c.Config()
	if cfg.URL == "" {
		c.logger.Warn("callback url not configured, skipping", "req_id", reqID)
		return nil
	}

	body, err := NewBody(reqID, req, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal callback body: %w", err)
	}

	err = retry.Do(
		func() error { return c.post(ctx, cfg, data) },
		retry.Context(ctx),
		retry.Attempts(cfg.Attempts),
		retry.Delay(cfg.Delay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			_, permanent := err.(*statusError)
			return !permanent
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("callback attempt failed", "req_id", reqID, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("callback for %s failed: %w", reqID, err)
	}
	c.logger.Info("callback delivered", "req_id", reqID)
	return nil
}

// statusError is a non-retryable rejection by the receiver.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("callback rejected (status %d): %s", e.code, e.body)
}

func (c *Client) post(ctx context.Context, cfg Config, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(data))
	if err != nil {
		return &statusError{body: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.BearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return &statusError{code: resp.StatusCode, body: string(body)}
	default:
		return fmt.Errorf("callback failed (status %d): %s", resp.StatusCode, string(body))
	}
}
