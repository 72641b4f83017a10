package drive

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

	"github.com/bdobrica/fumiko/common/retry"
)

const (
	defaultTimeout     = 15 * time.Second
	defaultMaxAttempts = 3
)

// Config configures the HTTP file-store client.
type Config struct {
	// BaseURL is the root of the store's REST API, without a trailing slash.
	BaseURL string

	// Token is the bearer token used to authenticate.
	Token string

	// Timeout is the per-request HTTP timeout.  Defaults to 15 s.
	Timeout time.Duration

	// MaxAttempts bounds retries on transient failures.  Defaults to 3.
	MaxAttempts int
}

type httpClient struct {
	cfg    Config
	client *http.Client
}

// NewClient returns a Client backed by the store's REST API.
// The returned client is safe for concurrent use.
func NewClient(cfg Config) Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	return &httpClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

// --- wire types ---

type listResponse struct {
	Entries []Entry `json:"entries"`
}

type moveRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (c *httpClient) List(ctx context.Context, path string) ([]Entry, error) {
	var out listResponse
	err := c.call(ctx, http.MethodGet, "/files?path="+url.QueryEscape(path), nil, &out)
	if err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (c *httpClient) Delete(ctx context.Context, path string) error {
	// The store trashes rather than destroys; DELETE is its trash endpoint.
	return c.call(ctx, http.MethodDelete, "/files?path="+url.QueryEscape(path), nil, nil)
}

func (c *httpClient) Move(ctx context.Context, src, dst string) error {
	return c.call(ctx, http.MethodPost, "/files/move", moveRequest{Source: src, Destination: dst}, nil)
}

func (c *httpClient) Read(ctx context.Context, path string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/files/content?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("drive: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive: http request: %w", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
	if err != nil {
		return nil, fmt.Errorf("drive: read content: %w", err)
	}
	return data, nil
}

// call performs one JSON request/response round trip with retries on
// transient failures.  out may be nil when no body is expected.
func (c *httpClient) call(ctx context.Context, method, path string, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("drive: marshal request: %w", err)
		}
	}

	cfg := retry.Config{
		MaxAttempts:  c.cfg.MaxAttempts,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		ShouldRetry:  isTransient,
	}

	return retry.Do(ctx, cfg, func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rd)
		if err != nil {
			return fmt.Errorf("drive: create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("drive: http request: %w", err)
		}
		defer resp.Body.Close()

		if err := statusError(resp); err != nil {
			return err
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("drive: decode response: %w", err)
			}
		}
		return nil
	})
}

// statusError converts a non-2xx response into ErrNotFound or an APIError.
// The body is drained so the connection can be reused.
func statusError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := http.StatusText(resp.StatusCode)
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil && er.Error != "" {
		msg = er.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func isTransient(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// Network-level failures (connection refused, timeouts) are retryable.
	return true
}
