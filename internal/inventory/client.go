// Package inventory fetches the device inventory from the upstream device
// service and turns it into rental suggestions.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single upstream request.
const DefaultTimeout = 6 * time.Second

// fetchLogSize is the number of attempts kept for debugging.
const fetchLogSize = 12

// candidatePaths are tried in order; the first 200 with a non-empty list wins.
var candidatePaths = []string{
	"/api/v1/devices",
	"/api/devices",
	"/devices",
	"/api/public/devices?group=clean",
}

// ErrDisabled is returned by Fetch when the client has been turned off.
var ErrDisabled = errors.New("inventory client disabled")

// FetchAttempt records one upstream request.
type FetchAttempt struct {
	URL    string    `json:"url"`
	Status int       `json:"status"`
	Count  int       `json:"count"`
	Note   string    `json:"note,omitempty"`
	Time   time.Time `json:"time"`
}

// Opts holds configuration for the Client.
type Opts struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	Enabled    bool
	HTTPClient *http.Client
}

// Option configures the Client.
type Option func(*Opts)

// WithBaseURL sets the device service base URL.
func WithBaseURL(base string) Option {
	return func(o *Opts) { o.BaseURL = base }
}

// WithAPIKey sets the bearer token sent upstream.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// WithEnabled turns the client on or off.
func WithEnabled(enabled bool) Option {
	return func(o *Opts) { o.Enabled = enabled }
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client talks to the device service.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	enabled bool
	http    *http.Client

	group singleflight.Group

	mu  sync.Mutex
	log []FetchAttempt
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	cfg := Opts{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	base := strings.TrimRight(strings.Trim(strings.TrimSpace(cfg.BaseURL), `"`), "/")
	return &Client{
		baseURL: base,
		apiKey:  strings.Trim(strings.TrimSpace(cfg.APIKey), `"`),
		timeout: cfg.Timeout,
		enabled: cfg.Enabled,
		http:    cfg.HTTPClient,
	}
}

// Enabled reports whether the client will contact the device service.
func (c *Client) Enabled() bool {
	return c.enabled
}

// Fetch returns the raw device records. Concurrent callers share one
// upstream round. An unreachable or empty upstream yields an empty list and
// a nil error; only a disabled client returns an error.
func (c *Client) Fetch(ctx context.Context) ([]map[string]any, error) {
	if !c.enabled {
		return nil, ErrDisabled
	}
	v, err, shared := c.group.Do("devices", func() (any, error) {
		return c.fetch(ctx), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		slog.Debug("inventory.Client.Fetch: shared in-flight fetch")
	}
	return v.([]map[string]any), nil
}

// FetchLog returns the most recent attempts, oldest first.
func (c *Client) FetchLog() []FetchAttempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]FetchAttempt(nil), c.log...)
}

func (c *Client) fetch(ctx context.Context) []map[string]any {
	c.mu.Lock()
	c.log = nil
	c.mu.Unlock()

	if c.baseURL == "" {
		c.record(FetchAttempt{URL: "<no-base>", Note: "SD_API_BASE missing"})
		slog.Warn("inventory.Client: base URL not configured")
		return nil
	}

	for _, path := range candidatePaths {
		url := c.baseURL + path
		status, list, note := c.tryGet(ctx, url)
		c.record(FetchAttempt{URL: url, Status: status, Count: len(list), Note: note})
		if status == http.StatusOK && len(list) > 0 {
			slog.Debug("inventory.Client: fetched devices", "url", url, "count", len(list))
			return list
		}
		if ctx.Err() != nil {
			break
		}
	}
	slog.Warn("inventory.Client: no device list from any candidate URL", "base", c.baseURL)
	return nil
}

func (c *Client) tryGet(ctx context.Context, url string) (int, []map[string]any, string) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return -1, nil, fmt.Sprintf("build request: %v", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return -1, nil, fmt.Sprintf("request error: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Sprintf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		text := string(body)
		if len(text) > 200 {
			text = text[:200] + "..."
		}
		return resp.StatusCode, nil, text
	}

	var data any
	if err := json.Unmarshal(body, &data); err != nil {
		return resp.StatusCode, nil, "non-JSON response"
	}
	return resp.StatusCode, extractList(data), ""
}

func (c *Client) record(a FetchAttempt) {
	a.Time = time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, a)
	if len(c.log) > fetchLogSize {
		c.log = c.log[len(c.log)-fetchLogSize:]
	}
}

// extractList finds the device array in the shapes the device service is
// known to return: a bare array, or an array nested under a wrapper key.
func extractList(data any) []map[string]any {
	switch v := data.(type) {
	case []any:
		return objects(v)
	case map[string]any:
		for _, k := range []string{"devices", "items", "results"} {
			if list, ok := v[k].([]any); ok {
				return objects(list)
			}
		}
		for _, k := range []string{"data", "payload", "content"} {
			switch inner := v[k].(type) {
			case []any:
				return objects(inner)
			case map[string]any:
				if out := extractList(inner); len(out) > 0 {
					return out
				}
			}
		}
		for _, inner := range v {
			if m, ok := inner.(map[string]any); ok {
				if out := extractList(m); len(out) > 0 {
					return out
				}
			}
		}
	}
	return nil
}

func objects(list []any) []map[string]any {
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
