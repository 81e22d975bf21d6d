// Package upstream is the HTTP client for the Play Vision platform API.
//
// All agent components go through this one client: it owns the cookie jar,
// the CSRF token, failure classification (see errors.go) and the circuit
// breaker. Components decide policy (queue, drop, surface) from the error
// kind, never from raw status codes.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig holds configurable settings for the platform client.
type ClientConfig struct {
	SessionToken   string
	MaxRetries     int
	RetryBaseDelay time.Duration
	Timeout        time.Duration
}

type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Config     ClientConfig
	CSRF       *CSRFSource
	CB         *gobreaker.CircuitBreaker
	Log        *zap.Logger

	// securityLimiter throttles fire-and-forget security event posts so a
	// misbehaving caller cannot flood the endpoint.
	securityLimiter *rate.Limiter
}

// Option configures the Client.
type Option func(*Client)

func WithCircuitBreaker(cb *gobreaker.CircuitBreaker) Option {
	return func(c *Client) { c.CB = cb }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.Log = log }
}

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.HTTPClient = h }
}

func New(baseURL string, cfg ClientConfig, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		BaseURL:         base.String(),
		HTTPClient:      &http.Client{Timeout: cfg.Timeout, Jar: jar},
		Config:          cfg,
		CSRF:            NewCSRFSource(jar, base),
		Log:             zap.NewNop(),
		securityLimiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
	for _, o := range opts {
		o(c)
	}
	if c.HTTPClient.Jar == nil {
		c.HTTPClient.Jar = jar
	}
	return c, nil
}

// Ping probes upstream reachability. Used by the connectivity watcher;
// any HTTP response at all counts as online.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	_ = resp.Body.Close()
	return nil
}

// RefreshCSRF fetches the platform root page to pick up a fresh csrftoken
// cookie and any token embedded in the page body.
func (c *Client) RefreshCSRF(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	c.decorate(req, false)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	c.CSRF.CaptureFromHTML(body)
	return nil
}

func (c *Client) decorate(req *http.Request, mutating bool) {
	req.Header.Set("Accept", "application/json")
	if tok := strings.TrimSpace(c.Config.SessionToken); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if mutating {
		if csrf := c.CSRF.Token(); csrf != "" {
			req.Header.Set("X-CSRFToken", csrf)
		}
	}
}

// upstreamError is the error envelope some platform endpoints return.
type upstreamError struct {
	Error   string `json:"error"`
	Detail  string `json:"detail"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e upstreamError) text() string {
	for _, s := range []string{e.Message, e.Detail, e.Error} {
		if s != "" {
			return s
		}
	}
	return ""
}

func doWithBreaker[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	if c.CB == nil {
		return doJSON[T](ctx, c, method, path, body)
	}
	result, err := c.CB.Execute(func() (interface{}, error) {
		return doJSON[T](ctx, c, method, path, body)
	})
	if err != nil {
		// An open breaker is a connectivity condition, not a rejection.
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %v", ErrTransient, err)
		}
		return nil, err
	}
	return result.(*T), nil
}

func doJSON[T any](ctx context.Context, c *Client, method, path string, body any) (*T, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.decorate(req, method != http.MethodGet && method != http.MethodHead)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s %s", ErrRateLimited, method, path)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrTransient, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		var ue upstreamError
		_ = json.Unmarshal(b, &ue)
		msg := ue.text()
		if msg == "" {
			msg = strings.TrimSpace(string(b[:min(len(b), 200)]))
		}
		return nil, &RejectedError{Status: resp.StatusCode, Code: ue.Code, Message: msg}
	}

	var out T
	if len(b) == 0 {
		return &out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w body=%q", method, path, err, string(b[:min(len(b), 200)]))
	}
	return &out, nil
}
