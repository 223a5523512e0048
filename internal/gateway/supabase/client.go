// Package supabase implements the gateway capabilities on a hosted Supabase
// project: PostgREST tables, storage buckets, auth and the realtime websocket.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/pkg/logger"
)

const (
	defaultHTTPTimeout = 15 * time.Second
	defaultHeartbeat   = 25 * time.Second
	maxErrorBody       = 64 << 10
)

// Config holds the project endpoint and credentials.
type Config struct {
	URL         string
	AnonKey     string
	AccessToken string
	HTTPClient  *http.Client
	// Heartbeat is the realtime keepalive interval.
	Heartbeat time.Duration
	Logger    *logger.Logger
}

// Client talks to one Supabase project. It implements gateway.Gateway and
// gateway.Pinger.
type Client struct {
	base      *url.URL
	anonKey   string
	http      *http.Client
	heartbeat time.Duration
	logger    *logger.Logger

	mu    sync.RWMutex
	token string
}

var _ gateway.Gateway = (*Client)(nil)
var _ gateway.Pinger = (*Client)(nil)

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.AnonKey == "" {
		return nil, errors.New("supabase: url and anon key are required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.URL, "/"))
	if err != nil {
		return nil, fmt.Errorf("supabase: invalid url: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	return &Client{
		base:      base,
		anonKey:   cfg.AnonKey,
		http:      cfg.HTTPClient,
		heartbeat: cfg.Heartbeat,
		logger:    cfg.Logger.Named("supabase"),
		token:     cfg.AccessToken,
	}, nil
}

// SetAccessToken replaces the user session token, e.g. after a refresh.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) accessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) bearer() string {
	if t := c.accessToken(); t != "" {
		return t
	}
	return c.anonKey
}

// APIError is a non-2xx response from the project.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: %d: %s", e.Status, e.Message)
}

// Unwrap maps the status to a gateway sentinel.
func (e *APIError) Unwrap() error {
	switch {
	case e.Code == "42501":
		return gateway.ErrPermission
	case e.Status == http.StatusUnauthorized:
		return gateway.ErrUnauthenticated
	case e.Status == http.StatusForbidden:
		return gateway.ErrPermission
	case e.Status == http.StatusNotFound || e.Status == http.StatusNotAcceptable:
		return gateway.ErrNotFound
	case e.Status >= 500:
		return gateway.ErrUnavailable
	}
	return nil
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    io.Reader
	headers http.Header
}

// do sends req and returns the response body of a 2xx response.
func (c *Client) do(ctx context.Context, req request) ([]byte, error) {
	// req.path is already escaped.
	u, err := url.Parse(c.base.String() + req.path)
	if err != nil {
		return nil, err
	}
	if req.query != nil {
		u.RawQuery = req.query.Encode()
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), req.body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("apikey", c.anonKey)
	httpReq.Header.Set("Authorization", "Bearer "+c.bearer())
	for k, vs := range req.headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Error   string `json:"error"`
			Msg     string `json:"msg"`
		}
		if json.Unmarshal(body, &parsed) == nil {
			apiErr.Code = parsed.Code
			for _, m := range []string{parsed.Message, parsed.Error, parsed.Msg} {
				if m != "" {
					apiErr.Message = m
					break
				}
			}
		}
		c.logger.Debug("request failed",
			zap.String("method", req.method), zap.String("path", req.path), zap.Int("status", resp.StatusCode))
		return nil, apiErr
	}
	return io.ReadAll(resp.Body)
}

func jsonBody(v any) (io.Reader, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(b), nil
}
