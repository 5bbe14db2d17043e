// Package api is the request dispatcher: every call to the server goes
// through a Client, whose ordered request and response stages attach
// credentials and tenant scope and handle expired sessions.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Config configures the dispatcher.
type Config struct {
	// BaseURL is the API root, e.g. http://localhost:8000/api.
	BaseURL string

	// Timeout bounds each attempt. Ignored when HTTPClient is set.
	Timeout time.Duration

	// HTTPClient overrides the transport.
	HTTPClient *http.Client

	// UserAgent is sent on every request when set.
	UserAgent string

	// Logger for structured logging.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:   "http://localhost:8000/api",
		Timeout:   30 * time.Second,
		UserAgent: "tenantctl",
	}
}

// Client dispatches requests through its stage pipeline.
type Client struct {
	base      *url.URL
	http      *http.Client
	userAgent string
	logger    *slog.Logger

	mu             sync.RWMutex
	requestStages  []RequestStage
	responseStages []ResponseStage
}

// New creates a dispatcher with an empty pipeline.
func New(config Config) (*Client, error) {
	if strings.TrimSpace(config.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(config.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https, got %q", base.Scheme)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	hc := config.HTTPClient
	if hc == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{
		base:      base,
		http:      hc,
		userAgent: config.UserAgent,
		logger:    config.Logger,
	}, nil
}

// BaseURL returns the API root.
func (c *Client) BaseURL() string {
	return c.base.String()
}

// HTTPClient returns the transport used for every attempt.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// UseRequest appends request stages; they run in the order added.
func (c *Client) UseRequest(stages ...RequestStage) {
	c.mu.Lock()
	c.requestStages = append(c.requestStages, stages...)
	c.mu.Unlock()
}

// UseResponse appends response stages; they run in the order added.
func (c *Client) UseResponse(stages ...ResponseStage) {
	c.mu.Lock()
	c.responseStages = append(c.responseStages, stages...)
	c.mu.Unlock()
}

func (c *Client) pipeline() ([]RequestStage, []ResponseStage) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.requestStages, c.responseStages
}

// Send runs req through the pipeline and returns the final response. Any
// HTTP status is returned as a response; errors are reserved for transport
// failures and stage errors such as ErrSessionExpired.
func (c *Client) Send(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("request is nil")
	}
	req.Method = strings.ToUpper(req.Method)
	if !allowedMethods[req.Method] {
		return nil, fmt.Errorf("unsupported method %q", req.Method)
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	reqStages, respStages := c.pipeline()

	for {
		for _, stage := range reqStages {
			if err := stage(ctx, req); err != nil {
				return nil, err
			}
		}

		resp, err := c.transmit(ctx, req)
		if err != nil {
			return nil, err
		}

		retry := false
	stages:
		for _, stage := range respStages {
			decision, err := stage(ctx, req, resp)
			if err != nil {
				return nil, err
			}
			switch decision {
			case Retry:
				retry = true
				break stages
			case Stop:
				break stages
			}
		}

		if !retry {
			return resp, nil
		}
		if req.Retries >= MaxRetries {
			c.logger.Warn("retry budget spent, returning response",
				"method", req.Method,
				"path", req.Path,
				"status", resp.StatusCode,
				"request_id", req.ID)
			return resp, nil
		}
		req.Retries++
	}
}

// transmit performs one attempt.
func (c *Client) transmit(ctx context.Context, req *Request) (*Response, error) {
	target := c.base.String() + "/" + strings.TrimLeft(req.Path, "/")

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if c.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	start := time.Now()
	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.Debug("request failed",
			"method", req.Method,
			"path", req.Path,
			"attempt", req.Retries+1,
			"request_id", req.ID,
			"error", err)
		return nil, &TransportError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransportError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("read body: %w", err)}
	}

	c.logger.Debug("request completed",
		"method", req.Method,
		"path", req.Path,
		"status", httpResp.StatusCode,
		"attempt", req.Retries+1,
		"request_id", req.ID,
		"duration", time.Since(start))

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
	}, nil
}

// Do sends a JSON request and decodes a 2xx JSON response into out. Non-2xx
// responses are returned as *ValidationError or *StatusError.
func (c *Client) Do(ctx context.Context, method, path string, in, out any) error {
	resp, err := c.DoRaw(ctx, method, path, in)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return errorFromResponse(resp)
	}
	return resp.Decode(out)
}

// DoRaw sends a JSON request and returns the response whatever its status.
func (c *Client) DoRaw(ctx context.Context, method, path string, in any) (*Response, error) {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}
	req := NewRequest(method, path, body)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.Send(ctx, req)
}

// Error converts a non-2xx response into the error taxonomy; it returns nil
// for 2xx responses.
func Error(resp *Response) error {
	if resp == nil || resp.OK() {
		return nil
	}
	return errorFromResponse(resp)
}
