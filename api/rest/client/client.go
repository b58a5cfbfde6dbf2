// Package client talks to a master's HTTP API.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"

	"yqhp/taskmesh/api/rest"
	"yqhp/taskmesh/internal/master"
)

var (
	// ErrNotFound 表示任务不存在或已被取走。
	ErrNotFound = errors.New("task not found")
	// ErrNotCompleted 表示等待超时，任务尚未完成。
	ErrNotCompleted = errors.New("task not completed")
	// ErrUnavailable 表示 Master 暂时不能接收任务。
	ErrUnavailable = errors.New("master unavailable")
	// ErrTooLarge 表示任务数据超出单帧上限。
	ErrTooLarge = errors.New("payload too large")
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// BaseURL is the master API root, e.g. "http://localhost:8080".
	BaseURL string

	// RequestTimeout bounds requests that do not wait on a task.
	RequestTimeout time.Duration
}

// DefaultConfig returns a default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "http://localhost:8080",
		RequestTimeout: 10 * time.Second,
	}
}

// Client is a small fasthttp client for the master API.
type Client struct {
	config *Config
	http   *fasthttp.Client
}

// New creates a client.
func New(cfg *Config) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if !strings.Contains(cfg.BaseURL, "://") {
		cfg.BaseURL = "http://" + cfg.BaseURL
	}
	return &Client{
		config: cfg,
		http: &fasthttp.Client{
			MaxIdleConnDuration:    90 * time.Second,
			DisablePathNormalizing: true,
		},
	}
}

// Health returns the master's health report.
func (c *Client) Health(ctx context.Context) (*rest.HealthResponse, error) {
	var resp rest.HealthResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/health", nil, c.config.RequestTimeout, fasthttp.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Nodes lists the registered nodes.
func (c *Client) Nodes(ctx context.Context) ([]master.NodeSnapshot, error) {
	var resp rest.NodeListResponse
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/nodes", nil, c.config.RequestTimeout, fasthttp.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Nodes, nil
}

// Stats returns the master counters.
func (c *Client) Stats(ctx context.Context) (*master.Stats, error) {
	var resp master.Stats
	if err := c.do(ctx, fasthttp.MethodGet, "/api/v1/stats", nil, c.config.RequestTimeout, fasthttp.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Submit queues payload and returns the task id.
func (c *Client) Submit(ctx context.Context, payload []byte) (string, error) {
	var resp rest.SubmitResponse
	if err := c.do(ctx, fasthttp.MethodPost, "/api/v1/tasks", payload, c.config.RequestTimeout, fasthttp.StatusCreated, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Wait blocks on the master until the task completes or timeout elapses.
func (c *Client) Wait(ctx context.Context, taskID string, timeout time.Duration) (*rest.CompletionResponse, error) {
	path := fmt.Sprintf("/api/v1/tasks/%s?timeout=%s", taskID, timeout)
	var resp rest.CompletionResponse
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, timeout+c.config.RequestTimeout, fasthttp.StatusOK, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, timeout time.Duration, want int, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.BaseURL + path)
	req.Header.SetMethod(method)
	if body != nil {
		req.Header.SetContentType("application/octet-stream")
		req.SetBody(body)
	}

	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}
	if err := c.http.DoTimeout(req, resp, timeout); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	code := resp.StatusCode()
	if code != want {
		return statusError(code, resp.Body())
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func statusError(code int, body []byte) error {
	var e rest.ErrorResponse
	msg := string(body)
	if sonic.Unmarshal(body, &e) == nil && e.Message != "" {
		msg = e.Message
	}

	switch code {
	case fasthttp.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, msg)
	case fasthttp.StatusRequestTimeout:
		return fmt.Errorf("%w: %s", ErrNotCompleted, msg)
	case fasthttp.StatusServiceUnavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, msg)
	case fasthttp.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrTooLarge, msg)
	}
	return fmt.Errorf("unexpected status %d: %s", code, msg)
}
