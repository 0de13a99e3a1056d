// Package rest is the client for the app's REST collaborators: stream keys,
// messaging connection config, channel authorisation, message sends and the
// call signaling fallback.
package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
)

// Response is the envelope every API reply is wrapped in.
type Response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Error is a non-zero response code or an HTTP failure without an envelope.
type Error struct {
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
	Status int    `json:"-"`
}

func (e *Error) Error() string {
	if e.Status != 0 && e.Code == 0 {
		return fmt.Sprintf("http status %d: %s", e.Status, e.Msg)
	}
	return fmt.Sprintf("code: %d, msg: %s", e.Code, e.Msg)
}

// Client talks to the REST API.
type Client struct {
	baseURL    string
	httpClient *client.Client
	token      string
}

// Option configures the client.
type Option func(*Client)

// WithHertzClient sets a custom Hertz client.
func WithHertzClient(httpClient *client.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithToken sets the bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...Option) (*Client, error) {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		httpClient, err := client.NewClient(
			client.WithDialTimeout(10*time.Second),
			client.WithClientReadTimeout(30*time.Second),
			client.WithWriteTimeout(30*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("create http client: %w", err)
		}
		c.httpClient = httpClient
	}
	return c, nil
}

// BaseURL returns the API root the client was built with.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) get(ctx context.Context, path string, params url.Values, result any) error {
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	return c.do(ctx, consts.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.do(ctx, consts.MethodPost, path, body, result)
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	req := &protocol.Request{}
	resp := &protocol.Response{}

	req.SetMethod(method)
	req.SetRequestURI(c.baseURL + path)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.SetBody(b)
	}

	if err := c.httpClient.Do(ctx, req, resp); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}

	var apiResp Response
	if err := json.Unmarshal(resp.Body(), &apiResp); err != nil {
		if resp.StatusCode() >= 400 {
			return &Error{Status: resp.StatusCode(), Msg: strings.TrimSpace(string(resp.Body()))}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if apiResp.Code != 0 {
		return &Error{Code: apiResp.Code, Msg: apiResp.Msg, Status: resp.StatusCode()}
	}
	if resp.StatusCode() >= 400 {
		return &Error{Status: resp.StatusCode(), Msg: apiResp.Msg}
	}

	if result != nil && len(apiResp.Data) > 0 && string(apiResp.Data) != "null" {
		if err := json.Unmarshal(apiResp.Data, result); err != nil {
			return fmt.Errorf("decode response data: %w", err)
		}
	}
	return nil
}
