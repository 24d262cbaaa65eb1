package datagouv

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

	"go.uber.org/zap"
)

// APIKeyHeader carries the static platform API key.
const APIKeyHeader = "x-api-key"

// Client is an authenticated façade over the platform's v1 and v2 APIs.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

type Option func(*Client)

func WithAPIKey(key string) Option {
	return func(c *Client) { c.APIKey = key }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HTTPClient = hc }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.Logger = l }
}

// New creates a client for baseURL. Without WithAPIKey the client is
// anonymous and suitable for reads only.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{BaseURL: strings.TrimRight(baseURL, "/")}
	for _, opt := range opts {
		opt(c)
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	c.Logger.Debug("api ready", zap.String("base_url", c.BaseURL), zap.Bool("authenticated", c.Authenticated()))
	return c
}

// Authenticated reports whether write calls will carry an API key.
func (c *Client) Authenticated() bool {
	return c.APIKey != ""
}

// HTTPError wraps non-2xx responses.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("api error: %s %s: status=%d body=%s", e.Method, e.URL, e.StatusCode, e.Body)
}

// IsNotFound reports whether err is an HTTPError with status 404.
func IsNotFound(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == http.StatusNotFound
}

// URL resolves an endpoint against the base URL. Absolute URLs, such as
// next_page cursors, are returned as is.
func (c *Client) URL(endpoint string) string {
	if strings.Contains(endpoint, "://") {
		return endpoint
	}
	return c.BaseURL + "/" + strings.TrimLeft(endpoint, "/")
}

// Get issues a GET and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, params, nil, out)
}

// Put fully replaces the resource at endpoint and decodes the server's
// representation into out.
func (c *Client) Put(ctx context.Context, endpoint string, body, out any) error {
	return c.do(ctx, http.MethodPut, endpoint, nil, body, out)
}

// Post creates a resource at endpoint and decodes the response into out.
func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	return c.do(ctx, http.MethodPost, endpoint, nil, body, out)
}

// Exists probes endpoint: 2xx is true, 404 is false, anything else is an error.
func (c *Client) Exists(ctx context.Context, endpoint string) (bool, error) {
	err := c.do(ctx, http.MethodGet, endpoint, nil, nil, nil)
	if err == nil {
		return true, nil
	}
	if IsNotFound(err) {
		return false, nil
	}
	return false, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, params url.Values, body any, out any) error {
	target := c.URL(endpoint)
	if len(params) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode %s body: %w", method, err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set(APIKeyHeader, c.APIKey)
	}
	c.Logger.Debug("api request", zap.String("method", method), zap.String("url", target))
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &HTTPError{Method: method, URL: target, StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, target, err)
	}
	return nil
}
