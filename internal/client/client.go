// Package client is a Go client for the NexusGate control-plane API. Reads
// go through a query cache with tag-based invalidation; every mutation drops
// the reads it affects before returning.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nexusgate/nexusgate/internal/cache"
)

// DefaultStaleTime is how long a cached read is served before refetching.
const DefaultStaleTime = 5 * time.Minute

// Query tags. Per-record tags are built with idTag.
const (
	tagRoutes  = "routes"
	tagKeys    = "keys"
	tagLimits  = "limits"
	tagChecks  = "checks"
	tagLogs    = "logs"
	tagUsers   = "users"
	tagSession = "session"
)

func idTag(kind string, id int64) string {
	return kind + ":" + strconv.FormatInt(id, 10)
}

// Client talks to one control-plane server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	session    *Session
	loader     *cache.Loader
	userAgent  string
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	session    *Session
	cache      cache.Cache
	staleTime  time.Duration
	userAgent  string
}

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = hc }
}

// WithSession injects the session shared by every request.
func WithSession(s *Session) Option {
	return func(o *clientOptions) { o.session = s }
}

// WithCache replaces the in-process query cache, e.g. with a Redis-backed
// one shared between processes.
func WithCache(c cache.Cache) Option {
	return func(o *clientOptions) { o.cache = c }
}

// WithStaleTime sets how long cached reads are served.
func WithStaleTime(d time.Duration) Option {
	return func(o *clientOptions) { o.staleTime = d }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(o *clientOptions) { o.userAgent = ua }
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	o := clientOptions{
		staleTime: DefaultStaleTime,
		userAgent: "nexusgate-client",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if o.session == nil {
		o.session = NewSession()
	}
	if o.cache == nil {
		o.cache = cache.NewMemory(512)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: o.httpClient,
		session:    o.session,
		loader:     cache.NewLoader(o.cache, o.staleTime),
		userAgent:  o.userAgent,
	}
}

// Session returns the client's session.
func (c *Client) Session() *Session {
	return c.session
}

// BaseURL returns the server address the client targets.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// do sends one request. A 2xx response body is decoded into out when out is
// non-nil. A 401 clears the session before the error is returned.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.session.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Method: method, URL: u, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Method: method, URL: u, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.signedOut(ctx)
		}
		return decodeAPIError(resp, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// decodeAPIError builds an APIError from the envelope, falling back to the
// status line when the body is not an envelope.
func decodeAPIError(resp *http.Response, data []byte) *APIError {
	apiErr := &APIError{}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(data, apiErr)
	}
	apiErr.Status = resp.StatusCode
	if apiErr.Reason == "" {
		apiErr.Reason = http.StatusText(resp.StatusCode)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Path == "" {
		apiErr.Path = resp.Request.URL.Path
	}
	return apiErr
}

// signedOut drops the session and every cached read made under it.
func (c *Client) signedOut(ctx context.Context) {
	_ = c.session.Clear()
	_ = c.loader.Invalidate(ctx, tagSession)
}

// ---------------------------------------------------------------------------
// Query cache
// ---------------------------------------------------------------------------

// get performs a cached GET. Every entry also carries the session tag so
// signing out drops it.
func get[T any](ctx context.Context, c *Client, key string, tags []string, path string, query url.Values) (T, error) {
	tags = append(tags, tagSession)
	return cache.Fetch(ctx, c.loader, key, tags, func(ctx context.Context) (T, error) {
		var v T
		err := c.do(ctx, http.MethodGet, path, query, nil, &v)
		return v, err
	})
}

// invalidate drops reads affected by a successful mutation.
func (c *Client) invalidate(ctx context.Context, tags ...string) error {
	if err := c.loader.Invalidate(ctx, tags...); err != nil {
		return fmt.Errorf("invalidate cached queries: %w", err)
	}
	return nil
}

// mutate sends a write and then invalidates tags. Nothing is invalidated if
// the write fails.
func (c *Client) mutate(ctx context.Context, method, path string, body, out interface{}, tags ...string) error {
	if err := c.do(ctx, method, path, nil, body, out); err != nil {
		return err
	}
	return c.invalidate(ctx, tags...)
}

func idPath(prefix string, id int64) string {
	return prefix + "/" + strconv.FormatInt(id, 10)
}
