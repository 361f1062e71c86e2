package rest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// maxResponseSize bounds every response body read.
const maxResponseSize int64 = 32 << 20

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla"

// Client performs form requests against the chat site. All requests share
// one cookie jar, so the login walk and every later request see the same
// session cookies.
type Client struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "https://chat.stackoverflow.com".
// Relative request paths are resolved against it; absolute URLs are used as-is.
func NewClient(baseURL string) (*Client, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("rest: create cookie jar: %w", err)
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: DefaultUserAgent,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Jar:     jar,
		},
	}, nil
}

// SetTimeout sets the per-request timeout. Zero disables it.
func (c *Client) SetTimeout(d time.Duration) {
	c.httpClient.Timeout = d
}

// SetUserAgent overrides the User-Agent header.
func (c *Client) SetUserAgent(ua string) {
	if ua != "" {
		c.userAgent = ua
	}
}

// BaseURL returns the chat host root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Get fetches path with fields encoded as query parameters. Non-2xx
// responses are returned as *StatusError.
func (c *Client) Get(ctx context.Context, path string, fields ...Field) (*Response, error) {
	target := c.resolve(path)
	if len(fields) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + EncodeForm(fields)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("rest: create request: %w", err)
	}
	return c.do(req, false)
}

// PostForm posts fields form-encoded, in the given order. With
// ignoreErrors set, non-2xx responses are returned as a Response instead
// of a *StatusError so the caller can inspect the body.
func (c *Client) PostForm(ctx context.Context, path string, fields []Field, ignoreErrors bool) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), strings.NewReader(EncodeForm(fields)))
	if err != nil {
		return nil, fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, ignoreErrors)
}

// PostFile posts a multipart form holding fields followed by one file part.
func (c *Client) PostFile(ctx context.Context, path, fileField, fileName string, file io.Reader, fields ...Field) (*Response, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := mw.WriteField(f.Name, f.Value); err != nil {
			return nil, fmt.Errorf("rest: write field %q: %w", f.Name, err)
		}
	}
	part, err := mw.CreateFormFile(fileField, fileName)
	if err != nil {
		return nil, fmt.Errorf("rest: create file part: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return nil, fmt.Errorf("rest: copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("rest: close multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path), &buf)
	if err != nil {
		return nil, fmt.Errorf("rest: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return c.do(req, false)
}

func (c *Client) resolve(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) do(req *http.Request, ignoreErrors bool) (*Response, error) {
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rest: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("rest: read response: %w", err)
	}

	out := &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: body}
	if !ignoreErrors && (resp.StatusCode < 200 || resp.StatusCode >= 300) {
		return nil, &StatusError{Method: req.Method, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: string(body)}
	}
	return out, nil
}
