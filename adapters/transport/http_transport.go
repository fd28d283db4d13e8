package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/layer-3/tollgate/core"
	"github.com/layer-3/tollgate/ports"
	"golang.org/x/net/publicsuffix"
)

const (
	// DefaultTimeout bounds every round trip to the authority.
	DefaultTimeout = 15 * time.Second

	// MaxResponseSize caps how much of a response body is read.
	MaxResponseSize = 4 << 20
)

// HTTPTransport sends requests to the authority over HTTP.
//
// It keeps a cookie jar so cookies set by the authority (such as the
// remember-device cookie set on MFA verification) are replayed on later
// logins, which is how a trusted device skips the MFA step.
type HTTPTransport struct {
	baseURL *url.URL
	client  *http.Client
}

// Option configures an HTTPTransport.
type Option func(*HTTPTransport)

// WithHTTPClient bases the transport on a copy of client. The copy keeps the
// client's Jar, or the transport's own jar when client has none, so the
// remember-device cookie survives.
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTPTransport) {
		c := *client
		if c.Jar == nil {
			c.Jar = t.client.Jar
		}
		t.client = &c
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(t *HTTPTransport) {
		c := *t.client
		c.Timeout = timeout
		t.client = &c
	}
}

// NewHTTPTransport creates a transport rooted at baseURL.
func NewHTTPTransport(baseURL string, opts ...Option) (*HTTPTransport, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid authority url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid authority url %q: scheme must be http or https", baseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	t := &HTTPTransport{
		baseURL: u,
		client:  &http.Client{Timeout: DefaultTimeout, Jar: jar},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

var _ ports.Transport = (*HTTPTransport)(nil)

// Send performs the round trip. Transport failures, including timeouts and
// cancellation, wrap core.ErrNetwork.
func (t *HTTPTransport) Send(ctx context.Context, req *ports.Request) (*ports.Response, error) {
	target, err := t.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", core.ErrNetwork, req.Method, req.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %w", core.ErrNetwork, err)
	}

	return &ports.Response{
		Status: resp.StatusCode,
		Header: resp.Header,
		Body:   data,
	}, nil
}

func (t *HTTPTransport) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid request path %q: %w", path, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("invalid request path %q: must be relative to the authority", path)
	}
	u := *t.baseURL
	u.Path = t.baseURL.Path + "/" + strings.TrimLeft(ref.Path, "/")
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}
