// Package transport issues JSON requests against the Ufanet REST backend and
// classifies every failure into an ErrorKind.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/trymwestin/ufanet/internal/metrics"
)

// AuthScheme prefixes the access credential in the Authorization header.
const AuthScheme = "JWT"

const (
	maxBodyBytes = 4 << 20
	maxErrorBody = 512
)

// Doer sends a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Request describes one backend call.
type Request struct {
	// Name labels the call in logs and metrics; defaults to Endpoint.
	Name     string
	Method   string
	Endpoint string
	Query    url.Values
	// Body is JSON-encoded when non-nil.
	Body any
	// Token is the access credential; empty sends no Authorization header.
	Token string
}

// Client sends Requests relative to a base URL with a per-request timeout.
type Client struct {
	base    *url.URL
	http    Doer
	timeout time.Duration
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewClient creates a transport client. A nil doer uses a tuned http.Client.
func NewClient(baseURL string, timeout time.Duration, doer Doer, m *metrics.Metrics, log *slog.Logger) (*Client, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("transport: parse base url %q: %w", baseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("transport: base url %q must be absolute", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	if doer == nil {
		doer = newHTTPClient()
	}
	return &Client{base: base, http: doer, timeout: timeout, metrics: m, log: log}, nil
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}

// Do performs req and decodes a 2xx JSON body into out (skipped when out is nil).
// Every returned error is an *APIError.
func (c *Client) Do(ctx context.Context, req Request, out any) error {
	name := req.Name
	if name == "" {
		name = req.Endpoint
	}
	start := time.Now()
	err := c.do(ctx, name, req, out)

	outcome := "ok"
	if k, ok := KindOf(err); ok {
		outcome = string(k)
	}
	c.metrics.RecordRequest(name, outcome, time.Since(start))
	if err != nil {
		c.log.Debug("backend request failed", "endpoint", name, "error", err)
	}
	return err
}

func (c *Client) do(ctx context.Context, name string, req Request, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u, err := c.resolve(req.Endpoint, req.Query)
	if err != nil {
		return &APIError{Kind: KindUnexpected, Endpoint: name, Err: err}
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return &APIError{Kind: KindUnexpected, Endpoint: name, Err: fmt.Errorf("marshal body: %w", err)}
		}
		body = bytes.NewReader(data)
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return &APIError{Kind: KindUnexpected, Endpoint: name, Err: err}
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if req.Token != "" {
		httpReq.Header.Set("Authorization", AuthScheme+" "+req.Token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classify(name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return classify(name, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &APIError{Kind: KindUnauthorized, Endpoint: name, Status: resp.StatusCode, Body: truncate(data)}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return &APIError{Kind: KindUnexpected, Endpoint: name, Status: resp.StatusCode, Body: truncate(data)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &APIError{Kind: KindMalformedResponse, Endpoint: name, Status: resp.StatusCode, Err: err}
	}
	return nil
}

func (c *Client) resolve(endpoint string, query url.Values) (*url.URL, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	u := c.base.ResolveReference(ref)
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func truncate(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
