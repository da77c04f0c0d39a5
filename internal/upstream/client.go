package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/habgate/habgate/internal/config"
	"github.com/habgate/habgate/internal/metrics"
	"github.com/habgate/habgate/internal/transport"
)

// StatusError is returned for non-2xx upstream responses that callers
// may want to propagate verbatim.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Code)
}

// Response is one buffered upstream response, body already decoded per
// its Content-Encoding.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Options tweak a single request.
type Options struct {
	// Timeout overrides the configured default (e.g. long-polling).
	Timeout time.Duration
	// Header entries are added to the outgoing request.
	Header http.Header
}

// Client talks to the HA backend. All requests read the live config
// snapshot at call time so base URL, credentials and proxy changes take
// effect without restart.
type Client struct {
	cfg        *config.Manager
	transports *transport.Manager
	status     *StatusTracker
}

func NewClient(cfg *config.Manager, tm *transport.Manager, status *StatusTracker) *Client {
	return &Client{cfg: cfg, transports: tm, status: status}
}

// Status exposes the backend status tracker.
func (c *Client) Status() *StatusTracker { return c.status }

// Get performs a buffered GET against the backend.
func (c *Client) Get(ctx context.Context, path string, opt *Options) (*Response, error) {
	return c.do(ctx, http.MethodGet, path, "", nil, opt)
}

// GetJSON performs a buffered GET and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, path string, v any) error {
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return &StatusError{Code: resp.Status}
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return fmt.Errorf("decode upstream json: %w", err)
	}
	return nil
}

// SendCommand forwards a client-originated command verbatim as
// text/plain to /rest/items/<name>.
func (c *Client) SendCommand(ctx context.Context, item, command string) (*Response, error) {
	return c.do(ctx, http.MethodPost, "/rest/items/"+url.PathEscape(item), "text/plain", strings.NewReader(command), nil)
}

// Forward performs an arbitrary passthrough request. The body and
// content type come from the original client request.
func (c *Client) Forward(ctx context.Context, method, pathAndQuery, contentType string, body io.Reader) (*Response, error) {
	return c.do(ctx, method, pathAndQuery, contentType, body, nil)
}

// Stream pipes the upstream response body to w, propagating only the
// Content-Type header. Used for binary fetches where buffering would
// hurt.
func (c *Client) Stream(ctx context.Context, path string, w http.ResponseWriter) error {
	resp, err := c.open(ctx, http.MethodGet, path, "", nil, nil)
	if err != nil {
		c.status.Failure(err)
		return err
	}
	defer resp.Body.Close()
	c.recordOutcome(resp.StatusCode)

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, err = io.Copy(w, resp.Body)
	return err
}

// Open starts a request and returns the raw response for callers that
// consume the body incrementally (SSE, long-polling). The context is
// the only timeout: pass a cancellable ctx and cancel to tear down.
func (c *Client) Open(ctx context.Context, path string, opt *Options) (*http.Response, error) {
	var hdr http.Header
	if opt != nil {
		hdr = opt.Header
	}
	resp, err := c.open(ctx, http.MethodGet, path, "", nil, hdr)
	if err != nil {
		c.status.Failure(err)
		return nil, err
	}
	c.recordOutcome(resp.StatusCode)
	return resp, nil
}

// recordOutcome maps a completed round trip onto the backend status: a
// 5xx answer counts as an outage the same as an unreachable upstream.
func (c *Client) recordOutcome(code int) {
	if code >= 500 {
		c.status.Failure(&StatusError{Code: code})
		return
	}
	c.status.Success()
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, opt *Options) (*Response, error) {
	cfg := c.cfg.Current()

	timeout := cfg.UpstreamTimeout()
	if opt != nil && opt.Timeout > 0 {
		timeout = opt.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var hdr http.Header
	if opt != nil {
		hdr = opt.Header
	}

	start := time.Now()
	resp, err := c.open(ctx, method, path, contentType, body, hdr)
	metrics.UpstreamRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("error").Inc()
		c.status.Failure(err)
		return nil, err
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(fmt.Sprintf("%d", resp.StatusCode)).Inc()
	c.recordOutcome(resp.StatusCode)

	decoded, err := decodeBody(resp)
	if err != nil {
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}

	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: decoded}, nil
}

// open builds and executes a request, following redirects up to the
// configured depth.
func (c *Client) open(ctx context.Context, method, path, contentType string, body io.Reader, extra http.Header) (*http.Response, error) {
	cfg := c.cfg.Current()

	target := strings.TrimSuffix(cfg.Upstream.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	c.injectAuth(req, &cfg.Upstream)
	// We decode ourselves, so ask for everything the client supports.
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, vs := range extra {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	maxRedirects := cfg.Upstream.MaxRedirects
	client := &http.Client{
		Transport: c.transports.RoundTripper(cfg.Upstream),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	return resp, nil
}

func (c *Client) injectAuth(req *http.Request, ucfg *config.UpstreamConfig) {
	switch {
	case ucfg.Token != "":
		req.Header.Set("Authorization", "Bearer "+ucfg.Token)
	case ucfg.User != "":
		cred := base64.StdEncoding.EncodeToString([]byte(ucfg.User + ":" + ucfg.Password))
		req.Header.Set("Authorization", "Basic "+cred)
	}
}
