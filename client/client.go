package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"corsgate/metrics"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = time.Second
	DefaultTimeout       = 30 * time.Second

	// OriginalURLHeader carries the direct target on proxied attempts
	OriginalURLHeader = "X-Original-URL"
)

// CORS modes
const (
	ModeCORS = "cors"
	// ModeSameOrigin requests must not leave their origin, so they are never
	// re-issued through the proxy
	ModeSameOrigin = "same-origin"
)

// Config configures a Client
type Config struct {
	HTTPClient *http.Client
	// ProxyURL is the gateway's generic route, e.g. https://gw.local/api/proxy
	ProxyURL        string
	FallbackEnabled bool
	RetryAttempts   int
	RetryDelay      time.Duration
	Timeout         time.Duration
	// Origin is sent on connectivity probes so CORS headers are returned
	Origin  string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Request describes one logical call
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// Zero values fall back to the client defaults
	Timeout       time.Duration
	CORSMode      string
	RetryAttempts int
	RetryDelay    time.Duration
	// ProxyURL overrides the client's proxy for this request
	ProxyURL string
}

// Response is a successful reply
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Proxied is true when the reply came through the gateway
	Proxied  bool
	Attempts int
}

// JSON decodes the response body into v
func (r *Response) JSON(v any) error {
	return sonic.Unmarshal(r.Body, v)
}

// Client issues requests with retry, backoff and proxy fallback.
// It is safe for concurrent use; each call keeps its own retry state.
type Client struct {
	httpClient *http.Client
	defaults   Config
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.RWMutex
	proxyURL string
	fallback bool

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a client from cfg, filling unset fields with defaults
func New(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Client{
		httpClient: cfg.HTTPClient,
		defaults:   cfg,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		proxyURL:   cfg.ProxyURL,
		fallback:   cfg.FallbackEnabled,
		sleep:      sleepContext,
	}
}

// SetProxyURL changes the fallback proxy; it applies from the next request
func (c *Client) SetProxyURL(proxyURL string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.proxyURL = proxyURL
}

// SetFallbackEnabled toggles proxy fallback; it applies from the next request
func (c *Client) SetFallbackEnabled(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = enabled
}

// ProxyURL returns the configured proxy
func (c *Client) ProxyURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.proxyURL
}

// FallbackEnabled reports whether proxy fallback is on
func (c *Client) FallbackEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

func (c *Client) Get(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodGet, target, nil, opts))
}

func (c *Client) Post(ctx context.Context, target string, body []byte, opts ...Option) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodPost, target, body, opts))
}

func (c *Client) Put(ctx context.Context, target string, body []byte, opts ...Option) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodPut, target, body, opts))
}

func (c *Client) Delete(ctx context.Context, target string, opts ...Option) (*Response, error) {
	return c.Do(ctx, buildRequest(http.MethodDelete, target, nil, opts))
}

// Do runs req through the retry policy:
//
//  1. attempt the current URL
//  2. a cross-origin failure is re-issued once through the proxy, immediately;
//     the proxied attempt counts against RetryAttempts
//  3. other retryable failures wait RetryDelay × n before attempt n+1
//  4. after RetryAttempts the last failure is returned as *RequestError
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	req = c.withDefaults(req)
	proxyURL, fallback := c.proxyConfig(req)

	target := req.URL
	proxied := false
	retries := 0
	issued := 0

	var last *attemptError
	for issued < req.RetryAttempts {
		issued++

		resp, ae := c.attempt(ctx, req, target, proxied)
		if ae == nil {
			resp.Attempts = issued
			return resp, nil
		}
		last = ae

		if ae.terminal {
			break
		}

		if ae.crossOrigin && fallback && proxyURL != "" && !proxied && !isProxyURL(target, proxyURL) &&
			issued < req.RetryAttempts {
			next, err := proxiedURL(proxyURL, req.URL)
			if err == nil {
				c.logger.Info("Cross-origin failure, retrying through proxy",
					zap.String("url", req.URL),
					zap.String("proxy", proxyURL),
					zap.Error(ae.err),
				)
				c.metrics.ClientFallback()
				target = next
				proxied = true
				continue
			}
			c.logger.Warn("Invalid proxy URL, fallback skipped", zap.String("proxy", proxyURL), zap.Error(err))
		}

		if issued >= req.RetryAttempts {
			break
		}
		retries++
		delay := req.RetryDelay * time.Duration(retries)
		c.logger.Debug("Retrying request",
			zap.String("method", req.Method),
			zap.String("url", target),
			zap.Int("attempt", issued),
			zap.Duration("delay", delay),
			zap.Error(ae.err),
		)
		if err := c.sleep(ctx, delay); err != nil {
			// keep what the last attempt observed
			last.terminal = true
			last.err = err
			break
		}
	}

	return nil, &RequestError{
		Method:      req.Method,
		URL:         req.URL,
		Attempts:    issued,
		CrossOrigin: last.crossOrigin,
		Timeout:     last.timeout,
		Proxied:     proxied,
		StatusCode:  last.statusCode,
		Header:      last.header,
		Body:        last.body,
		Err:         last.err,
	}
}

// attempt performs one HTTP exchange with its own timeout
func (c *Client) attempt(ctx context.Context, req Request, target string, proxied bool) (*Response, *attemptError) {
	path := "direct"
	if proxied {
		path = "proxy"
	}

	actx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(actx, req.Method, target, body)
	if err != nil {
		c.metrics.ClientAttempt(path, "invalid")
		return nil, &attemptError{terminal: true, err: fmt.Errorf("failed to create request: %w", err)}
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if proxied {
		httpReq.Header.Set(OriginalURLHeader, req.URL)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		ae := classifyTransport(ctx, err)
		c.metrics.ClientAttempt(path, resultLabel(ae))
		return nil, ae
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		ae := classifyTransport(ctx, err)
		// responses are never cross-origin
		ae.crossOrigin = false
		ae.statusCode = resp.StatusCode
		ae.header = resp.Header
		c.metrics.ClientAttempt(path, resultLabel(ae))
		return nil, ae
	}

	if resp.StatusCode >= 400 {
		ae := classifyStatus(resp, respBody)
		c.metrics.ClientAttempt(path, resultLabel(ae))
		return nil, ae
	}

	c.metrics.ClientAttempt(path, "ok")
	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Proxied:    proxied,
	}, nil
}

func (c *Client) withDefaults(req Request) Request {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.RetryAttempts < 1 {
		req.RetryAttempts = c.defaults.RetryAttempts
	}
	if req.RetryDelay <= 0 {
		req.RetryDelay = c.defaults.RetryDelay
	}
	if req.Timeout <= 0 {
		req.Timeout = c.defaults.Timeout
	}
	if req.CORSMode == "" {
		req.CORSMode = ModeCORS
	}
	return req
}

func (c *Client) proxyConfig(req Request) (string, bool) {
	c.mu.RLock()
	proxyURL, fallback := c.proxyURL, c.fallback
	c.mu.RUnlock()

	if req.ProxyURL != "" {
		proxyURL = req.ProxyURL
	}
	if req.CORSMode == ModeSameOrigin {
		fallback = false
	}
	return proxyURL, fallback
}

// proxiedURL rewrites target as <proxy>?url=<escaped target>
func proxiedURL(proxyURL, target string) (string, error) {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("proxy URL %q is not absolute", proxyURL)
	}
	q := u.Query()
	q.Set("url", target)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// isProxyURL reports whether target already addresses the proxy
func isProxyURL(target, proxyURL string) bool {
	strip := func(s string) string {
		if i := strings.IndexAny(s, "?#"); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSuffix(s, "/")
	}
	return strip(target) == strip(proxyURL)
}

func resultLabel(ae *attemptError) string {
	switch {
	case ae.crossOrigin:
		return "cross_origin"
	case ae.timeout:
		return "timeout"
	case ae.statusCode != 0:
		return "status"
	default:
		return "error"
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
