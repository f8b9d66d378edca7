package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout applies when a route does not set its own
const DefaultTimeout = 30 * time.Second

// DefaultBodyLimit caps how much of an upstream body is relayed
const DefaultBodyLimit = 32 << 20

// ErrBodyTooLarge is wrapped in *UpstreamError when an upstream body exceeds the limit
var ErrBodyTooLarge = errors.New("upstream response body too large")

// Forwarder sends rewritten requests to upstreams
type Forwarder struct {
	httpClient *http.Client
	logger     *zap.Logger
	bodyLimit  int64
}

// NewForwarder creates a forwarder with a pooled transport.
// Redirects are relayed to the caller, not followed.
func NewForwarder(logger *zap.Logger) *Forwarder {
	return &Forwarder{
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:    logger,
		bodyLimit: DefaultBodyLimit,
	}
}

// SetBodyLimit changes the largest upstream body that is relayed
func (f *Forwarder) SetBodyLimit(n int64) {
	f.bodyLimit = n
}

// Forward sends req upstream. Any failure to obtain a complete response is
// returned as *UpstreamError.
func (f *Forwarder) Forward(ctx context.Context, req *ForwardedRequest) (*ForwardedResponse, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.Target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create upstream request: %w", err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = make(http.Header)
	}

	f.logger.Debug("Forwarding request",
		zap.String("method", req.Method),
		zap.String("target", req.Target.Redacted()),
		zap.String("request_id", req.RequestID),
	)

	start := time.Now()
	resp, err := f.httpClient.Do(httpReq)
	if err != nil {
		return nil, f.upstreamError(req, err)
	}
	defer resp.Body.Close()

	// read one byte past the limit so an oversized body is detected, never cut
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, f.bodyLimit+1))
	if err != nil {
		return nil, f.upstreamError(req, err)
	}
	if int64(len(respBody)) > f.bodyLimit {
		return nil, f.upstreamError(req, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, f.bodyLimit))
	}
	latency := time.Since(start)

	f.logger.Debug("Upstream responded",
		zap.String("host", req.Target.Host),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", latency),
	)

	return &ForwardedResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       respBody,
		Latency:    latency,
	}, nil
}

func (f *Forwarder) upstreamError(req *ForwardedRequest, err error) error {
	ue := &UpstreamError{
		Host:    req.Target.Host,
		Timeout: isTimeout(err),
		Err:     err,
	}
	f.logger.Warn("Upstream request failed",
		zap.String("host", ue.Host),
		zap.Bool("timeout", ue.Timeout),
		zap.String("request_id", req.RequestID),
		zap.Error(err),
	)
	return ue
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
