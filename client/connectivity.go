package client

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ConnectivityReport is the result of a best-effort reachability check
type ConnectivityReport struct {
	URL         string        `json:"url"`
	Reachable   bool          `json:"reachable"`
	StatusCode  int           `json:"statusCode,omitempty"`
	CORSHeaders bool          `json:"corsHeaders"`
	Latency     time.Duration `json:"latency"`
	Error       string        `json:"error,omitempty"`
}

// TestConnectivity makes a single direct attempt against target, without
// retries or proxy fallback. It never returns an error; failures are
// reported in the result.
func (c *Client) TestConnectivity(ctx context.Context, target string) ConnectivityReport {
	report := ConnectivityReport{URL: target}

	ctx, cancel := context.WithTimeout(ctx, c.defaults.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if c.defaults.Origin != "" {
		req.Header.Set("Origin", c.defaults.Origin)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	report.Latency = time.Since(start)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	report.Reachable = true
	report.StatusCode = resp.StatusCode
	report.CORSHeaders = resp.Header.Get("Access-Control-Allow-Origin") != ""
	return report
}
