package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// ForwardedRequest is an inbound request rewritten for its upstream
type ForwardedRequest struct {
	Method    string
	Target    *url.URL
	Header    http.Header
	Body      []byte
	Timeout   time.Duration
	RequestID string
}

// ForwardedResponse is the upstream reply relayed to the caller
type ForwardedResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Latency    time.Duration
}

// UpstreamError reports that no usable response came back from upstream
type UpstreamError struct {
	Host    string
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream %s timed out: %v", e.Host, e.Err)
	}
	if errors.Is(e.Err, ErrBodyTooLarge) {
		return fmt.Sprintf("upstream %s: %v", e.Host, e.Err)
	}
	return fmt.Sprintf("upstream %s unreachable: %v", e.Host, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is an upstream timeout
func IsTimeout(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue) && ue.Timeout
}
