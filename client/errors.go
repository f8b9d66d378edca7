package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"syscall"
)

var (
	// ErrCrossOrigin matches failures classified as trust-boundary rejections
	ErrCrossOrigin = errors.New("cross-origin request failed")
	// ErrTimeout matches attempts that ran out of time
	ErrTimeout = errors.New("request timed out")
	// ErrStatus matches attempts that received a non-success HTTP status
	ErrStatus = errors.New("unexpected HTTP status")
)

// RequestError is returned once the retry policy is exhausted. It describes
// the last attempt.
type RequestError struct {
	Method      string
	URL         string
	Attempts    int
	CrossOrigin bool
	Timeout     bool
	// Proxied is true when the last attempt went through the gateway
	Proxied    bool
	StatusCode int
	Header     http.Header
	Body       []byte
	Err        error
}

func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: status %d after %d attempt(s)", e.Method, e.URL, e.StatusCode, e.Attempts)
	case e.CrossOrigin:
		return fmt.Sprintf("%s %s: cross-origin failure after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
	case e.Timeout:
		return fmt.Sprintf("%s %s: timed out after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
	default:
		return fmt.Sprintf("%s %s: failed after %d attempt(s): %v", e.Method, e.URL, e.Attempts, e.Err)
	}
}

func (e *RequestError) Unwrap() error { return e.Err }

func (e *RequestError) Is(target error) bool {
	switch target {
	case ErrCrossOrigin:
		return e.CrossOrigin
	case ErrTimeout:
		return e.Timeout
	case ErrStatus:
		return e.StatusCode != 0
	}
	return false
}

// attemptError is the classification of one failed attempt
type attemptError struct {
	crossOrigin bool
	timeout     bool
	// terminal failures are not retried: caller cancellation and client errors
	terminal   bool
	statusCode int
	header     http.Header
	body       []byte
	err        error
}

// classifyTransport classifies an attempt that produced no HTTP response.
// A missing response combined with a connection-level signal is treated as
// cross-origin; timeouts are retry-only.
func classifyTransport(parent context.Context, err error) *attemptError {
	ae := &attemptError{err: err}

	if parent.Err() != nil {
		ae.terminal = true
		return ae
	}
	if isTimeout(err) {
		ae.timeout = true
		return ae
	}
	ae.crossOrigin = isConnectionLevel(err)
	return ae
}

// classifyStatus classifies an attempt that received a response. Responses are
// never cross-origin; 4xx other than 408 and 429 are not worth retrying.
func classifyStatus(resp *http.Response, body []byte) *attemptError {
	code := resp.StatusCode
	return &attemptError{
		statusCode: code,
		header:     resp.Header,
		body:       body,
		err:        fmt.Errorf("%w: %d %s", ErrStatus, code, http.StatusText(code)),
		terminal: code >= 400 && code < 500 &&
			code != http.StatusRequestTimeout && code != http.StatusTooManyRequests,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnectionLevel(err error) bool {
	var (
		opErr       *net.OpError
		dnsErr      *net.DNSError
		recordErr   tls.RecordHeaderError
		verifyErr   *tls.CertificateVerificationError
		authErr     x509.UnknownAuthorityError
		hostnameErr x509.HostnameError
		invalidErr  x509.CertificateInvalidError
	)
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr):
		return true
	case errors.As(err, &recordErr), errors.As(err, &verifyErr):
		return true
	case errors.As(err, &authErr), errors.As(err, &hostnameErr), errors.As(err, &invalidErr):
		return true
	case errors.Is(err, syscall.ECONNREFUSED), errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE), errors.Is(err, syscall.ENETUNREACH), errors.Is(err, syscall.EHOSTUNREACH):
		return true
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		// connection closed before a response was read
		return true
	}
	return false
}
