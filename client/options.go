package client

import (
	"net/http"
	"time"
)

// Option adjusts a single request built by Get, Post, Put or Delete
type Option func(*Request)

func WithHeader(key, value string) Option {
	return func(r *Request) {
		if r.Header == nil {
			r.Header = make(http.Header)
		}
		r.Header.Set(key, value)
	}
}

// WithJSON marks the body as JSON
func WithJSON() Option {
	return WithHeader("Content-Type", "application/json")
}

func WithTimeout(d time.Duration) Option {
	return func(r *Request) { r.Timeout = d }
}

// WithRetry sets the total attempt count and the linear backoff base
func WithRetry(attempts int, delay time.Duration) Option {
	return func(r *Request) {
		r.RetryAttempts = attempts
		r.RetryDelay = delay
	}
}

func WithCORSMode(mode string) Option {
	return func(r *Request) { r.CORSMode = mode }
}

func WithProxyURL(proxyURL string) Option {
	return func(r *Request) { r.ProxyURL = proxyURL }
}

func buildRequest(method, target string, body []byte, opts []Option) Request {
	r := Request{Method: method, URL: target, Body: body}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}
