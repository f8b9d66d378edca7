package gateway

import (
	"net/http"
	"strings"

	"corsgate/routes"
)

// RequestIDHeader carries the per-request correlation id
const RequestIDHeader = "X-Request-ID"

// OriginalURLHeader is set by the resilient client on proxied requests
const OriginalURLHeader = "X-Original-URL"

// CORSHeaders is the permissive header set injected on every proxied response
var CORSHeaders = map[string]string{
	"Access-Control-Allow-Origin":   "*",
	"Access-Control-Allow-Methods":  "GET, POST, PUT, DELETE, OPTIONS",
	"Access-Control-Allow-Headers":  "Content-Type, Authorization, Accept, X-Requested-With, X-Original-URL, X-Request-ID",
	"Access-Control-Expose-Headers": "X-Request-ID, Retry-After",
	"Access-Control-Max-Age":        "86400",
}

var hopByHop = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Proxy-Connection":    true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// browser-identifying headers upstream registries reject or misuse
var browserHeaders = map[string]bool{
	"Origin":          true,
	"Referer":         true,
	"Cookie":          true,
	"Host":            true,
	"Content-Length":  true,
	"Accept-Encoding": true,
	"X-Original-Url":  true,
	"X-Request-Id":    true,
	"X-Forwarded-For": true,
	"X-Real-Ip":       true,
}

// UpstreamHeader builds the outbound header set for route from the inbound headers
func UpstreamHeader(in map[string][]string, route routes.Route) http.Header {
	out := make(http.Header, len(in)+4)
	for k, vs := range in {
		for _, v := range vs {
			out.Add(k, v)
		}
	}

	for k := range out {
		if hopByHop[k] || browserHeaders[k] || strings.HasPrefix(k, "Sec-") {
			out.Del(k)
		}
	}
	for _, k := range route.StripHeaders {
		out.Del(k)
	}

	out.Set("Cache-Control", "no-cache")
	if out.Get("Accept") == "" {
		out.Set("Accept", "application/json")
	}
	for k, v := range route.RequestHeaders {
		out.Set(k, v)
	}
	return out
}

// RelayResponseHeader reports whether an upstream response header is copied to the caller.
// CORS and correlation headers are always replaced by the gateway's own.
func RelayResponseHeader(key string) bool {
	key = http.CanonicalHeaderKey(key)
	if hopByHop[key] || key == "Content-Length" || key == "Set-Cookie" || key == "X-Request-Id" {
		return false
	}
	return !strings.HasPrefix(key, "Access-Control-")
}
