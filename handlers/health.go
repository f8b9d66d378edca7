package handlers

import (
	"net/http"
	"net/url"
	"time"

	"corsgate/gateway"

	"github.com/gofiber/fiber/v2"
)

// probeTimeout bounds upstream health probes for routes without a timeout
const probeTimeout = 5 * time.Second

// Health handles GET /health
func Health(c *fiber.Ctx) error {
	hc := GetContext(c)
	setOutcome(c, "health")
	return c.JSON(fiber.Map{
		"status":        "ok",
		"uptimeSeconds": int64(time.Since(hc.StartedAt).Seconds()),
		"version":       hc.Version,
	})
}

// UpstreamHealthResponse is the result of an active upstream probe
type UpstreamHealthResponse struct {
	Status         string `json:"status"`
	ResponseTimeMs int64  `json:"responseTimeMs"`
	Error          string `json:"error,omitempty"`
}

// UpstreamHealth handles GET /health/:upstream by probing the named route's upstream
func UpstreamHealth(c *fiber.Ctx) error {
	hc := GetContext(c)
	name := c.Params("upstream")

	route, ok := hc.Routes.Lookup(name)
	if !ok || route.Generic {
		return respond(c, fiber.StatusNotFound, ErrorCodeNotFound, "unknown upstream "+name, 0)
	}

	probeURL, err := route.HealthURL()
	if err != nil {
		return InternalError(c, "route has no health endpoint")
	}
	target, err := url.Parse(probeURL)
	if err != nil {
		return InternalError(c, "route health endpoint is invalid")
	}

	timeout := route.Timeout
	if timeout <= 0 || timeout > probeTimeout {
		timeout = probeTimeout
	}

	start := time.Now()
	resp, err := hc.Forwarder.Forward(c.UserContext(), &gateway.ForwardedRequest{
		Method:    http.MethodGet,
		Target:    target,
		Header:    gateway.UpstreamHeader(nil, route),
		Timeout:   timeout,
		RequestID: RequestID(c),
	})
	elapsed := time.Since(start).Milliseconds()

	result := UpstreamHealthResponse{Status: "healthy", ResponseTimeMs: elapsed}
	switch {
	case err != nil:
		result.Status = "unhealthy"
		result.Error = "upstream is unreachable"
		if gateway.IsTimeout(err) {
			result.Error = "upstream timed out"
		}
	case resp.StatusCode >= 500:
		result.Status = "unhealthy"
		result.Error = http.StatusText(resp.StatusCode)
	}

	setOutcome(c, result.Status)
	if result.Status != "healthy" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(result)
	}
	return c.JSON(result)
}
