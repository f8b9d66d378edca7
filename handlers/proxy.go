package handlers

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"corsgate/gateway"
	"corsgate/routes"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"go.uber.org/zap"
)

// retryHint is the retryAfter advertised when an upstream cannot be reached
const retryHint = 5 * time.Second

// Proxy dispatches requests under a configured route prefix; everything
// else falls through to the next handler.
func Proxy(c *fiber.Ctx) error {
	hc := GetContext(c)
	route, ok := hc.Routes.Match(c.Path())
	if !ok {
		return c.Next()
	}

	c.Locals(routeKey, route.Name)
	setCORS(c)

	switch c.Method() {
	case fiber.MethodOptions:
		return Preflight(c)
	case fiber.MethodGet, fiber.MethodPost, fiber.MethodPut, fiber.MethodDelete:
	default:
		return MethodNotAllowed(c, fmt.Sprintf("method %s is not proxied", c.Method()))
	}

	if route.Generic {
		return GenericRoute(c, route)
	}
	return NamedRoute(c, route)
}

// Preflight answers OPTIONS directly with the CORS header set
func Preflight(c *fiber.Ctx) error {
	setCORS(c)
	setOutcome(c, "preflight")
	c.Status(fiber.StatusOK)
	return nil
}

// NamedRoute handles requests for a fixed upstream such as the facility registry
func NamedRoute(c *fiber.Ctx, route routes.Route) error {
	hc := GetContext(c)

	rawQuery := string(c.Request().URI().QueryString())
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return BadRequest(c, ErrorCodeInvalidParameter, "query string is malformed")
	}
	if name, missing := route.MissingParam(query); missing {
		return BadRequest(c, ErrorCodeMissingParameter, fmt.Sprintf("%s parameter is required", name))
	}
	rawQuery = route.ApplyDefaults(rawQuery, query)

	if handled, err := rateLimit(c, hc, route); handled {
		return err
	}

	target, err := route.Target(c.Path(), rawQuery)
	if err != nil {
		hc.Logger.Error("Route target invalid", zap.String("route", route.Name), zap.Error(err))
		return InternalError(c, "route is misconfigured")
	}
	return forward(c, hc, route, target)
}

// GenericRoute handles requests whose target is given by the url query parameter
func GenericRoute(c *fiber.Ctx, route routes.Route) error {
	hc := GetContext(c)

	// Make a copy of the string to avoid Fiber buffer reuse issues
	raw := utils.CopyString(c.Query("url"))
	if raw == "" {
		return BadRequest(c, ErrorCodeMissingTargetURL, "url parameter is required")
	}

	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return BadRequest(c, ErrorCodeInvalidURL, "url parameter must be an absolute http(s) URL")
	}

	if hc.Restricted && !route.AllowsHost(target.Hostname()) {
		hc.Logger.Warn("Blocked target outside allow-list",
			zap.String("host", target.Hostname()),
			zap.String("ip", c.IP()),
		)
		return Forbidden(c, ErrorCodeDomainNotAllowed, fmt.Sprintf("domain %s is not allowed", target.Hostname()))
	}

	if handled, err := rateLimit(c, hc, route); handled {
		return err
	}

	target.Fragment = ""
	return forward(c, hc, route, target)
}

// rateLimit applies the route's per-IP budget. handled is true when a
// response has already been written.
func rateLimit(c *fiber.Ctx, hc *HandlerContext, route routes.Route) (bool, error) {
	if hc.Limiter == nil || route.RateLimit.MaxRequests <= 0 {
		return false, nil
	}

	d, err := hc.Limiter.Allow(c.UserContext(), route.Name+":"+c.IP(), route.RateLimit.Window, route.RateLimit.MaxRequests)
	if err != nil {
		// fail open
		hc.Logger.Warn("Rate limiter unavailable", zap.String("route", route.Name), zap.Error(err))
		return false, nil
	}
	if d.Allowed {
		return false, nil
	}

	hc.Metrics.RateLimited(route.Name)
	return true, TooManyRequests(c, "too many requests, retry later", d.RetryAfter)
}

// forward relays the request to target and copies the upstream reply back
func forward(c *fiber.Ctx, hc *HandlerContext, route routes.Route, target *url.URL) error {
	req := &gateway.ForwardedRequest{
		Method:    c.Method(),
		Target:    target,
		Header:    gateway.UpstreamHeader(c.GetReqHeaders(), route),
		Body:      append([]byte(nil), c.Body()...),
		Timeout:   route.Timeout,
		RequestID: RequestID(c),
	}

	resp, err := hc.Forwarder.Forward(c.UserContext(), req)
	if err != nil {
		message := "upstream is unreachable"
		outcome := "unreachable"
		switch {
		case gateway.IsTimeout(err):
			message = "upstream timed out"
			outcome = "timeout"
		case errors.Is(err, gateway.ErrBodyTooLarge):
			message = "upstream response is too large"
			outcome = "too_large"
		}
		hc.Metrics.ObserveProxy(route.Name, outcome, 0)
		return BadGateway(c, message, retryHint)
	}

	for key, values := range resp.Header {
		if !gateway.RelayResponseHeader(key) {
			continue
		}
		for i, v := range values {
			if i == 0 {
				c.Set(key, v)
			} else {
				c.Response().Header.Add(key, v)
			}
		}
	}
	setCORS(c)

	setOutcome(c, "forwarded")
	hc.Metrics.ObserveProxy(route.Name, "forwarded", resp.Latency)
	return c.Status(resp.StatusCode).Send(resp.Body)
}

func setCORS(c *fiber.Ctx) {
	for k, v := range gateway.CORSHeaders {
		c.Set(k, v)
	}
	if id := RequestID(c); id != "" {
		c.Set(gateway.RequestIDHeader, id)
	}
}
