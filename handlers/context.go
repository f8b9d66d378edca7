package handlers

import (
	"time"

	"corsgate/gateway"
	"corsgate/metrics"
	"corsgate/ratelimit"
	"corsgate/routes"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// HandlerContext holds dependencies needed by handlers
type HandlerContext struct {
	Routes    *routes.Table
	Forwarder *gateway.Forwarder
	Limiter   ratelimit.Limiter
	// Restricted enforces the generic route's domain allow-list
	Restricted bool
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	Version    string
	StartedAt  time.Time
}

const (
	contextKey   = "handler_context"
	outcomeKey   = "outcome"
	routeKey     = "route"
	requestIDKey = "requestid"
)

// SetContext stores the HandlerContext in the Fiber context
func SetContext(c *fiber.Ctx, ctx *HandlerContext) {
	c.Locals(contextKey, ctx)
}

// GetContext retrieves the HandlerContext from the Fiber context
func GetContext(c *fiber.Ctx) *HandlerContext {
	return c.Locals(contextKey).(*HandlerContext)
}

// RequestID returns the correlation id assigned by the requestid middleware
func RequestID(c *fiber.Ctx) string {
	if id, ok := c.Locals(requestIDKey).(string); ok {
		return id
	}
	return c.GetRespHeader(gateway.RequestIDHeader)
}

// Outcome returns the outcome recorded by a handler, for request logging
func Outcome(c *fiber.Ctx) string {
	if o, ok := c.Locals(outcomeKey).(string); ok {
		return o
	}
	return ""
}

// RouteName returns the name of the route that served the request, if any
func RouteName(c *fiber.Ctx) string {
	if r, ok := c.Locals(routeKey).(string); ok {
		return r
	}
	return ""
}

func setOutcome(c *fiber.Ctx, outcome string) {
	c.Locals(outcomeKey, outcome)
}

// Register mounts the gateway surface on app. Middleware that must run
// first (request id, logging, CORS) is added by the caller.
func Register(app *fiber.App, hc *HandlerContext) {
	app.Use(func(c *fiber.Ctx) error {
		SetContext(c, hc)
		return c.Next()
	})

	app.Get("/health", Health)
	app.Get("/health/:upstream", UpstreamHealth)

	app.Use(Proxy)
	app.Use(NotFound)
}
