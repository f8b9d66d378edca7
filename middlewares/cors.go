package middleware

import (
	"strings"

	"corsgate/routes"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
)

// CORS guards the gateway's own endpoints (health, metrics) with the
// configured origin list. Proxied paths are skipped: they always answer
// with the permissive header set.
func CORS(allowedOrigins []string, table *routes.Table) fiber.Handler {
	origins := strings.Join(allowedOrigins, ",")
	if origins == "" {
		origins = "*"
	}
	return cors.New(cors.Config{
		Next: func(c *fiber.Ctx) bool {
			_, proxied := table.Match(c.Path())
			return proxied
		},
		AllowOrigins:     origins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization,X-Requested-With,X-Request-ID",
		ExposeHeaders:    "X-Request-ID",
		AllowCredentials: false,
		MaxAge:           86400,
	})
}
