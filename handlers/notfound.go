package handlers

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// NotFound is the catch-all for paths no route owns
func NotFound(c *fiber.Ctx) error {
	hc := GetContext(c)
	setOutcome(c, string(ErrorCodeNotFound))
	return c.Status(fiber.StatusNotFound).JSON(NotFoundResponse{
		ErrorResponse: ErrorResponse{
			Error:     ErrorCodeNotFound,
			Message:   fmt.Sprintf("no route for %s %s", c.Method(), c.Path()),
			RequestID: RequestID(c),
		},
		Routes: hc.Routes.Prefixes(),
	})
}
