package middleware

import (
	"corsgate/gateway"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
)

// RequestID assigns a correlation id, honouring one supplied by the caller
func RequestID() fiber.Handler {
	return requestid.New(requestid.Config{
		Header:    gateway.RequestIDHeader,
		Generator: uuid.NewString,
	})
}
