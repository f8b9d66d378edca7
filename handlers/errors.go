package handlers

import (
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// ErrorCode represents a typed error code for client libraries
type ErrorCode string

const (
	// Validation errors (400)
	ErrorCodeMissingParameter ErrorCode = "MissingParameter"
	ErrorCodeInvalidParameter ErrorCode = "InvalidParameter"
	ErrorCodeMissingTargetURL ErrorCode = "MissingTargetUrl"
	ErrorCodeInvalidURL       ErrorCode = "InvalidUrl"

	// Trust boundary errors (403)
	ErrorCodeDomainNotAllowed ErrorCode = "DomainNotAllowed"

	// Routing errors (404/405)
	ErrorCodeNotFound         ErrorCode = "NotFound"
	ErrorCodeMethodNotAllowed ErrorCode = "MethodNotAllowed"

	// Throttling (429)
	ErrorCodeRateLimited ErrorCode = "RateLimited"

	// Upstream errors (502/503)
	ErrorCodeGatewayUnavailable  ErrorCode = "GatewayUnavailable"
	ErrorCodeUpstreamUnavailable ErrorCode = "UpstreamUnavailable"

	// Internal errors (500)
	ErrorCodeInternalError ErrorCode = "InternalError"
)

// ErrorResponse is the stable error envelope returned for every failure
type ErrorResponse struct {
	Error      ErrorCode `json:"error"`
	Message    string    `json:"message"`
	RequestID  string    `json:"requestId,omitempty"`
	RetryAfter int       `json:"retryAfter,omitempty"`
}

// NotFoundResponse extends ErrorResponse with the known route prefixes
type NotFoundResponse struct {
	ErrorResponse
	Routes []string `json:"routes"`
}

// Error helper functions

func respond(c *fiber.Ctx, status int, code ErrorCode, message string, retryAfter time.Duration) error {
	setOutcome(c, string(code))
	resp := ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: RequestID(c),
	}
	if retryAfter > 0 {
		resp.RetryAfter = retryAfterSeconds(retryAfter)
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(resp.RetryAfter))
	}
	return c.Status(status).JSON(resp)
}

func BadRequest(c *fiber.Ctx, code ErrorCode, message string) error {
	return respond(c, fiber.StatusBadRequest, code, message, 0)
}

func Forbidden(c *fiber.Ctx, code ErrorCode, message string) error {
	return respond(c, fiber.StatusForbidden, code, message, 0)
}

func MethodNotAllowed(c *fiber.Ctx, message string) error {
	return respond(c, fiber.StatusMethodNotAllowed, ErrorCodeMethodNotAllowed, message, 0)
}

func TooManyRequests(c *fiber.Ctx, message string, retryAfter time.Duration) error {
	return respond(c, fiber.StatusTooManyRequests, ErrorCodeRateLimited, message, retryAfter)
}

func BadGateway(c *fiber.Ctx, message string, retryAfter time.Duration) error {
	return respond(c, fiber.StatusBadGateway, ErrorCodeGatewayUnavailable, message, retryAfter)
}

func InternalError(c *fiber.Ctx, message string) error {
	return respond(c, fiber.StatusInternalServerError, ErrorCodeInternalError, message, 0)
}

// ErrorHandler maps errors escaping the handler chain onto the error envelope
func ErrorHandler(logger *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status := fiber.StatusInternalServerError
		var fe *fiber.Error
		if errors.As(err, &fe) {
			status = fe.Code
		}
		logger.Error("Request error",
			zap.Error(err),
			zap.Int("status", status),
			zap.String("path", c.Path()),
			zap.String("method", c.Method()),
			zap.String("request_id", RequestID(c)),
		)

		switch status {
		case fiber.StatusNotFound:
			return respond(c, status, ErrorCodeNotFound, err.Error(), 0)
		case fiber.StatusMethodNotAllowed:
			return respond(c, status, ErrorCodeMethodNotAllowed, err.Error(), 0)
		case fiber.StatusInternalServerError:
			return respond(c, status, ErrorCodeInternalError, "internal server error", 0)
		case fiber.StatusServiceUnavailable:
			return respond(c, status, ErrorCodeUpstreamUnavailable, err.Error(), 0)
		}
		if status >= 400 && status < 500 {
			return respond(c, status, ErrorCodeInvalidParameter, err.Error(), 0)
		}
		return respond(c, status, ErrorCodeGatewayUnavailable, err.Error(), 0)
	}
}

// retryAfterSeconds rounds up so callers never retry early
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
