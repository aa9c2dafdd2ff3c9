package middleware

import (
	"context"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the header used to propagate request IDs across services.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// RequestID returns middleware that ensures every request carries a request
// ID. An incoming X-Request-ID header is preserved so IDs survive the hop
// from the patient service to the doctor service; otherwise a new UUID is
// generated. The ID is stored on the echo context, on the request context
// for outbound clients, and echoed back in the response header.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.New().String()
			}
			c.Set("request_id", rid)
			c.SetRequest(c.Request().WithContext(
				context.WithValue(c.Request().Context(), requestIDKey{}, rid)))
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}

// RequestIDFromContext returns the request id placed by RequestID, or an
// empty string outside a request.
func RequestIDFromContext(ctx context.Context) string {
	rid, _ := ctx.Value(requestIDKey{}).(string)
	return rid
}
