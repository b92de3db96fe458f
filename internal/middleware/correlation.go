package middleware

import (
	"context"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// HeaderCorrelationID carries the correlation identifier on requests and responses.
const HeaderCorrelationID = "X-Correlation-ID"

const localCorrelationID = "correlation_id"

type correlationIDKey struct{}

// CorrelationID tags every request with an identifier taken from X-Correlation-ID or X-Request-ID,
// or generated. It is echoed in the response and stored in the user context so work started by a
// handler can log it.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := firstNonEmpty(c.Get(HeaderCorrelationID), c.Get(fiber.HeaderXRequestID))
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(localCorrelationID, id)
		c.Set(HeaderCorrelationID, id)
		c.SetUserContext(context.WithValue(c.UserContext(), correlationIDKey{}, id))

		return c.Next()
	}
}

// CorrelationIDFromContext extracts the correlation identifier from context, if present.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// GetCorrelationID returns the correlation identifier bound to the active request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(localCorrelationID).(string); ok {
		return id
	}
	return CorrelationIDFromContext(c.UserContext())
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
