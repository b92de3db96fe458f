package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimit limits requests per operator, falling back to the client IP.
func RateLimit(identifier string, max int, window time.Duration) fiber.Handler {
	if max <= 0 {
		max = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			operator, _ := c.Locals(LocalOperator).(string)
			if operator == "" {
				operator = c.IP()
			}
			return fmt.Sprintf("%s:%s", identifier, operator)
		},
	})
}
