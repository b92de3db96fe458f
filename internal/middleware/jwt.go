package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// Locals keys populated by OperatorJWT.
const (
	LocalOperator = "operator"
	LocalRole     = "operator_role"
)

// OperatorJWT validates HMAC-signed bearer tokens issued to course operators.
func OperatorJWT(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authorization := c.Get("Authorization")
		if authorization == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "authorization header missing")
		}

		const bearer = "Bearer "
		if !strings.HasPrefix(strings.ToLower(authorization), strings.ToLower(bearer)) {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid authorization header")
		}

		tokenString := strings.TrimSpace(authorization[len(bearer):])
		if tokenString == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		subject, err := claims.GetSubject()
		if err != nil || strings.TrimSpace(subject) == "" {
			return utils.SendError(c, fiber.StatusUnauthorized, "token subject missing")
		}

		c.Locals(LocalOperator, strings.TrimSpace(subject))
		if role := roleFromClaims(claims); role != "" {
			c.Locals(LocalRole, role)
		}

		return c.Next()
	}
}

func roleFromClaims(claims jwt.MapClaims) string {
	switch v := claims["role"].(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if str, ok := item.(string); ok {
				if role := strings.ToLower(strings.TrimSpace(str)); role != "" {
					return role
				}
			}
		}
	}
	return ""
}
