package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "operator-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newProtectedApp() *fiber.App {
	app := fiber.New()
	app.Post("/runs", OperatorJWT(testSecret), RequireRole("operator", "instructor"), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals(LocalOperator).(string))
	})
	return app
}

func postRuns(t *testing.T, app *fiber.App, token string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/runs", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestOperatorJWTAcceptsOperatorToken(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "ta-alice",
		"role": "Operator",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	resp := postRuns(t, newProtectedApp(), token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestOperatorJWTRejectsBadTokens(t *testing.T) {
	app := newProtectedApp()

	assert.Equal(t, fiber.StatusUnauthorized, postRuns(t, app, "").StatusCode)

	wrongSecret := signToken(t, "other", jwt.MapClaims{"sub": "ta-alice", "role": "operator"})
	assert.Equal(t, fiber.StatusUnauthorized, postRuns(t, app, wrongSecret).StatusCode)

	expired := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "ta-alice",
		"role": "operator",
		"exp":  time.Now().Add(-time.Hour).Unix(),
	})
	assert.Equal(t, fiber.StatusUnauthorized, postRuns(t, app, expired).StatusCode)

	noSubject := signToken(t, testSecret, jwt.MapClaims{"role": "operator"})
	assert.Equal(t, fiber.StatusUnauthorized, postRuns(t, app, noSubject).StatusCode)
}

func TestRequireRoleRejectsOtherRoles(t *testing.T) {
	token := signToken(t, testSecret, jwt.MapClaims{"sub": "student-7", "role": []interface{}{"student"}})

	resp := postRuns(t, newProtectedApp(), token)
	require.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestRateLimitKeysByOperator(t *testing.T) {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals(LocalOperator, c.Get("X-Operator"))
		return c.Next()
	})
	app.Use(RateLimit("trigger", 1, time.Minute))
	app.Post("/runs", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) })

	send := func(operator string) int {
		req := httptest.NewRequest(http.MethodPost, "/runs", nil)
		req.Header.Set("X-Operator", operator)
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusAccepted, send("alice"))
	assert.Equal(t, fiber.StatusTooManyRequests, send("alice"))
	assert.Equal(t, fiber.StatusAccepted, send("bob"))
}
