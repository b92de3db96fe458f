package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/observability"
)

func TestObservabilityCountsAPIRequests(t *testing.T) {
	app := fiber.New()
	app.Use(Observability(zerolog.New(io.Discard)))
	app.Get("/api/v1/runs", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	app.Get("/api/v1/broken", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusBadGateway) })
	app.Get("/metrics", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	before := testutil.ToFloat64(observability.APIRequests().WithLabelValues("GET", "/api/v1/runs", "200"))
	errorsBefore := testutil.ToFloat64(observability.APIErrors().WithLabelValues("GET", "/api/v1/broken", "502"))

	for _, path := range []string{"/api/v1/runs", "/api/v1/broken", "/metrics"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		resp.Body.Close()
	}

	assert.Equal(t, before+1, testutil.ToFloat64(observability.APIRequests().WithLabelValues("GET", "/api/v1/runs", "200")))
	assert.Equal(t, errorsBefore+1, testutil.ToFloat64(observability.APIErrors().WithLabelValues("GET", "/api/v1/broken", "502")))
	assert.Zero(t, testutil.ToFloat64(observability.APIRequests().WithLabelValues("GET", "/metrics", "200")))
}

func TestLatencyBucket(t *testing.T) {
	assert.Equal(t, "<=25ms", latencyBucket(10*time.Millisecond))
	assert.Equal(t, "<=250ms", latencyBucket(200*time.Millisecond))
	assert.Equal(t, "<=1s", latencyBucket(time.Second))
	assert.Equal(t, ">1s", latencyBucket(2*time.Second))
}

func TestCorrelationIDEchoesIncomingHeader(t *testing.T) {
	app := fiber.New()
	app.Use(CorrelationID())
	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.SendString(CorrelationIDFromContext(c.UserContext()))
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(fiber.HeaderXRequestID, " req-42 ")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, "req-42", resp.Header.Get(HeaderCorrelationID))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "req-42", string(body))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Len(t, resp.Header.Get(HeaderCorrelationID), 36)
}
