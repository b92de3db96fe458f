package router

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

type emptyRuns struct{}

func (emptyRuns) Create(context.Context, *models.RunRecord) error { return nil }
func (emptyRuns) Finish(context.Context, *models.RunRecord) error { return nil }
func (emptyRuns) ListRecent(context.Context, repository.RunFilter) ([]models.RunRecord, error) {
	return nil, nil
}

func newApp(cfg config.Config) *fiber.App {
	app := fiber.New()
	Register(app, cfg, Dependencies{
		RunHandler: handler.NewRunHandler(emptyRuns{}, nil, nil, zerolog.New(io.Discard)),
	})
	return app
}

func TestRegisterServesOpsRoutes(t *testing.T) {
	app := newApp(config.Config{AppName: "GEMA Grader"})

	for _, path := range []string{"/api/v1/health", "/api/v1/runs", "/metrics"} {
		resp, err := app.Test(httptest.NewRequest(http.MethodGet, path, nil))
		require.NoError(t, err)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode, path)
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.NoError(t, err)
	assert.Equal(t, "GEMA Grader", resp.Header.Get("X-Application"))
}

func TestTriggerRouteRequiresOperatorToken(t *testing.T) {
	body := `{"flow":"grading","group":"stat201"}`

	withoutSecret := newApp(config.Config{AppName: "GEMA Grader"})
	resp, err := withoutSecret.Test(httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusMethodNotAllowed, resp.StatusCode)

	withSecret := newApp(config.Config{AppName: "GEMA Grader", OperatorJWTSecret: "secret", TriggerRateLimit: 2})
	resp, err = withSecret.Test(httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}
