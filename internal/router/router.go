package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/config"
	"github.com/noah-isme/gema-grader/internal/handler"
	"github.com/noah-isme/gema-grader/internal/middleware"
	"github.com/noah-isme/gema-grader/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	RunHandler   *handler.RunHandler
	HealthChecks map[string]handler.DependencyCheck
}

// Register wires the ops HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	app.Get("/metrics", observability.MetricsHandler())

	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.HealthChecks))

	if deps.RunHandler == nil {
		return
	}

	runs := api.Group("/runs")
	runs.Get("", deps.RunHandler.List)
	if cfg.OperatorJWTSecret != "" {
		runs.Post("",
			middleware.OperatorJWT(cfg.OperatorJWTSecret),
			middleware.RequireRole("operator", "instructor"),
			middleware.RateLimit("trigger", cfg.TriggerRateLimit, time.Minute),
			deps.RunHandler.Trigger,
		)
	}
}
