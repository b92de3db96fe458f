package utils_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/internal/utils"
)

func performRequest(t *testing.T, app *fiber.App) *http.Response {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}

func TestSendSuccessDefaultsMessage(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return utils.SendSuccess(c, "", map[string]string{"status": "ok"})
	})

	resp := performRequest(t, app)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var payload utils.APIResponse
	decode(t, resp, &payload)
	require.True(t, payload.Success)
	require.Equal(t, "success", payload.Message)
}

func TestSendValidationErrorListsFields(t *testing.T) {
	type trigger struct {
		Flow  string `validate:"required,oneof=autoext snapshot grading"`
		Group string `validate:"required"`
	}
	err := validator.New().Struct(trigger{Flow: "deploy"})

	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return utils.SendValidationError(c, err)
	})

	resp := performRequest(t, app)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var payload utils.APIResponse
	decode(t, resp, &payload)
	require.False(t, payload.Success)
	require.Equal(t, "validation failed", payload.Message)
	require.Equal(t, []string{"flow failed oneof=autoext snapshot grading", "group failed required"}, payload.Errors)
}

func TestSendValidationErrorFallsBackForOtherErrors(t *testing.T) {
	app := fiber.New()
	app.Get("/", func(c *fiber.Ctx) error {
		return utils.SendValidationError(c, errors.New("malformed"))
	})

	resp := performRequest(t, app)
	require.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	var payload utils.APIResponse
	decode(t, resp, &payload)
	require.Equal(t, "malformed", payload.Message)
	require.Empty(t, payload.Errors)
}
