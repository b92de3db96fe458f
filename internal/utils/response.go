package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// APIResponse describes the common structure for API responses.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message"`
	Errors  []string    `json:"errors,omitempty"`
}

// SendSuccess sends a successful JSON response with a message.
func SendSuccess(c *fiber.Ctx, message string, data interface{}) error {
	return SendSuccessWithStatus(c, fiber.StatusOK, message, data)
}

// SendSuccessWithStatus sends a success payload using the provided HTTP status code.
func SendSuccessWithStatus(c *fiber.Ctx, status int, message string, data interface{}) error {
	if message == "" {
		message = "success"
	}
	if status == 0 {
		status = fiber.StatusOK
	}

	return c.Status(status).JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error JSON response with the given status code.
func SendError(c *fiber.Ctx, status int, message string) error {
	if message == "" {
		message = "error"
	}

	return c.Status(status).JSON(APIResponse{
		Success: false,
		Message: message,
	})
}

// SendValidationError reports validator failures as a 400 with one entry per offending field.
// Other errors are reported as a plain bad request.
func SendValidationError(c *fiber.Ctx, err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return SendError(c, fiber.StatusBadRequest, err.Error())
	}

	details := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		detail := fmt.Sprintf("%s failed %s", strings.ToLower(fieldErr.Field()), fieldErr.Tag())
		if fieldErr.Param() != "" {
			detail += "=" + fieldErr.Param()
		}
		details = append(details, detail)
	}

	return c.Status(fiber.StatusBadRequest).JSON(APIResponse{
		Success: false,
		Message: "validation failed",
		Errors:  details,
	})
}
