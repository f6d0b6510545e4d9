package middlewares

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/params"
)

// ErrorHandler renders every error escaping a handler as a JSON envelope.
// Only *fiber.Error messages reach the client, anything else is logged and
// reported as a generic 500.
func ErrorHandler(ctx *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	var fe *fiber.Error
	if errors.As(err, &fe) {
		code = fe.Code
		message = fe.Message
	} else {
		slog.Error("unhandled error", "method", ctx.Method(), "path", ctx.Path(), "error", err)
	}
	return ctx.Status(code).JSON(fiber.Map{
		"apiVersion": params.APIVersion,
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	})
}
