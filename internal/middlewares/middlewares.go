package middlewares

import (
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/audit"
)

// NoCache keeps auth responses out of browser and proxy caches.
func NoCache() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		ctx.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, private")
		ctx.Set(fiber.HeaderPragma, "no-cache")
		return ctx.Next()
	}
}

// ClientIP carries the request ip on the user context so audit entries can
// record it.
func ClientIP() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		ctx.SetUserContext(audit.WithClientIP(ctx.UserContext(), ctx.IP()))
		return ctx.Next()
	}
}
