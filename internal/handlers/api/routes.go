package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/internal/middlewares/csrf"
	"github.com/khanghh/meshauth/internal/permissions"
)

type RateLimit struct {
	Max    int
	Window time.Duration
}

type Handlers struct {
	Auth   *AuthHandler
	MFA    *MFAHandler
	Token  *TokenHandler
	Users  *UsersHandler
	Audit  *AuditHandler
	Authn  *authn.Resolver
	Limits RateLimit
}

// newRateLimiter counts requests per client ip and route group.
func newRateLimiter(group string, limit RateLimit) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        limit.Max,
		Expiration: limit.Window,
		KeyGenerator: func(ctx *fiber.Ctx) string {
			return group + ":" + ctx.IP()
		},
		LimitReached: func(ctx *fiber.Ctx) error {
			return ctx.Status(fiber.StatusTooManyRequests).JSON(NewErrorResponse(fiber.StatusTooManyRequests, MsgTooManyRequests))
		},
		LimiterMiddleware: limiter.SlidingWindow{},
	})
}

// SetupRoutes mounts the api on router, which must already run the session
// middleware.
func SetupRoutes(router fiber.Router, h Handlers) {
	var (
		resolver     = h.Authn
		loginLimiter = newRateLimiter("login", h.Limits)
		mfaLimiter   = newRateLimiter("mfa", h.Limits)
	)

	router.Use(csrf.New(csrf.Config{
		ExcludePaths: []string{"/api/auth/login"},
	}))

	auth := router.Group("/auth")
	auth.Get("/status", resolver.Optional(), h.Auth.GetStatus)
	auth.Get("/check-default-password", resolver.Optional(), h.Auth.GetCheckDefaultPassword)
	auth.Post("/login", loginLimiter, h.Auth.PostLogin)
	auth.Post("/verify-mfa", loginLimiter, h.Auth.PostVerifyMFA)
	auth.Post("/logout", h.Auth.PostLogout)
	auth.Post("/change-password", resolver.Required(), h.Auth.PostChangePassword)
	auth.Get("/oidc/login", h.Auth.GetOIDCLogin)
	auth.Get("/oidc/callback", h.Auth.GetOIDCCallback)

	mfa := router.Group("/mfa", resolver.Required())
	mfa.Get("/status", h.MFA.GetStatus)
	mfa.Post("/setup", mfaLimiter, h.MFA.PostSetup)
	mfa.Post("/verify-setup", mfaLimiter, h.MFA.PostVerifySetup)
	mfa.Post("/disable", mfaLimiter, h.MFA.PostDisable)
	mfa.Post("/backup-codes", mfaLimiter, h.MFA.PostBackupCodes)

	token := router.Group("/user/api-token", resolver.Required())
	token.Get("", h.Token.GetToken)
	token.Post("", h.Token.PostToken)
	token.Delete("", h.Token.DeleteToken)

	users := router.Group("/users", resolver.RequireAdmin())
	users.Get("", h.Users.GetUsers)
	users.Post("", h.Users.PostUsers)
	users.Get("/:id", h.Users.GetUser)
	users.Put("/:id", h.Users.PutUser)
	users.Delete("/:id", h.Users.DeleteUser)
	users.Delete("/:id/permanent", h.Users.DeleteUserPermanent)
	users.Post("/:id/reset-password", h.Users.PostResetPassword)
	users.Post("/:id/set-password", h.Users.PostSetPassword)
	users.Get("/:id/permissions", h.Users.GetPermissions)
	users.Put("/:id/permissions", h.Users.PutPermissions)
	users.Delete("/:id/permissions", h.Users.DeletePermissions)
	users.Delete("/:id/permissions/:resource", h.Users.DeletePermissions)
	users.Delete("/:id/mfa", h.Users.DeleteMFA)

	router.Delete("/tokens/:id", resolver.RequireAdmin(), h.Token.DeleteTokenByID)
	router.Get("/audit", resolver.RequirePermission(permissions.ResourceAudit, permissions.ActionRead), h.Audit.GetAudit)
}
