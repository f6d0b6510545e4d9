package csrf

import (
	"crypto/subtle"
	"encoding/gob"
	"errors"
	"path"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/internal/middlewares/sessions"
	"github.com/khanghh/meshauth/params"
)

const (
	CSRFTokenSessionKey = "_csrf"
	CSRFTokenHeader     = "X-CSRF-Token"
)

var (
	ErrInvalidToken = errors.New("invalid CSRF token")
)

type CSRF struct {
	Token     string
	ExpiresAt time.Time
}

func init() {
	gob.Register(CSRF{})
}

// Get returns the session token, issuing a new one when missing or expired.
func Get(session *sessions.Session) CSRF {
	csrf, ok := session.Get(CSRFTokenSessionKey).(CSRF)
	if !ok || time.Now().After(csrf.ExpiresAt) {
		csrf = generateCSRF()
		session.Set(CSRFTokenSessionKey, csrf)
	}
	return csrf
}

func Verify(ctx *fiber.Ctx) bool {
	token := ctx.Get(CSRFTokenHeader)
	csrf, ok := sessions.Get(ctx).Get(CSRFTokenSessionKey).(CSRF)
	if !ok || token == "" || time.Now().After(csrf.ExpiresAt) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(csrf.Token), []byte(token)) == 1
}

func randomToken() string {
	token, err := common.RandomHex(32)
	if err != nil {
		panic("failed to generate CSRF token: " + err.Error())
	}
	return token
}

func generateCSRF() CSRF {
	return CSRF{
		Token:     randomToken(),
		ExpiresAt: time.Now().Add(params.CSRFTokenExpiration),
	}
}

func isSafeMethod(method string) bool {
	switch method {
	case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
		return true
	}
	return false
}

type Config struct {
	ExcludePaths []string
}

// New rejects state-changing requests that ride on a session cookie without
// the matching X-CSRF-Token header. The check follows the session, not the
// Authorization header: a request carrying a logged-in cookie is resolved by
// that cookie, so it must present the token even when it also sends a bearer.
func New(config Config) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if isSafeMethod(ctx.Method()) {
			return ctx.Next()
		}
		for _, p := range config.ExcludePaths {
			if ok, _ := path.Match(p, ctx.Path()); ok {
				return ctx.Next()
			}
		}
		session := sessions.Get(ctx)
		if !session.IsLoggedIn() && !session.IsMFAPending() {
			return ctx.Next()
		}
		if !Verify(ctx) {
			return fiber.NewError(fiber.StatusForbidden, ErrInvalidToken.Error())
		}
		return ctx.Next()
	}
}
