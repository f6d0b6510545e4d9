package authn

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/apitokens"
	"github.com/khanghh/meshauth/internal/middlewares/sessions"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/internal/users"
	"github.com/khanghh/meshauth/model"
)

const (
	userContextKey   = "authn.user"
	methodContextKey = "authn.method"
)

type Method string

const (
	MethodSession   Method = "session"
	MethodToken     Method = "token"
	MethodAnonymous Method = "anonymous"
)

var (
	ErrUnauthenticated = errors.New("authentication required")
)

type UserService interface {
	GetUserByID(ctx context.Context, userID uint) (*model.User, error)
	GetAnonymousUser(ctx context.Context) (*model.User, error)
}

type TokenValidator interface {
	Validate(ctx context.Context, plaintext string) (uint, error)
}

type PermissionChecker interface {
	Check(ctx context.Context, userID uint, resource permissions.Resource, action permissions.Action) (bool, error)
}

// Resolver attaches the caller identity to each request. Resolution order is
// session cookie, bearer api token, then the anonymous user where allowed.
type Resolver struct {
	users  UserService
	tokens TokenValidator
	perms  PermissionChecker
}

func CurrentUser(ctx *fiber.Ctx) *model.User {
	user, _ := ctx.Locals(userContextKey).(*model.User)
	return user
}

func CurrentMethod(ctx *fiber.Ctx) Method {
	method, _ := ctx.Locals(methodContextKey).(Method)
	return method
}

func bearerToken(ctx *fiber.Ctx) (string, bool) {
	header := ctx.Get(fiber.HeaderAuthorization)
	if header == "" {
		return "", false
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// activeUser loads userID and reports nil for a deleted or inactive account.
func (r *Resolver) activeUser(ctx context.Context, userID uint) (*model.User, error) {
	user, err := r.users.GetUserByID(ctx, userID)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		return nil, nil
	}
	return user, nil
}

func (r *Resolver) fromSession(ctx *fiber.Ctx) (*model.User, error) {
	session := sessions.Get(ctx)
	if !session.IsLoggedIn() {
		return nil, nil
	}
	user, err := r.activeUser(ctx.UserContext(), session.UserID)
	if err != nil || user != nil {
		return user, err
	}
	slog.Info("Discarding stale session", "userID", session.UserID)
	if err := session.Destroy(); err != nil {
		slog.Error("Could not destroy stale session", "error", err)
	}
	return nil, nil
}

func (r *Resolver) fromToken(ctx *fiber.Ctx, token string) (*model.User, error) {
	userID, err := r.tokens.Validate(ctx.UserContext(), token)
	if errors.Is(err, apitokens.ErrTokenInvalidOrRevoked) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	user, err := r.activeUser(ctx.UserContext(), userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnauthenticated
	}
	return user, nil
}

func (r *Resolver) resolve(ctx *fiber.Ctx, allowAnonymous bool) (*model.User, Method, error) {
	if user := CurrentUser(ctx); user != nil {
		method := CurrentMethod(ctx)
		if method == MethodAnonymous && !allowAnonymous {
			return nil, "", ErrUnauthenticated
		}
		return user, method, nil
	}

	user, err := r.fromSession(ctx)
	if err != nil {
		return nil, "", err
	}
	if user != nil {
		return user, MethodSession, nil
	}

	if token, ok := bearerToken(ctx); ok {
		user, err := r.fromToken(ctx, token)
		if err != nil {
			return nil, "", err
		}
		return user, MethodToken, nil
	}

	if allowAnonymous {
		anon, err := r.activeAnonymous(ctx.UserContext())
		if err != nil {
			return nil, "", err
		}
		if anon != nil {
			return anon, MethodAnonymous, nil
		}
	}
	return nil, "", ErrUnauthenticated
}

func (r *Resolver) activeAnonymous(ctx context.Context) (*model.User, error) {
	anon, err := r.users.GetAnonymousUser(ctx)
	if errors.Is(err, users.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !anon.IsActive {
		return nil, nil
	}
	return anon, nil
}

func (r *Resolver) authenticate(ctx *fiber.Ctx, allowAnonymous bool) (*model.User, error) {
	user, method, err := r.resolve(ctx, allowAnonymous)
	if errors.Is(err, ErrUnauthenticated) {
		return nil, fiber.NewError(fiber.StatusUnauthorized, "Authentication required")
	}
	if err != nil {
		return nil, err
	}
	ctx.Locals(userContextKey, user)
	ctx.Locals(methodContextKey, method)
	return user, nil
}

// Optional falls back to the anonymous user when the caller presents no
// credentials. A rejected bearer token still fails the request.
func (r *Resolver) Optional() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if _, err := r.authenticate(ctx, true); err != nil {
			return err
		}
		return ctx.Next()
	}
}

func (r *Resolver) Required() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		if _, err := r.authenticate(ctx, false); err != nil {
			return err
		}
		return ctx.Next()
	}
}

// RequirePermission resolves the caller like Optional and then checks the
// grant, so anonymous access follows the anonymous user's permissions.
func (r *Resolver) RequirePermission(resource permissions.Resource, action permissions.Action) fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		user, err := r.authenticate(ctx, true)
		if err != nil {
			return err
		}
		ok, err := r.perms.Check(ctx.UserContext(), user.ID, resource, action)
		if err != nil {
			return err
		}
		if !ok {
			return fiber.NewError(fiber.StatusForbidden, "Insufficient permissions")
		}
		return ctx.Next()
	}
}

func (r *Resolver) RequireAdmin() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		user, err := r.authenticate(ctx, false)
		if err != nil {
			return err
		}
		if !user.IsAdmin {
			return fiber.NewError(fiber.StatusForbidden, "Admin access required")
		}
		return ctx.Next()
	}
}

func NewResolver(userService UserService, tokenValidator TokenValidator, permChecker PermissionChecker) *Resolver {
	return &Resolver{
		users:  userService,
		tokens: tokenValidator,
		perms:  permChecker,
	}
}
