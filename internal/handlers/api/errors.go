package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/apitokens"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/internal/oidc"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/internal/twofactor"
	"github.com/khanghh/meshauth/internal/users"
)

const (
	MsgInvalidCredentials = "Invalid username or password"
	MsgInvalidCode        = "Invalid verification code"
	MsgInvalidRequest     = "Invalid request body"
	MsgInvalidUserID      = "Invalid user id"
	MsgInvalidTokenID     = "Invalid token id"
	MsgOIDCDisabled       = "OIDC authentication is not enabled"
	MsgLocalAuthDisabled  = "Local authentication is disabled"
	MsgNoPendingMFA       = "No pending MFA verification"
	MsgSelfModification   = "You cannot remove your own admin access"
	MsgTooManyRequests    = "Too many requests, please try again later"
)

// errorStatus maps domain errors to the status and message sent to clients.
// Identity failures share generic messages so responses do not reveal which
// check failed.
var errorStatus = []struct {
	err     error
	code    int
	message string
}{
	{users.ErrInvalidCredentials, fiber.StatusUnauthorized, MsgInvalidCredentials},
	{users.ErrWrongCurrentPassword, fiber.StatusUnauthorized, "Current password is incorrect"},
	{users.ErrDuplicateUsername, fiber.StatusConflict, "Username already exists"},
	{users.ErrInvalidUsername, fiber.StatusBadRequest, "Username must be 1-64 characters of letters, digits, '.', '_', '-' or '@'"},
	{users.ErrWeakPassword, fiber.StatusBadRequest, "Password must be at least 8 characters"},
	{users.ErrPasswordTooLong, fiber.StatusBadRequest, "Password must be at most 72 bytes"},
	{users.ErrPasswordLocked, fiber.StatusForbidden, "Password changes are locked for this user"},
	{users.ErrNotLocalProvider, fiber.StatusBadRequest, "This account is managed by the identity provider"},
	{users.ErrUserNotFound, fiber.StatusNotFound, "User not found"},
	{users.ErrReservedUser, fiber.StatusBadRequest, "Operation not allowed on the reserved user"},
	{twofactor.ErrAlreadyEnabled, fiber.StatusConflict, "MFA is already enabled"},
	{twofactor.ErrSetupNotInitiated, fiber.StatusBadRequest, "MFA setup has not been started"},
	{twofactor.ErrInvalidCode, fiber.StatusUnauthorized, MsgInvalidCode},
	{twofactor.ErrNotEnabled, fiber.StatusBadRequest, "MFA is not enabled"},
	{oidc.ErrInvalidState, fiber.StatusUnauthorized, "OIDC authentication failed"},
	{oidc.ErrNoClaims, fiber.StatusUnauthorized, "OIDC authentication failed"},
	{oidc.ErrInvalidIDToken, fiber.StatusUnauthorized, "OIDC authentication failed"},
	{oidc.ErrProviderError, fiber.StatusUnauthorized, "OIDC authentication failed"},
	{oidc.ErrAutoCreateDisabled, fiber.StatusForbidden, "No account exists for this identity"},
	{oidc.ErrUserInactive, fiber.StatusForbidden, "Account is disabled"},
	{apitokens.ErrTokenInvalidOrRevoked, fiber.StatusUnauthorized, "Authentication required"},
	{apitokens.ErrTokenNotFound, fiber.StatusNotFound, "API token not found"},
	{apitokens.ErrUserNotFound, fiber.StatusNotFound, "User not found"},
	{permissions.ErrPermissionDenied, fiber.StatusForbidden, "Insufficient permissions"},
	{permissions.ErrInvalidResource, fiber.StatusBadRequest, "Unknown permission resource"},
	{permissions.ErrInvalidAction, fiber.StatusBadRequest, "Unknown permission action"},
	{permissions.ErrWriteWithoutRead, fiber.StatusBadRequest, "Write permission requires read permission"},
	{authn.ErrUnauthenticated, fiber.StatusUnauthorized, "Authentication required"},
}

// apiError translates err into a *fiber.Error when it is a known domain
// error. Unknown errors are returned unchanged and end up as a 500.
func apiError(err error) error {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return fiber.NewError(e.code, e.message)
		}
	}
	return err
}
