package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/internal/middlewares/sessions"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/model"
	"github.com/spf13/cast"
)

func parseBody(ctx *fiber.Ctx, out any) error {
	if err := ctx.BodyParser(out); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, MsgInvalidRequest)
	}
	return nil
}

func paramID(ctx *fiber.Ctx, name string, message string) (uint, error) {
	id, err := cast.ToUintE(ctx.Params(name))
	if err != nil || id == 0 {
		return 0, fiber.NewError(fiber.StatusBadRequest, message)
	}
	return id, nil
}

// actorID is the id of the authenticated caller recorded as the actor of
// admin operations.
func actorID(ctx *fiber.Ctx) *uint {
	user := authn.CurrentUser(ctx)
	if user == nil {
		return nil
	}
	id := user.ID
	return &id
}

func newSessionData(user *model.User) sessions.SessionData {
	return sessions.SessionData{
		UserID:       user.ID,
		Username:     user.Username,
		AuthProvider: string(user.AuthProvider),
		IsAdmin:      user.IsAdmin,
		LoginTime:    time.Now(),
	}
}

func adminPermissionFlags() map[string]PermissionFlags {
	flags := make(map[string]PermissionFlags, len(permissions.AllResources))
	for _, res := range permissions.AllResources {
		flags[res.String()] = PermissionFlags{Read: true, Write: true, ViewOnMap: res.IsChannel()}
	}
	return flags
}

func permissionFlags(perms []model.Permission) map[string]PermissionFlags {
	flags := make(map[string]PermissionFlags, len(perms))
	for _, p := range perms {
		flags[p.Resource] = PermissionFlags{Read: p.CanRead, Write: p.CanWrite, ViewOnMap: p.CanViewOnMap}
	}
	return flags
}
