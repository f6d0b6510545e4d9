package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/internal/users"
)

// UsersHandler serves the admin user management routes.
type UsersHandler struct {
	userService      UserService
	permService      PermissionService
	twoFactorService TwoFactorService
}

func (h *UsersHandler) GetUsers(ctx *fiber.Ctx) error {
	list, err := h.userService.ListUsers(ctx.UserContext())
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"users": list}))
}

func (h *UsersHandler) PostUsers(ctx *fiber.Ctx) error {
	var req createUserRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	user, err := h.userService.CreateUser(ctx.UserContext(), users.CreateUserOptions{
		Username:    req.Username,
		Password:    req.Password,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		IsAdmin:     req.IsAdmin,
		CreatedBy:   actorID(ctx),
	})
	if err != nil {
		return apiError(err)
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(user))
}

func (h *UsersHandler) GetUser(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	user, err := h.userService.GetUserByID(ctx.UserContext(), userID)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(user))
}

func isSelf(ctx *fiber.Ctx, userID uint) bool {
	actor := actorID(ctx)
	return actor != nil && *actor == userID
}

func (h *UsersHandler) PutUser(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	var opts users.UpdateUserOptions
	if err := parseBody(ctx, &opts); err != nil {
		return err
	}
	if isSelf(ctx, userID) && ((opts.IsAdmin != nil && !*opts.IsAdmin) || (opts.IsActive != nil && !*opts.IsActive)) {
		return fiber.NewError(fiber.StatusBadRequest, MsgSelfModification)
	}
	user, err := h.userService.UpdateUser(ctx.UserContext(), userID, opts, actorID(ctx))
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(user))
}

// DeleteUser deactivates the account, DeleteUserPermanent removes it.
func (h *UsersHandler) DeleteUser(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	if isSelf(ctx, userID) {
		return fiber.NewError(fiber.StatusBadRequest, MsgSelfModification)
	}
	if err := h.userService.DeactivateUser(ctx.UserContext(), userID, actorID(ctx)); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"success": true}))
}

func (h *UsersHandler) DeleteUserPermanent(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	if isSelf(ctx, userID) {
		return fiber.NewError(fiber.StatusBadRequest, MsgSelfModification)
	}
	if err := h.userService.DeleteUser(ctx.UserContext(), userID, actorID(ctx)); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"success": true}))
}

func (h *UsersHandler) PostResetPassword(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	password, err := h.userService.ResetPassword(ctx.UserContext(), userID, actorID(ctx))
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"password": password}))
}

func (h *UsersHandler) PostSetPassword(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	var req setPasswordRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if err := h.userService.SetPassword(ctx.UserContext(), userID, req.Password, actorID(ctx)); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"success": true}))
}

func (h *UsersHandler) GetPermissions(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	if _, err := h.userService.GetUserByID(ctx.UserContext(), userID); err != nil {
		return apiError(err)
	}
	perms, err := h.permService.GetUserPermissions(ctx.UserContext(), userID)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"permissions": perms}))
}

// PutPermissions is where grants enter the system, so the write-implies-read
// rule is checked here before the service stores them.
func (h *UsersHandler) PutPermissions(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	var req struct {
		Permissions []permissions.PermissionSet `json:"permissions"`
	}
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if err := permissions.ValidatePermissionSets(req.Permissions); err != nil {
		return apiError(err)
	}
	if _, err := h.userService.GetUserByID(ctx.UserContext(), userID); err != nil {
		return apiError(err)
	}
	if err := h.permService.UpdateUserPermissions(ctx.UserContext(), userID, req.Permissions, actorID(ctx)); err != nil {
		return apiError(err)
	}
	perms, err := h.permService.GetUserPermissions(ctx.UserContext(), userID)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"permissions": perms}))
}

// DeletePermissions revokes every grant of the user, or only the one named by
// the resource parameter.
func (h *UsersHandler) DeletePermissions(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	if _, err := h.userService.GetUserByID(ctx.UserContext(), userID); err != nil {
		return apiError(err)
	}
	if name := ctx.Params("resource"); name != "" {
		resource, parseErr := permissions.ParseResource(name)
		if parseErr != nil {
			return apiError(parseErr)
		}
		err = h.permService.Revoke(ctx.UserContext(), userID, resource, actorID(ctx))
	} else {
		err = h.permService.RevokeAll(ctx.UserContext(), userID, actorID(ctx))
	}
	if err != nil {
		return err
	}
	perms, err := h.permService.GetUserPermissions(ctx.UserContext(), userID)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"permissions": perms}))
}

func (h *UsersHandler) DeleteMFA(ctx *fiber.Ctx) error {
	userID, err := paramID(ctx, "id", MsgInvalidUserID)
	if err != nil {
		return err
	}
	if err := h.twoFactorService.AdminDisable(ctx.UserContext(), userID, actorID(ctx)); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"success": true}))
}

func NewUsersHandler(userService UserService, permService PermissionService, twoFactorService TwoFactorService) *UsersHandler {
	return &UsersHandler{
		userService:      userService,
		permService:      permService,
		twoFactorService: twoFactorService,
	}
}
