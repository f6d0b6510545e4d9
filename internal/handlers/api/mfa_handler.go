package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
)

type MFAHandler struct {
	twoFactorService TwoFactorService
}

func (h *MFAHandler) GetStatus(ctx *fiber.Ctx) error {
	status, err := h.twoFactorService.Status(ctx.UserContext(), authn.CurrentUser(ctx).ID)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(status))
}

// PostSetup starts enrollment. The secret and backup codes are shown once.
func (h *MFAHandler) PostSetup(ctx *fiber.Ctx) error {
	result, err := h.twoFactorService.Setup(ctx.UserContext(), authn.CurrentUser(ctx).ID)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(result))
}

func (h *MFAHandler) PostVerifySetup(ctx *fiber.Ctx) error {
	var req mfaCodeRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if err := h.twoFactorService.VerifySetup(ctx.UserContext(), authn.CurrentUser(ctx).ID, req.Code); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"enabled": true}))
}

func (h *MFAHandler) PostDisable(ctx *fiber.Ctx) error {
	var req mfaCodeRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if err := h.twoFactorService.Disable(ctx.UserContext(), authn.CurrentUser(ctx).ID, req.Code, req.BackupCode); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"enabled": false}))
}

func (h *MFAHandler) PostBackupCodes(ctx *fiber.Ctx) error {
	var req mfaCodeRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	codes, err := h.twoFactorService.RegenerateBackupCodes(ctx.UserContext(), authn.CurrentUser(ctx).ID, req.Code)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"backupCodes": codes}))
}

func NewMFAHandler(twoFactorService TwoFactorService) *MFAHandler {
	return &MFAHandler{twoFactorService: twoFactorService}
}
