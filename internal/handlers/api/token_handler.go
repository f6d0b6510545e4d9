package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
)

type TokenHandler struct {
	tokenService TokenService
}

func (h *TokenHandler) GetToken(ctx *fiber.Ctx) error {
	info, err := h.tokenService.GetActiveToken(ctx.UserContext(), authn.CurrentUser(ctx).ID)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(tokenResponse{Info: info}))
}

// PostToken issues a new token for the caller, replacing the active one. The
// plaintext is only returned here.
func (h *TokenHandler) PostToken(ctx *fiber.Ctx) error {
	user := authn.CurrentUser(ctx)
	token, info, err := h.tokenService.Create(ctx.UserContext(), user.ID, user.ID)
	if err != nil {
		return apiError(err)
	}
	return ctx.Status(fiber.StatusCreated).JSON(NewDataResponse(tokenResponse{Token: token, Info: info}))
}

func (h *TokenHandler) DeleteToken(ctx *fiber.Ctx) error {
	user := authn.CurrentUser(ctx)
	revoked, err := h.tokenService.RevokeForUser(ctx.UserContext(), user.ID, user.ID)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"revoked": revoked}))
}

func (h *TokenHandler) DeleteTokenByID(ctx *fiber.Ctx) error {
	tokenID, err := paramID(ctx, "id", MsgInvalidTokenID)
	if err != nil {
		return err
	}
	revoked, err := h.tokenService.Revoke(ctx.UserContext(), tokenID, authn.CurrentUser(ctx).ID)
	if err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"revoked": revoked}))
}

func NewTokenHandler(tokenService TokenService) *TokenHandler {
	return &TokenHandler{tokenService: tokenService}
}
