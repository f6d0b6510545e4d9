package api

import (
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/internal/middlewares/csrf"
	"github.com/khanghh/meshauth/internal/middlewares/sessions"
	"github.com/khanghh/meshauth/internal/oidc"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
)

type AuthHandler struct {
	userService      UserService
	twoFactorService TwoFactorService
	permService      PermissionService
	auditService     AuditService
	oidcClient       OIDCClient
	disableLocalAuth bool
	baseURL          string
}

func (h *AuthHandler) permissionsOf(ctx *fiber.Ctx, user *model.User) (map[string]PermissionFlags, error) {
	if user.IsAdmin {
		return adminPermissionFlags(), nil
	}
	perms, err := h.permService.GetUserPermissions(ctx.UserContext(), user.ID)
	if err != nil {
		return nil, err
	}
	return permissionFlags(perms), nil
}

func (h *AuthHandler) GetStatus(ctx *fiber.Ctx) error {
	user := authn.CurrentUser(ctx)
	method := authn.CurrentMethod(ctx)
	perms, err := h.permissionsOf(ctx, user)
	if err != nil {
		return err
	}

	session := sessions.Get(ctx)
	resp := authStatusResponse{
		Authenticated:     method != authn.MethodAnonymous,
		AuthMethod:        method,
		User:              user,
		Permissions:       perms,
		MFAPending:        session.IsMFAPending(),
		OIDCEnabled:       h.oidcClient != nil,
		LocalAuthDisabled: h.disableLocalAuth,
	}
	if session.IsLoggedIn() || session.IsMFAPending() {
		resp.CSRFToken = csrf.Get(session).Token
	}
	return ctx.JSON(NewDataResponse(resp))
}

func (h *AuthHandler) GetCheckDefaultPassword(ctx *fiber.Ctx) error {
	isDefault, err := h.userService.IsDefaultAdminPassword(ctx.UserContext())
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"isDefaultPassword": isDefault}))
}

// startSession replaces the caller's session with a fresh one bound to user.
func (h *AuthHandler) startSession(session *sessions.Session, user *model.User) (string, error) {
	if err := session.Reset(newSessionData(user)); err != nil {
		return "", err
	}
	return csrf.Get(session).Token, nil
}

func (h *AuthHandler) completeLogin(ctx *fiber.Ctx, session *sessions.Session, user *model.User) error {
	if err := h.userService.RecordLogin(ctx.UserContext(), user, string(model.AuthProviderLocal)); err != nil {
		return err
	}
	token, err := h.startSession(session, user)
	if err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(loginResponse{User: user, CSRFToken: token}))
}

func (h *AuthHandler) PostLogin(ctx *fiber.Ctx) error {
	if h.disableLocalAuth {
		return fiber.NewError(fiber.StatusForbidden, MsgLocalAuthDisabled)
	}
	var req loginRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if req.Username == "" || req.Password == "" {
		return fiber.NewError(fiber.StatusBadRequest, "Username and password are required")
	}

	user, err := h.userService.Authenticate(ctx.UserContext(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		return apiError(err)
	}

	session := sessions.Get(ctx)
	if user.MFAEnabled {
		pending := sessions.SessionData{MFAPendingUserID: user.ID, MFAPendingAt: time.Now()}
		if err := session.Reset(pending); err != nil {
			return err
		}
		return ctx.JSON(NewDataResponse(loginResponse{RequireMFA: true, CSRFToken: csrf.Get(session).Token}))
	}
	return h.completeLogin(ctx, session, user)
}

func (h *AuthHandler) PostVerifyMFA(ctx *fiber.Ctx) error {
	session := sessions.Get(ctx)
	if !session.IsMFAPending() || time.Since(session.MFAPendingAt) > params.MFAPendingExpiration {
		return fiber.NewError(fiber.StatusUnauthorized, MsgNoPendingMFA)
	}
	var req mfaCodeRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	if req.Code == "" && req.BackupCode == "" {
		return fiber.NewError(fiber.StatusBadRequest, "A verification code or backup code is required")
	}

	user, err := h.userService.GetUserByID(ctx.UserContext(), session.MFAPendingUserID)
	if err != nil || !user.IsActive {
		if err := session.Destroy(); err != nil {
			slog.Error("Could not destroy session", "error", err)
		}
		return fiber.NewError(fiber.StatusUnauthorized, MsgNoPendingMFA)
	}
	if err := h.twoFactorService.VerifyLogin(ctx.UserContext(), user.ID, req.Code, req.BackupCode); err != nil {
		return apiError(err)
	}
	return h.completeLogin(ctx, session, user)
}

func (h *AuthHandler) PostLogout(ctx *fiber.Ctx) error {
	session := sessions.Get(ctx)
	if session.IsLoggedIn() {
		userID := session.UserID
		h.auditService.Log(ctx.UserContext(), audit.Event{UserID: &userID, Action: audit.ActionLogout, Resource: "auth"})
	}
	if err := session.Destroy(); err != nil {
		return err
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"success": true}))
}

func (h *AuthHandler) PostChangePassword(ctx *fiber.Ctx) error {
	var req changePasswordRequest
	if err := parseBody(ctx, &req); err != nil {
		return err
	}
	user := authn.CurrentUser(ctx)
	if err := h.userService.ChangePassword(ctx.UserContext(), user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		return apiError(err)
	}
	return ctx.JSON(NewDataResponse(fiber.Map{"success": true}))
}

func (h *AuthHandler) GetOIDCLogin(ctx *fiber.Ctx) error {
	if h.oidcClient == nil {
		return fiber.NewError(fiber.StatusNotFound, MsgOIDCDisabled)
	}
	req, authURL, err := h.oidcClient.BeginLogin()
	if err != nil {
		return err
	}
	session := sessions.Get(ctx)
	session.OIDCState = req.State
	session.OIDCNonce = req.Nonce
	session.OIDCCodeVerifier = req.CodeVerifier
	session.OIDCStartedAt = time.Now()
	session.Save()
	return ctx.JSON(NewDataResponse(fiber.Map{"authUrl": authURL}))
}

func (h *AuthHandler) redirectURL(errorCode string) string {
	target := strings.TrimRight(h.baseURL, "/") + "/"
	if errorCode != "" {
		target += "?" + url.Values{"error": {errorCode}}.Encode()
	}
	return target
}

func oidcErrorCode(err error) string {
	switch {
	case errors.Is(err, oidc.ErrAutoCreateDisabled):
		return "oidc_no_account"
	case errors.Is(err, oidc.ErrUserInactive):
		return "account_disabled"
	default:
		return "oidc_failed"
	}
}

// GetOIDCCallback completes the login started by GetOIDCLogin and sends the
// browser back to the dashboard.
func (h *AuthHandler) GetOIDCCallback(ctx *fiber.Ctx) error {
	if h.oidcClient == nil {
		return fiber.NewError(fiber.StatusNotFound, MsgOIDCDisabled)
	}
	session := sessions.Get(ctx)
	var loginReq oidc.LoginRequest
	if session.HasOIDCLogin() {
		loginReq = oidc.LoginRequest{
			State:        session.OIDCState,
			Nonce:        session.OIDCNonce,
			CodeVerifier: session.OIDCCodeVerifier,
		}
	}
	session.ClearOIDCLogin()
	session.Save()

	result, err := h.oidcClient.CompleteLogin(ctx.UserContext(), oidc.CallbackParams{
		Code:             ctx.Query("code"),
		State:            ctx.Query("state"),
		Error:            ctx.Query("error"),
		ErrorDescription: ctx.Query("error_description"),
	}, loginReq)
	if err != nil {
		slog.Warn("OIDC login failed", "error", err)
		return ctx.Redirect(h.redirectURL(oidcErrorCode(err)))
	}
	if _, err := h.startSession(session, result.User); err != nil {
		return err
	}
	return ctx.Redirect(h.redirectURL(""))
}

func NewAuthHandler(userService UserService, twoFactorService TwoFactorService, permService PermissionService, auditService AuditService, oidcClient OIDCClient, disableLocalAuth bool, baseURL string) *AuthHandler {
	return &AuthHandler{
		userService:      userService,
		twoFactorService: twoFactorService,
		permService:      permService,
		auditService:     auditService,
		oidcClient:       oidcClient,
		disableLocalAuth: disableLocalAuth,
		baseURL:          baseURL,
	}
}
