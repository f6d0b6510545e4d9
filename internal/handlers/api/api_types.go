package api

import (
	"encoding/json"
	"time"

	"github.com/khanghh/meshauth/internal/apitokens"
	"github.com/khanghh/meshauth/internal/middlewares/authn"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
)

type APIResponse struct {
	APIVersion string        `json:"apiVersion"`
	Data       any           `json:"data,omitempty"`
	Error      *APIErrorInfo `json:"error,omitempty"`
}

type APIErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func NewDataResponse(data any) APIResponse {
	return APIResponse{APIVersion: params.APIVersion, Data: data}
}

func NewErrorResponse(code int, message string) APIResponse {
	return APIResponse{
		APIVersion: params.APIVersion,
		Error:      &APIErrorInfo{Code: code, Message: message},
	}
}

type PermissionFlags struct {
	Read      bool `json:"read"`
	Write     bool `json:"write"`
	ViewOnMap bool `json:"viewOnMap,omitempty"`
}

type authStatusResponse struct {
	Authenticated     bool                       `json:"authenticated"`
	AuthMethod        authn.Method               `json:"authMethod"`
	User              *model.User                `json:"user"`
	Permissions       map[string]PermissionFlags `json:"permissions"`
	CSRFToken         string                     `json:"csrfToken,omitempty"`
	MFAPending        bool                       `json:"mfaPending"`
	OIDCEnabled       bool                       `json:"oidcEnabled"`
	LocalAuthDisabled bool                       `json:"localAuthDisabled"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	RequireMFA bool        `json:"requireMfa,omitempty"`
	User       *model.User `json:"user,omitempty"`
	CSRFToken  string      `json:"csrfToken"`
}

type mfaCodeRequest struct {
	Code       string `json:"code"`
	BackupCode string `json:"backupCode"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type setPasswordRequest struct {
	Password string `json:"password"`
}

type createUserRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	IsAdmin     bool   `json:"isAdmin"`
}

type tokenResponse struct {
	Token string               `json:"token,omitempty"`
	Info  *apitokens.TokenInfo `json:"info"`
}

type auditEntryResponse struct {
	ID        uint64          `json:"id,string"`
	UserID    *uint           `json:"userId,omitempty"`
	Action    string          `json:"action"`
	Resource  string          `json:"resource,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	IPAddress string          `json:"ipAddress,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

type auditQueryResponse struct {
	Entries []auditEntryResponse `json:"entries"`
	Total   int64                `json:"total"`
}
