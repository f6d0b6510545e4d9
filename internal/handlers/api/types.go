package api

import (
	"context"

	"github.com/khanghh/meshauth/internal/apitokens"
	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/oidc"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/internal/twofactor"
	"github.com/khanghh/meshauth/internal/users"
	"github.com/khanghh/meshauth/model"
)

type UserService interface {
	GetUserByID(ctx context.Context, userID uint) (*model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
	Authenticate(ctx context.Context, username string, password string) (*model.User, error)
	RecordLogin(ctx context.Context, user *model.User, method string) error
	CreateUser(ctx context.Context, opts users.CreateUserOptions) (*model.User, error)
	ChangePassword(ctx context.Context, userID uint, currentPassword string, newPassword string) error
	ResetPassword(ctx context.Context, userID uint, actorID *uint) (string, error)
	SetPassword(ctx context.Context, userID uint, password string, actorID *uint) error
	UpdateUser(ctx context.Context, userID uint, opts users.UpdateUserOptions, actorID *uint) (*model.User, error)
	DeactivateUser(ctx context.Context, userID uint, actorID *uint) error
	DeleteUser(ctx context.Context, userID uint, actorID *uint) error
	IsDefaultAdminPassword(ctx context.Context) (bool, error)
}

type TwoFactorService interface {
	Setup(ctx context.Context, userID uint) (*twofactor.SetupResult, error)
	VerifySetup(ctx context.Context, userID uint, code string) error
	Disable(ctx context.Context, userID uint, code string, backupCode string) error
	VerifyLogin(ctx context.Context, userID uint, code string, backupCode string) error
	RegenerateBackupCodes(ctx context.Context, userID uint, code string) ([]string, error)
	Status(ctx context.Context, userID uint) (*twofactor.Status, error)
	AdminDisable(ctx context.Context, userID uint, actorID *uint) error
}

type TokenService interface {
	Create(ctx context.Context, userID uint, createdBy uint) (string, *apitokens.TokenInfo, error)
	Revoke(ctx context.Context, tokenID uint, revokedBy uint) (bool, error)
	RevokeForUser(ctx context.Context, userID uint, revokedBy uint) (bool, error)
	GetActiveToken(ctx context.Context, userID uint) (*apitokens.TokenInfo, error)
}

type PermissionService interface {
	GetUserPermissions(ctx context.Context, userID uint) ([]model.Permission, error)
	UpdateUserPermissions(ctx context.Context, userID uint, sets []permissions.PermissionSet, grantedBy *uint) error
	Revoke(ctx context.Context, userID uint, resource permissions.Resource, revokedBy *uint) error
	RevokeAll(ctx context.Context, userID uint, revokedBy *uint) error
}

type AuditService interface {
	Log(ctx context.Context, event audit.Event)
	Query(ctx context.Context, filter audit.Filter) ([]model.AuditLogEntry, int64, error)
}

// OIDCClient is nil when single sign-on is not configured.
type OIDCClient interface {
	BeginLogin() (*oidc.LoginRequest, string, error)
	CompleteLogin(ctx context.Context, cb oidc.CallbackParams, req oidc.LoginRequest) (*oidc.LoginResult, error)
}
