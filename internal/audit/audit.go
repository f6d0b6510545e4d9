package audit

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
)

const (
	ActionLoginSuccess              = "login_success"
	ActionLoginFailed               = "login_failed"
	ActionLogout                    = "logout"
	ActionPasswordChanged           = "password_changed"
	ActionPasswordReset             = "password_reset"
	ActionUserCreated               = "user_created"
	ActionUserUpdated               = "user_updated"
	ActionUserDeactivated           = "user_deactivated"
	ActionUserDeleted               = "user_deleted"
	ActionPermissionsUpdated        = "permissions_updated"
	ActionPermissionsRevoked        = "permissions_revoked"
	ActionOIDCLogin                 = "oidc_login"
	ActionOIDCUserCreated           = "oidc_user_created"
	ActionOIDCUserMigrated          = "oidc_user_migrated"
	ActionOIDCAutoCreateDenied      = "oidc_auto_create_denied"
	ActionOIDCStateMismatch         = "oidc_state_mismatch"
	ActionOIDCLoginFailed           = "oidc_login_failed"
	ActionMFASetupInitiated         = "mfa_setup_initiated"
	ActionMFAVerifyFailed           = "mfa_verify_failed"
	ActionMFAEnabled                = "mfa_enabled"
	ActionMFADisabled               = "mfa_disabled"
	ActionMFABackupCodeUsed         = "mfa_backup_code_used"
	ActionMFALoginFailed            = "mfa_login_failed"
	ActionMFABackupCodesRegenerated = "mfa_backup_codes_regenerated"
	ActionAPITokenCreated           = "api_token_created"
	ActionAPITokenRevoked           = "api_token_revoked"
	ActionAPITokenInvalid           = "api_token_invalid"
)

type clientIPKey struct{}

// WithClientIP returns a context carrying the caller address recorded with
// every entry logged under it.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, clientIPKey{}, ip)
}

func ClientIP(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

type Event struct {
	UserID   *uint
	Action   string
	Resource string
	Details  map[string]any
}

// Logger appends audit entries. Write failures are logged and never reach
// the caller.
type Logger struct {
	repo AuditRepository
}

func (l *Logger) Log(ctx context.Context, event Event) {
	entry := &model.AuditLogEntry{
		UserID:    event.UserID,
		Action:    event.Action,
		Resource:  event.Resource,
		IPAddress: ClientIP(ctx),
	}
	if len(event.Details) > 0 {
		details, err := json.Marshal(event.Details)
		if err != nil {
			slog.Error("Could not encode audit details", "action", event.Action, "error", err)
		} else {
			entry.Details = string(details)
		}
	}
	if err := l.repo.Create(context.WithoutCancel(ctx), entry); err != nil {
		slog.Error("Could not write audit log entry", "action", event.Action, "error", err)
	}
}

// LogUser is a shorthand for an event attributed to userID.
func (l *Logger) LogUser(ctx context.Context, userID uint, action string, resource string, details map[string]any) {
	l.Log(ctx, Event{UserID: &userID, Action: action, Resource: resource, Details: details})
}

func (l *Logger) Query(ctx context.Context, filter Filter) ([]model.AuditLogEntry, int64, error) {
	if filter.Limit <= 0 {
		filter.Limit = params.AuditQueryDefaultLimit
	}
	if filter.Limit > params.AuditQueryMaxLimit {
		filter.Limit = params.AuditQueryMaxLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return l.repo.Find(ctx, filter)
}

func NewLogger(repo AuditRepository) *Logger {
	return &Logger{repo: repo}
}
