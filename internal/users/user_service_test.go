package users

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

type testEnv struct {
	db    *gorm.DB
	svc   *UserService
	audit *audit.Logger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(database.Config{
		Driver: database.DriverSQLite,
		Dsn:    fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name()),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	logger := audit.NewLogger(audit.NewAuditRepository(db))
	svc := NewUserService(db, NewUserRepository(db), permissions.NewPermissionRepository(db), NewPasswordHasher(bcrypt.MinCost), logger)
	return &testEnv{db: db, svc: svc, audit: logger}
}

func (e *testEnv) countRows(t *testing.T, m any, query string, args ...any) int64 {
	t.Helper()
	var count int64
	if err := e.db.Model(m).Where(query, args...).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return count
}

func (e *testEnv) countAudit(t *testing.T, action string) int64 {
	t.Helper()
	return e.countRows(t, &model.AuditLogEntry{}, "action = ?", action)
}

func (e *testEnv) mustCreate(t *testing.T, username string, password string) *model.User {
	t.Helper()
	user, err := e.svc.CreateUser(context.Background(), CreateUserOptions{Username: username, Password: password})
	if err != nil {
		t.Fatalf("create %s: %v", username, err)
	}
	return user
}

func TestPasswordHasherRoundTrip(t *testing.T) {
	hasher := NewPasswordHasher(bcrypt.MinCost)
	hash, err := hasher.Hash("password123")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !hasher.Verify("password123", hash) {
		t.Fatalf("expected password to verify")
	}
	if hasher.Verify("password124", hash) {
		t.Fatalf("expected wrong password to fail")
	}
	if NewPasswordHasher(0).Cost() != bcrypt.DefaultCost {
		t.Fatalf("expected default cost")
	}
	if NewPasswordHasher(100).Cost() != bcrypt.MaxCost {
		t.Fatalf("expected cost clamped to max")
	}
}

func TestAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	alice := env.mustCreate(t, "alice", "password123")

	user, err := env.svc.Authenticate(ctx, "alice", "password123")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.ID != alice.ID {
		t.Fatalf("unexpected user %d", user.ID)
	}

	if _, err := env.svc.Authenticate(ctx, "alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, "bob", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown user, got %v", err)
	}
	if got := env.countAudit(t, audit.ActionLoginFailed); got != 2 {
		t.Fatalf("expected 2 login_failed entries, got %d", got)
	}

	inactive := false
	if _, err := env.svc.UpdateUser(ctx, alice.ID, UpdateUserOptions{IsActive: &inactive}, nil); err != nil {
		t.Fatalf("update: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, "alice", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("inactive user must not authenticate, got %v", err)
	}
}

func TestAnonymousCannotAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.svc.EnsureDefaultUsers(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, params.AnonymousUsername, ""); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestCreateUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.CreateUser(ctx, CreateUserOptions{Username: "carol", Password: "short"})
	if !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if n := env.countRows(t, &model.User{}, "username = ?", "carol"); n != 0 {
		t.Fatalf("weak password must not insert a row, found %d", n)
	}

	admin := env.mustCreate(t, "root", "password123")
	user, err := env.svc.CreateUser(ctx, CreateUserOptions{Username: "carol", Password: "password123", CreatedBy: &admin.ID})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := user.Validate(); err != nil {
		t.Fatalf("credential invariant violated: %v", err)
	}
	if user.CreatedBy == nil || *user.CreatedBy != admin.ID {
		t.Fatalf("createdBy not recorded")
	}
	if n := env.countRows(t, &model.Permission{}, "user_id = ?", user.ID); n != int64(len(permissions.AllResources)) {
		t.Fatalf("expected default permissions, got %d rows", n)
	}

	_, err = env.svc.CreateUser(ctx, CreateUserOptions{Username: "carol", Password: "password123"})
	if !errors.Is(err, ErrDuplicateUsername) {
		t.Fatalf("expected ErrDuplicateUsername, got %v", err)
	}
	_, err = env.svc.CreateUser(ctx, CreateUserOptions{Username: "bad name", Password: "password123"})
	if !errors.Is(err, ErrInvalidUsername) {
		t.Fatalf("expected ErrInvalidUsername, got %v", err)
	}
	if got := env.countAudit(t, audit.ActionUserCreated); got != 2 {
		t.Fatalf("expected 2 user_created entries, got %d", got)
	}
}

func TestChangePassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.mustCreate(t, "dave", "password123")

	if err := env.svc.ChangePassword(ctx, user.ID, "nope", "newpassword1"); !errors.Is(err, ErrWrongCurrentPassword) {
		t.Fatalf("expected ErrWrongCurrentPassword, got %v", err)
	}
	if err := env.svc.ChangePassword(ctx, user.ID, "password123", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := env.svc.ChangePassword(ctx, user.ID, "password123", "newpassword1"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, "dave", "newpassword1"); err != nil {
		t.Fatalf("new password rejected: %v", err)
	}
	if got := env.countAudit(t, audit.ActionPasswordChanged); got != 1 {
		t.Fatalf("expected 1 password_changed entry, got %d", got)
	}

	locked := true
	env.svc.UpdateUser(ctx, user.ID, UpdateUserOptions{PasswordLocked: &locked}, nil)
	if err := env.svc.ChangePassword(ctx, user.ID, "newpassword1", "another-pass"); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked, got %v", err)
	}
}

func TestChangePasswordOIDCUser(t *testing.T) {
	env := newTestEnv(t)
	user, err := env.svc.CreateOIDCUser(context.Background(), OIDCProfile{Subject: "sub-1", Username: "erin"})
	if err != nil {
		t.Fatalf("create oidc user: %v", err)
	}
	err = env.svc.ChangePassword(context.Background(), user.ID, "", "password123")
	if !errors.Is(err, ErrNotLocalProvider) {
		t.Fatalf("expected ErrNotLocalProvider, got %v", err)
	}
	if _, err := env.svc.ResetPassword(context.Background(), user.ID, nil); !errors.Is(err, ErrNotLocalProvider) {
		t.Fatalf("expected ErrNotLocalProvider, got %v", err)
	}
}

func TestResetPasswordLocked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.mustCreate(t, "frank", "password123")
	locked := true
	if _, err := env.svc.UpdateUser(ctx, user.ID, UpdateUserOptions{PasswordLocked: &locked}, nil); err != nil {
		t.Fatalf("lock: %v", err)
	}
	before, _ := env.svc.GetUserByID(ctx, user.ID)

	if _, err := env.svc.ResetPassword(ctx, user.ID, nil); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked, got %v", err)
	}
	if err := env.svc.SetPassword(ctx, user.ID, "password456", nil); !errors.Is(err, ErrPasswordLocked) {
		t.Fatalf("expected ErrPasswordLocked, got %v", err)
	}
	after, _ := env.svc.GetUserByID(ctx, user.ID)
	if *after.PasswordHash != *before.PasswordHash {
		t.Fatalf("password hash changed on a locked account")
	}
}

func TestResetAndSetPassword(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.mustCreate(t, "gina", "password123")

	password, err := env.svc.ResetPassword(ctx, user.ID, nil)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(password) != params.GeneratedPasswordLength {
		t.Fatalf("unexpected generated password length %d", len(password))
	}
	if _, err := env.svc.Authenticate(ctx, "gina", password); err != nil {
		t.Fatalf("generated password rejected: %v", err)
	}
	if err := env.svc.SetPassword(ctx, user.ID, "short", nil); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
	if err := env.svc.SetPassword(ctx, user.ID, "chosen-pass", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, "gina", "chosen-pass"); err != nil {
		t.Fatalf("chosen password rejected: %v", err)
	}
	if got := env.countAudit(t, audit.ActionPasswordReset); got != 2 {
		t.Fatalf("expected 2 password_reset entries, got %d", got)
	}
}

func TestDeleteUserCascades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.mustCreate(t, "henry", "password123")
	token := &model.APIToken{UserID: user.ID, TokenHash: "x", Prefix: "mm_v1_abcdef", IsActive: true, CreatedBy: user.ID}
	if err := env.db.Create(token).Error; err != nil {
		t.Fatalf("create token: %v", err)
	}

	if err := env.svc.DeleteUser(ctx, user.ID, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.GetUserByID(ctx, user.ID); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user gone, got %v", err)
	}
	if n := env.countRows(t, &model.Permission{}, "user_id = ?", user.ID); n != 0 {
		t.Fatalf("permissions left behind: %d", n)
	}
	if n := env.countRows(t, &model.APIToken{}, "user_id = ?", user.ID); n != 0 {
		t.Fatalf("tokens left behind: %d", n)
	}
	if err := env.svc.DeleteUser(ctx, user.ID, nil); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestDeactivateUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.mustCreate(t, "iris", "password123")
	if err := env.svc.DeactivateUser(ctx, user.ID, nil); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, _ := env.svc.GetUserByID(ctx, user.ID)
	if got.IsActive {
		t.Fatalf("expected inactive user")
	}
	if err := env.svc.DeactivateUser(ctx, 9999, nil); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestEnsureDefaultUsers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.svc.EnsureDefaultUsers(ctx); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// idempotent
	if err := env.svc.EnsureDefaultUsers(ctx); err != nil {
		t.Fatalf("ensure again: %v", err)
	}

	admin, err := env.svc.GetUserByUsername(ctx, params.DefaultAdminUsername)
	if err != nil || !admin.IsAdmin {
		t.Fatalf("expected bootstrap admin: %+v, %v", admin, err)
	}
	isDefault, err := env.svc.IsDefaultAdminPassword(ctx)
	if err != nil || !isDefault {
		t.Fatalf("expected default admin password, got %v, %v", isDefault, err)
	}

	anonymous, err := env.svc.GetAnonymousUser(ctx)
	if err != nil {
		t.Fatalf("anonymous: %v", err)
	}
	if anonymous.IsAdmin || !anonymous.IsActive {
		t.Fatalf("unexpected anonymous user %+v", anonymous)
	}
	if n := env.countRows(t, &model.User{}, "1 = 1"); n != 2 {
		t.Fatalf("expected 2 users, got %d", n)
	}
	if err := env.svc.DeleteUser(ctx, anonymous.ID, nil); !errors.Is(err, ErrReservedUser) {
		t.Fatalf("expected ErrReservedUser, got %v", err)
	}
	isAdmin := true
	if _, err := env.svc.UpdateUser(ctx, anonymous.ID, UpdateUserOptions{IsAdmin: &isAdmin}, nil); !errors.Is(err, ErrReservedUser) {
		t.Fatalf("expected ErrReservedUser, got %v", err)
	}

	if err := env.svc.ChangePassword(ctx, admin.ID, params.DefaultAdminPassword, "a-better-password"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if isDefault, _ := env.svc.IsDefaultAdminPassword(ctx); isDefault {
		t.Fatalf("expected non-default admin password")
	}
}

func TestRecoverAdmin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	password, err := env.svc.RecoverAdmin(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, params.DefaultAdminUsername, password); err != nil {
		t.Fatalf("recovered password rejected: %v", err)
	}
	password2, err := env.svc.RecoverAdmin(ctx)
	if err != nil {
		t.Fatalf("recover again: %v", err)
	}
	if _, err := env.svc.Authenticate(ctx, params.DefaultAdminUsername, password2); err != nil {
		t.Fatalf("second recovered password rejected: %v", err)
	}
}

func TestMigrateToOIDC(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user, err := env.svc.CreateUser(ctx, CreateUserOptions{Username: "jane", Password: "password123", Email: "jane@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := env.svc.FindLocalUserForMigration(ctx, "someone-else", "jane@example.com")
	if err != nil || found.ID != user.ID {
		t.Fatalf("expected match by email: %+v, %v", found, err)
	}

	migrated, err := env.svc.MigrateToOIDC(ctx, user.ID, OIDCProfile{Subject: "sub-jane", DisplayName: "Jane"})
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := migrated.Validate(); err != nil {
		t.Fatalf("credential invariant violated: %v", err)
	}
	stored, _ := env.svc.GetUserByOIDCSubject(ctx, "sub-jane")
	if stored.ID != user.ID || stored.PasswordHash != nil || stored.AuthProvider != model.AuthProviderOIDC {
		t.Fatalf("unexpected migrated row %+v", stored)
	}
	if _, err := env.svc.Authenticate(ctx, "jane", "password123"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("migrated user must not log in locally, got %v", err)
	}
	if n := env.countRows(t, &model.Permission{}, "user_id = ?", user.ID); n == 0 {
		t.Fatalf("permissions must survive migration")
	}
	if _, err := env.svc.MigrateToOIDC(ctx, user.ID, OIDCProfile{Subject: "other"}); !errors.Is(err, ErrNotLocalProvider) {
		t.Fatalf("expected ErrNotLocalProvider, got %v", err)
	}
}

func TestCredentialInvariantEnforcedOnSave(t *testing.T) {
	env := newTestEnv(t)
	user := env.mustCreate(t, "kate", "password123")
	subject := "sub"
	user.OIDCSubject = &subject
	if err := env.db.Save(user).Error; !errors.Is(err, model.ErrLocalUserWithoutPassword) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
}
