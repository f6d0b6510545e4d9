package users

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/khanghh/meshauth/internal/audit"
	"github.com/khanghh/meshauth/internal/common"
	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/internal/permissions"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"gorm.io/gorm"
)

var usernameRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)

type CreateUserOptions struct {
	Username    string
	Password    string
	Email       string
	DisplayName string
	IsAdmin     bool
	CreatedBy   *uint
}

type UpdateUserOptions struct {
	Email          *string `json:"email"`
	DisplayName    *string `json:"displayName"`
	IsAdmin        *bool   `json:"isAdmin"`
	IsActive       *bool   `json:"isActive"`
	PasswordLocked *bool   `json:"passwordLocked"`
}

type UserService struct {
	db        *gorm.DB
	userRepo  UserRepository
	permRepo  permissions.PermissionRepository
	hasher    *PasswordHasher
	audit     *audit.Logger
	dummyOnce sync.Once
	dummyHash string
}

func ValidateUsername(username string) error {
	if !usernameRegexp.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}

// dummy returns a hash compared against when the user cannot log in, so the
// response time does not reveal whether the username exists.
func (s *UserService) dummy() string {
	s.dummyOnce.Do(func() {
		secret, _ := common.RandomString(params.GeneratedPasswordLength, passwordAlphabet)
		s.dummyHash, _ = s.hasher.Hash(secret)
	})
	return s.dummyHash
}

func (s *UserService) lookup(ctx context.Context, query string, args ...any) (*model.User, error) {
	user, err := s.userRepo.First(ctx, query, args...)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	return user, err
}

func (s *UserService) GetUserByID(ctx context.Context, userID uint) (*model.User, error) {
	return s.lookup(ctx, "id = ?", userID)
}

func (s *UserService) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	return s.lookup(ctx, "username = ?", username)
}

func (s *UserService) GetAnonymousUser(ctx context.Context) (*model.User, error) {
	return s.GetUserByUsername(ctx, params.AnonymousUsername)
}

func (s *UserService) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.userRepo.Find(ctx)
}

func (s *UserService) auditLoginFailed(ctx context.Context, username string, reason string) {
	s.audit.Log(ctx, audit.Event{
		Action:  audit.ActionLoginFailed,
		Details: map[string]any{"username": username, "reason": reason},
	})
}

// Authenticate verifies a local username and password. Every failure is
// reported as ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, username string, password string) (*model.User, error) {
	user, err := s.userRepo.First(ctx, "username = ?", username)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var reason string
	switch {
	case user == nil:
		reason = "unknown user"
	case user.Username == params.AnonymousUsername:
		reason = "reserved user"
	case !user.IsActive:
		reason = "inactive user"
	case !user.IsLocal() || user.PasswordHash == nil:
		reason = "not a local user"
	}
	if reason != "" {
		s.hasher.Verify(password, s.dummy())
		s.auditLoginFailed(ctx, username, reason)
		return nil, ErrInvalidCredentials
	}

	if !s.hasher.Verify(password, *user.PasswordHash) {
		s.auditLoginFailed(ctx, username, "wrong password")
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// RecordLogin stamps a completed login, after any mfa gate.
func (s *UserService) RecordLogin(ctx context.Context, user *model.User, method string) error {
	now := time.Now()
	if _, err := s.userRepo.Updates(ctx, user.ID, map[string]any{"last_login_at": now}); err != nil {
		return err
	}
	user.LastLoginAt = &now
	s.audit.LogUser(ctx, user.ID, audit.ActionLoginSuccess, "", map[string]any{"method": method})
	return nil
}

// insertUser creates user and its default grants in one transaction.
func (s *UserService) insertUser(ctx context.Context, user *model.User) error {
	err := database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		if err := s.userRepo.WithTx(tx).Create(ctx, user); err != nil {
			return err
		}
		perms := permissions.NewPermissionService(s.permRepo.WithTx(tx), s.audit)
		return perms.GrantDefaultPermissions(ctx, user.ID, user.IsAdmin, user.CreatedBy)
	})
	if database.IsDuplicateKey(err) {
		return ErrDuplicateUsername
	}
	return err
}

func (s *UserService) CreateUser(ctx context.Context, opts CreateUserOptions) (*model.User, error) {
	opts.Username = strings.TrimSpace(opts.Username)
	if err := ValidateUsername(opts.Username); err != nil {
		return nil, err
	}
	if err := validatePassword(opts.Password); err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(opts.Password)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		Username:     opts.Username,
		PasswordHash: &hash,
		AuthProvider: model.AuthProviderLocal,
		Email:        strings.TrimSpace(opts.Email),
		DisplayName:  strings.TrimSpace(opts.DisplayName),
		IsAdmin:      opts.IsAdmin,
		IsActive:     true,
		CreatedBy:    opts.CreatedBy,
	}
	if err := s.insertUser(ctx, user); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   opts.CreatedBy,
		Action:   audit.ActionUserCreated,
		Resource: "user",
		Details:  map[string]any{"targetUserId": user.ID, "username": user.Username, "isAdmin": user.IsAdmin},
	})
	return user, nil
}

func (s *UserService) ChangePassword(ctx context.Context, userID uint, currentPassword string, newPassword string) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsLocal() || user.PasswordHash == nil {
		return ErrNotLocalProvider
	}
	if user.PasswordLocked {
		return ErrPasswordLocked
	}
	if !s.hasher.Verify(currentPassword, *user.PasswordHash) {
		return ErrWrongCurrentPassword
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	user.PasswordHash = &hash
	if err := s.userRepo.Save(ctx, user); err != nil {
		return err
	}
	s.audit.LogUser(ctx, userID, audit.ActionPasswordChanged, "user", nil)
	return nil
}

func (s *UserService) setPassword(ctx context.Context, userID uint, password string) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordLocked {
		return ErrPasswordLocked
	}
	if !user.IsLocal() {
		return ErrNotLocalProvider
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return err
	}
	user.PasswordHash = &hash
	return s.userRepo.Save(ctx, user)
}

// ResetPassword replaces the password of userID with a generated one and
// returns it.
func (s *UserService) ResetPassword(ctx context.Context, userID uint, actorID *uint) (string, error) {
	password, err := generatePassword()
	if err != nil {
		return "", err
	}
	if err := s.setPassword(ctx, userID, password); err != nil {
		return "", err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   actorID,
		Action:   audit.ActionPasswordReset,
		Resource: "user",
		Details:  map[string]any{"targetUserId": userID, "generated": true},
	})
	return password, nil
}

func (s *UserService) SetPassword(ctx context.Context, userID uint, password string, actorID *uint) error {
	if err := validatePassword(password); err != nil {
		return err
	}
	if err := s.setPassword(ctx, userID, password); err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   actorID,
		Action:   audit.ActionPasswordReset,
		Resource: "user",
		Details:  map[string]any{"targetUserId": userID, "generated": false},
	})
	return nil
}

func (s *UserService) UpdateUser(ctx context.Context, userID uint, opts UpdateUserOptions, actorID *uint) (*model.User, error) {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Username == params.AnonymousUsername && opts.IsAdmin != nil && *opts.IsAdmin {
		return nil, ErrReservedUser
	}

	columns := map[string]any{}
	if opts.Email != nil {
		columns["email"] = strings.TrimSpace(*opts.Email)
	}
	if opts.DisplayName != nil {
		columns["display_name"] = strings.TrimSpace(*opts.DisplayName)
	}
	if opts.IsAdmin != nil {
		columns["is_admin"] = *opts.IsAdmin
	}
	if opts.IsActive != nil {
		columns["is_active"] = *opts.IsActive
	}
	if opts.PasswordLocked != nil {
		columns["password_locked"] = *opts.PasswordLocked
	}
	if len(columns) == 0 {
		return user, nil
	}
	if _, err := s.userRepo.Updates(ctx, userID, columns); err != nil {
		return nil, err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   actorID,
		Action:   audit.ActionUserUpdated,
		Resource: "user",
		Details:  map[string]any{"targetUserId": userID, "changes": columns},
	})
	return s.GetUserByID(ctx, userID)
}

// DeactivateUser is the soft delete, the row and its history are kept.
func (s *UserService) DeactivateUser(ctx context.Context, userID uint, actorID *uint) error {
	affected, err := s.userRepo.Updates(ctx, userID, map[string]any{"is_active": false})
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrUserNotFound
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   actorID,
		Action:   audit.ActionUserDeactivated,
		Resource: "user",
		Details:  map[string]any{"targetUserId": userID},
	})
	return nil
}

// DeleteUser permanently removes the user with its grants and api tokens.
// Sessions of the user are discarded when next presented.
func (s *UserService) DeleteUser(ctx context.Context, userID uint, actorID *uint) error {
	user, err := s.GetUserByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.Username == params.AnonymousUsername {
		return ErrReservedUser
	}
	err = database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		deleted, err := s.userRepo.WithTx(tx).Delete(ctx, userID)
		if err != nil {
			return err
		}
		if deleted == 0 {
			return ErrUserNotFound
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.audit.Log(ctx, audit.Event{
		UserID:   actorID,
		Action:   audit.ActionUserDeleted,
		Resource: "user",
		Details:  map[string]any{"targetUserId": userID, "username": user.Username},
	})
	return nil
}

// EnsureDefaultUsers creates the bootstrap admin when there is no active
// admin and the reserved anonymous user when it is missing.
func (s *UserService) EnsureDefaultUsers(ctx context.Context) error {
	admins, err := s.userRepo.CountAdmins(ctx)
	if err != nil {
		return err
	}
	if admins == 0 {
		_, err := s.GetUserByUsername(ctx, params.DefaultAdminUsername)
		switch {
		case errors.Is(err, ErrUserNotFound):
			if _, err := s.CreateUser(ctx, CreateUserOptions{
				Username:    params.DefaultAdminUsername,
				Password:    params.DefaultAdminPassword,
				DisplayName: "Administrator",
				IsAdmin:     true,
			}); err != nil {
				return err
			}
			slog.Warn("Created default admin user, change its password", "username", params.DefaultAdminUsername)
		case err != nil:
			return err
		default:
			slog.Warn("No active admin user exists", "username", params.DefaultAdminUsername)
		}
	}

	_, err = s.GetAnonymousUser(ctx)
	if !errors.Is(err, ErrUserNotFound) {
		return err
	}
	// the anonymous user gets an unguessable hash, Authenticate rejects it anyway
	secret, err := common.RandomString(32, passwordAlphabet)
	if err != nil {
		return err
	}
	hash, err := s.hasher.Hash(secret)
	if err != nil {
		return err
	}
	anonymous := &model.User{
		Username:       params.AnonymousUsername,
		PasswordHash:   &hash,
		AuthProvider:   model.AuthProviderLocal,
		DisplayName:    "Anonymous",
		IsActive:       true,
		PasswordLocked: true,
	}
	if err := s.insertUser(ctx, anonymous); err != nil && !errors.Is(err, ErrDuplicateUsername) {
		return err
	}
	slog.Info("Created anonymous user", "username", params.AnonymousUsername)
	return nil
}

// IsDefaultAdminPassword reports whether the bootstrap admin still uses the
// bootstrap password.
func (s *UserService) IsDefaultAdminPassword(ctx context.Context) (bool, error) {
	user, err := s.GetUserByUsername(ctx, params.DefaultAdminUsername)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !user.IsActive || !user.IsLocal() || user.PasswordHash == nil {
		return false, nil
	}
	return s.hasher.Verify(params.DefaultAdminPassword, *user.PasswordHash), nil
}

// RecoverAdmin sets a generated password on the bootstrap admin, creating it
// if needed, and makes sure it is an active unlocked admin.
func (s *UserService) RecoverAdmin(ctx context.Context) (string, error) {
	password, err := generatePassword()
	if err != nil {
		return "", err
	}
	user, err := s.GetUserByUsername(ctx, params.DefaultAdminUsername)
	if errors.Is(err, ErrUserNotFound) {
		_, err = s.CreateUser(ctx, CreateUserOptions{
			Username: params.DefaultAdminUsername,
			Password: password,
			IsAdmin:  true,
		})
		return password, err
	}
	if err != nil {
		return "", err
	}
	if !user.IsLocal() {
		return "", ErrNotLocalProvider
	}
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return "", err
	}
	user.PasswordHash = &hash
	user.IsAdmin = true
	user.IsActive = true
	user.PasswordLocked = false
	if err := s.userRepo.Save(ctx, user); err != nil {
		return "", err
	}
	s.audit.LogUser(ctx, user.ID, audit.ActionPasswordReset, "user", map[string]any{"targetUserId": user.ID, "recovery": true})
	return password, nil
}

func NewUserService(db *gorm.DB, userRepo UserRepository, permRepo permissions.PermissionRepository, hasher *PasswordHasher, auditLogger *audit.Logger) *UserService {
	return &UserService{
		db:       db,
		userRepo: userRepo,
		permRepo: permRepo,
		hasher:   hasher,
		audit:    auditLogger,
	}
}
