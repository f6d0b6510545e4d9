package users

import (
	"context"
	"errors"
	"time"

	"github.com/khanghh/meshauth/internal/database"
	"github.com/khanghh/meshauth/model"
	"github.com/khanghh/meshauth/params"
	"gorm.io/gorm"
)

type OIDCProfile struct {
	Subject     string
	Username    string
	Email       string
	DisplayName string
}

func (s *UserService) GetUserByOIDCSubject(ctx context.Context, subject string) (*model.User, error) {
	return s.lookup(ctx, "oidc_subject = ?", subject)
}

func (s *UserService) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, err := s.GetUserByUsername(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		return false, nil
	}
	return err == nil, err
}

// FindLocalUserForMigration finds the local account an oidc identity takes
// over, matching by username first and by email second.
func (s *UserService) FindLocalUserForMigration(ctx context.Context, username string, email string) (*model.User, error) {
	user, err := s.lookup(ctx, "auth_provider = ? AND username = ? AND username <> ?",
		model.AuthProviderLocal, username, params.AnonymousUsername)
	if !errors.Is(err, ErrUserNotFound) || email == "" {
		return user, err
	}
	return s.lookup(ctx, "auth_provider = ? AND email = ? AND username <> ?",
		model.AuthProviderLocal, email, params.AnonymousUsername)
}

// MigrateToOIDC converts a local account to the oidc identity in place. The
// password and mfa secrets are dropped, grants and history stay with the id.
func (s *UserService) MigrateToOIDC(ctx context.Context, userID uint, profile OIDCProfile) (*model.User, error) {
	var migrated *model.User
	err := database.Transaction(ctx, s.db, func(tx *gorm.DB) error {
		userRepo := s.userRepo.WithTx(tx)
		user, err := userRepo.Lock(ctx, userID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		if !user.IsLocal() {
			return ErrNotLocalProvider
		}
		now := time.Now()
		subject := profile.Subject
		user.AuthProvider = model.AuthProviderOIDC
		user.OIDCSubject = &subject
		user.PasswordHash = nil
		user.MFAEnabled = false
		user.MFASecret = nil
		user.MFABackupCodes = nil
		user.LastLoginAt = &now
		if profile.Email != "" {
			user.Email = profile.Email
		}
		if profile.DisplayName != "" {
			user.DisplayName = profile.DisplayName
		}
		if err := userRepo.Save(ctx, user); err != nil {
			return err
		}
		migrated = user
		return nil
	})
	return migrated, err
}

// CreateOIDCUser provisions a new non-admin oidc account with the default
// grants.
func (s *UserService) CreateOIDCUser(ctx context.Context, profile OIDCProfile) (*model.User, error) {
	now := time.Now()
	subject := profile.Subject
	user := &model.User{
		Username:     profile.Username,
		AuthProvider: model.AuthProviderOIDC,
		OIDCSubject:  &subject,
		Email:        profile.Email,
		DisplayName:  profile.DisplayName,
		IsActive:     true,
		LastLoginAt:  &now,
	}
	if err := s.insertUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// UpdateOIDCProfile refreshes the profile claims of an existing oidc user and
// stamps the login.
func (s *UserService) UpdateOIDCProfile(ctx context.Context, user *model.User, profile OIDCProfile) error {
	now := time.Now()
	columns := map[string]any{"last_login_at": now}
	if profile.Email != "" {
		columns["email"] = profile.Email
		user.Email = profile.Email
	}
	if profile.DisplayName != "" {
		columns["display_name"] = profile.DisplayName
		user.DisplayName = profile.DisplayName
	}
	user.LastLoginAt = &now
	_, err := s.userRepo.Updates(ctx, user.ID, columns)
	return err
}
