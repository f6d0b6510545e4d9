package model

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

type AuthProvider string

const (
	AuthProviderLocal AuthProvider = "local"
	AuthProviderOIDC  AuthProvider = "oidc"
)

var (
	ErrLocalUserWithoutPassword = errors.New("local user must have a password hash and no oidc subject")
	ErrOIDCUserWithoutSubject   = errors.New("oidc user must have an oidc subject and no password hash")
	ErrUnknownAuthProvider      = errors.New("unknown auth provider")
)

// User stores an identity. Exactly one of PasswordHash and OIDCSubject is set,
// matching AuthProvider.
type User struct {
	ID             uint         `gorm:"primarykey"                              json:"id"`
	Username       string       `gorm:"uniqueIndex;size:64;not null"            json:"username"`
	PasswordHash   *string      `gorm:"size:72"                                 json:"-"`
	AuthProvider   AuthProvider `gorm:"size:16;not null;default:local"          json:"authProvider"`
	OIDCSubject    *string      `gorm:"column:oidc_subject;uniqueIndex;size:255" json:"-"`
	Email          string       `gorm:"size:256;index;not null;default:''"      json:"email,omitempty"`
	DisplayName    string       `gorm:"size:128;not null;default:''"            json:"displayName,omitempty"`
	IsAdmin        bool         `gorm:"not null;default:false"                  json:"isAdmin"`
	IsActive       bool         `gorm:"not null;default:true"                   json:"isActive"`
	PasswordLocked bool         `gorm:"not null;default:false"                  json:"passwordLocked"`
	MFAEnabled     bool         `gorm:"column:mfa_enabled;not null;default:false" json:"mfaEnabled"`
	MFASecret      *string      `gorm:"column:mfa_secret;size:128"              json:"-"`
	MFABackupCodes *string      `gorm:"column:mfa_backup_codes;type:text"       json:"-"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastLoginAt    *time.Time   `json:"lastLoginAt,omitempty"`
	CreatedBy      *uint        `json:"createdBy,omitempty"`
}

func (u *User) IsLocal() bool {
	return u.AuthProvider == AuthProviderLocal
}

// Validate checks the credential invariant of the row.
func (u *User) Validate() error {
	switch u.AuthProvider {
	case AuthProviderLocal:
		if u.PasswordHash == nil || u.OIDCSubject != nil {
			return ErrLocalUserWithoutPassword
		}
	case AuthProviderOIDC:
		if u.OIDCSubject == nil || u.PasswordHash != nil {
			return ErrOIDCUserWithoutSubject
		}
	default:
		return ErrUnknownAuthProvider
	}
	return nil
}

func (u *User) BeforeSave(tx *gorm.DB) error {
	return u.Validate()
}
