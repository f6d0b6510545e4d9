package users

import "errors"

var (
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrDuplicateUsername    = errors.New("username already exists")
	ErrInvalidUsername      = errors.New("invalid username")
	ErrWeakPassword         = errors.New("password must be at least 8 characters")
	ErrPasswordTooLong      = errors.New("password must be at most 72 bytes")
	ErrPasswordLocked       = errors.New("password changes are locked for this user")
	ErrNotLocalProvider     = errors.New("user does not use local authentication")
	ErrWrongCurrentPassword = errors.New("current password is incorrect")
	ErrUserNotFound         = errors.New("user not found")
	ErrReservedUser         = errors.New("operation not allowed on a reserved user")
)
