package twofactor

import "errors"

var (
	ErrAlreadyEnabled     = errors.New("two-factor authentication is already enabled")
	ErrSetupNotInitiated  = errors.New("two-factor setup has not been initiated")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrNotEnabled         = errors.New("two-factor authentication is not enabled")
	ErrMalformedCodeStore = errors.New("malformed backup code store")
)
