package oidc

import "errors"

var (
	ErrInvalidState       = errors.New("invalid oidc state")
	ErrNoClaims           = errors.New("no claims in id token")
	ErrInvalidIDToken     = errors.New("invalid id token")
	ErrAutoCreateDisabled = errors.New("automatic user creation is disabled")
	ErrUserInactive       = errors.New("user is inactive")
	ErrProviderError      = errors.New("identity provider error")
)
