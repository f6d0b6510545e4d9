package apitokens

import "errors"

var (
	ErrTokenInvalidOrRevoked = errors.New("api token is invalid or revoked")
	ErrTokenNotFound         = errors.New("api token not found")
	ErrUserNotFound          = errors.New("user not found")
)
