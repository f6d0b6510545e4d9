package permissions

import "errors"

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrInvalidResource  = errors.New("invalid resource")
	ErrInvalidAction    = errors.New("invalid action")
	ErrWriteWithoutRead = errors.New("write permission requires read permission")
)
