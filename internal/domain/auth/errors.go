package auth

import "errors"

var (
	ErrMissingAuthorizationHeader = errors.New("missing authorization header")
	ErrInvalidAuthorizationHeader = errors.New("invalid authorization header format")
	ErrMissingToken               = errors.New("missing token")
	ErrInvalidToken               = errors.New("invalid token")
	ErrTokenExpiredOrInvalid      = errors.New("token expired or invalid")
	ErrNoKeys                     = errors.New("no verification keys found")
)
