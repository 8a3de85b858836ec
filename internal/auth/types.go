package auth

import (
	"errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled     = errors.New("authentication not configured")
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Subject identifies the caller of an authenticated request.
type Subject struct {
	Name string
}
