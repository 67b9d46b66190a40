package registry

import "errors"

// Registration outcomes
var (
	ErrAlreadyRegistered = errors.New("host is already a registered member")
	ErrReadOnly          = errors.New("registry client is read-only")
)

// Lookup and transport errors
var (
	ErrUnavailable     = errors.New("coordination registry unavailable")
	ErrInvalidHost     = errors.New("host cannot be empty")
	ErrInvalidResponse = errors.New("malformed registry response")
)
