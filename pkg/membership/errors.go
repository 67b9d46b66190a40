package membership

import (
	"errors"
	"fmt"
)

// Configuration errors
var (
	ErrInvalidInterval = errors.New("heartbeat interval must be positive")
	ErrTTLTooSmall     = errors.New("peer TTL must be greater than heartbeat interval")
	ErrInvalidTopic    = errors.New("heartbeat topic cannot be empty")
)

// Lifecycle errors
var (
	ErrTransport      = errors.New("gossip transport error")
	ErrAlreadyStarted = errors.New("membership directory already started")
	ErrStopped        = errors.New("membership directory stopped")
)

// DecodeError reports an inbound payload that is not a valid heartbeat.
// It is isolated to the one message.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode heartbeat: %s: %v", e.Reason, e.Err)
	}
	return "decode heartbeat: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
