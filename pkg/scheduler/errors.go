package scheduler

import "errors"

// Startup errors. Each terminates the process.
var (
	ErrRuntimeUnavailable = errors.New("container runtime unreachable")
	ErrRegistration       = errors.New("node registration failed")
	ErrAlreadyStarted     = errors.New("scheduler already started")
)

// Tick errors. The tick is abandoned and retried on the next interval.
var (
	ErrAssignmentRead = errors.New("failed to read assignment")
	ErrTeardown       = errors.New("failed to tear down container")
)
