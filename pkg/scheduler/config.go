package scheduler

import (
	"errors"
	"time"

	"github.com/dd0wney/canteen/pkg/registry"
)

// Config controls reconciliation timing and port defaults
type Config struct {
	TickInterval time.Duration // how often the assignment is read (default: 1s)

	// RecreateDelay is the pause after removing a running container of the
	// target image before creating its replacement, letting the runtime
	// release host ports (default: 3s)
	RecreateDelay time.Duration

	// DefaultPorts apply to assignments that carry no port list
	DefaultPorts []registry.PortMapping
}

// DefaultConfig returns a 1s tick, 3s recreate delay and port 8080
func DefaultConfig() Config {
	return Config{
		TickInterval:  time.Second,
		RecreateDelay: 3 * time.Second,
		DefaultPorts:  []registry.PortMapping{{ContainerPort: 8080}},
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.TickInterval <= 0 {
		return errors.New("tick interval must be positive")
	}
	if c.RecreateDelay < 0 {
		return errors.New("recreate delay cannot be negative")
	}
	return nil
}
