package membership

import "time"

// DefaultTopic is the gossip topic heartbeats travel on
const DefaultTopic = "/canteen/heartbeat/1.0.0"

// Config defines membership timing and addressing
type Config struct {
	// AdvertiseAddr overrides the host address put in heartbeats. When
	// empty the transport's advertised address is used.
	AdvertiseAddr string

	// Bootstrap is the static list of peers to dial at start
	Bootstrap []string

	Topic string

	HeartbeatInterval time.Duration // broadcast and prune period (default: 5s)
	PeerTTL           time.Duration // silence before a peer is pruned (default: 3x heartbeat)
}

// DefaultConfig returns the standard timing: 5s heartbeats, 15s TTL
func DefaultConfig() Config {
	return Config{
		Topic:             DefaultTopic,
		HeartbeatInterval: 5 * time.Second,
		PeerTTL:           15 * time.Second,
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return ErrInvalidInterval
	}
	if c.PeerTTL <= c.HeartbeatInterval {
		return ErrTTLTooSmall
	}
	if c.Topic == "" {
		return ErrInvalidTopic
	}
	return nil
}
