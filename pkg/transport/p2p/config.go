package p2p

import "errors"

// DefaultServiceName is the mDNS service tag local peers announce under
const DefaultServiceName = "canteen"

var (
	ErrNoPeerID        = errors.New("bootstrap entry has no /p2p/ peer id")
	ErrNotListening    = errors.New("transport is not listening")
	ErrUnknownTopic    = errors.New("topic not subscribed")
	ErrInvalidListenIP = errors.New("listen host must be an IP address")
)

// Config configures the libp2p transport
type Config struct {
	ListenHost string // default 0.0.0.0
	ListenPort int

	// IdentityKeyFile persists the node key so the peer id survives
	// restarts. Empty means an ephemeral identity.
	IdentityKeyFile string

	EnableMDNS  bool
	ServiceName string
}

// DefaultConfig listens on all interfaces with mDNS enabled
func DefaultConfig() Config {
	return Config{
		ListenHost:  "0.0.0.0",
		ListenPort:  5000,
		EnableMDNS:  true,
		ServiceName: DefaultServiceName,
	}
}
