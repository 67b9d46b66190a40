// Package config loads node configuration from a YAML or JSONC file and
// CANTEEN_* environment variables.
package config

import (
	"time"

	"github.com/dd0wney/canteen/pkg/registry"
)

// Transport kinds
const (
	TransportP2P = "p2p"
	TransportNNG = "nng"
)

// Registry kinds
const (
	RegistryMemory   = "memory"
	RegistryPostgres = "postgres"
	RegistryHTTP     = "http"
	RegistryFile     = "file"
)

// Config is the full node configuration
type Config struct {
	Transport  TransportConfig  `yaml:"transport"`
	Membership MembershipConfig `yaml:"membership"`
	Registry   RegistryConfig   `yaml:"registry"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Status     StatusConfig     `yaml:"status"`
	Log        LogConfig        `yaml:"log"`

	// StopTimeout bounds graceful shutdown
	StopTimeout time.Duration `yaml:"stop_timeout" validate:"gt=0"`
}

// TransportConfig selects and tunes the gossip transport
type TransportConfig struct {
	Kind       string `yaml:"kind" validate:"oneof=p2p nng"`
	ListenHost string `yaml:"listen_host" validate:"omitempty,ip"`
	ListenPort int    `yaml:"listen_port" validate:"min=0,max=65535"`

	// AdvertiseAddr overrides the host:port put in heartbeats
	AdvertiseAddr string `yaml:"advertise_addr" validate:"omitempty,hostname_port"`

	// Bootstrap lists peers to dial at start. The p2p transport needs a
	// peer id on each entry, as "host:port/p2p/<id>" or a full multiaddr;
	// entries without one are skipped. nng takes plain "host:port".
	// An entry naming this node is ignored.
	Bootstrap []string `yaml:"bootstrap" validate:"dive,required"`

	IdentityKeyFile string `yaml:"identity_key_file"` // p2p only
	MDNS            bool   `yaml:"mdns"`              // p2p only

	Beacon      bool   `yaml:"beacon"`       // nng only
	BeaconGroup string `yaml:"beacon_group"` // nng only
}

// MembershipConfig controls heartbeat timing
type MembershipConfig struct {
	Topic             string        `yaml:"topic" validate:"required"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	PeerTTL           time.Duration `yaml:"peer_ttl" validate:"gt=0"`
}

// RegistryConfig selects the coordination registry backend
type RegistryConfig struct {
	Kind      string `yaml:"kind" validate:"oneof=memory postgres http file"`
	Namespace string `yaml:"namespace" validate:"required,max=128"`

	DSN     string `yaml:"dsn"`  // postgres
	URL     string `yaml:"url" validate:"omitempty,url"` // http
	File    string `yaml:"file"` // file
	Migrate bool   `yaml:"migrate"`

	// ReadOnly makes the node never submit its own registration
	ReadOnly bool `yaml:"read_only"`

	// SigningKey signs registration requests to the HTTP registry
	SigningKey string `yaml:"signing_key"`

	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RuntimeConfig locates the container runtime
type RuntimeConfig struct {
	// DockerHost is a daemon URL such as unix:///var/run/docker.sock.
	// Empty means auto-detect.
	DockerHost string `yaml:"docker_host"`
}

// SchedulerConfig controls reconciliation
type SchedulerConfig struct {
	TickInterval  time.Duration          `yaml:"tick_interval" validate:"gt=0"`
	RecreateDelay time.Duration          `yaml:"recreate_delay" validate:"min=0"`
	DefaultPorts  []registry.PortMapping `yaml:"default_ports" validate:"dive"`
}

// StatusConfig controls the status HTTP server
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controls the process logger
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error"`
}

// Default returns a single-node development configuration
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Kind:        TransportP2P,
			ListenHost:  "0.0.0.0",
			ListenPort:  5000,
			MDNS:        true,
			Beacon:      true,
			BeaconGroup: "239.255.42.99:7946",
		},
		Membership: MembershipConfig{
			Topic:             "/canteen/heartbeat/1.0.0",
			HeartbeatInterval: 5 * time.Second,
			PeerTTL:           15 * time.Second,
		},
		Registry: RegistryConfig{
			Kind:      RegistryMemory,
			Namespace: "default",
			Migrate:   true,
			Timeout:   10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			TickInterval:  time.Second,
			RecreateDelay: 3 * time.Second,
			DefaultPorts:  []registry.PortMapping{{ContainerPort: 8080}},
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    ":5001",
		},
		Log:         LogConfig{Level: "info"},
		StopTimeout: 10 * time.Second,
	}
}
