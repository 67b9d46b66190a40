package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/canteen/pkg/registry"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 15*time.Second, cfg.Membership.PeerTTL)
	assert.Equal(t, 3*cfg.Membership.HeartbeatInterval, cfg.Membership.PeerTTL)
	assert.Equal(t, 10*time.Second, cfg.StopTimeout)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "canteen.yaml", `
transport:
  kind: nng
  listen_port: 6000
  bootstrap: ["10.0.0.2:6000", "10.0.0.3:6000"]
membership:
  heartbeat_interval: 2s
  peer_ttl: 6s
registry:
  kind: file
  file: /etc/canteen/registry.yaml
  namespace: lab
scheduler:
  default_ports:
    - container_port: 80
      host_port: 8080
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, TransportNNG, cfg.Transport.Kind)
	assert.Equal(t, 6000, cfg.Transport.ListenPort)
	assert.Equal(t, []string{"10.0.0.2:6000", "10.0.0.3:6000"}, cfg.Transport.Bootstrap)
	assert.Equal(t, 2*time.Second, cfg.Membership.HeartbeatInterval)
	assert.Equal(t, "lab", cfg.Registry.Namespace)
	assert.Equal(t, []registry.PortMapping{{ContainerPort: 80, HostPort: 8080}}, cfg.Scheduler.DefaultPorts)

	// untouched sections keep their defaults
	assert.Equal(t, time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, ":5001", cfg.Status.Addr)
}

func TestLoadJSONC(t *testing.T) {
	path := writeFile(t, "canteen.jsonc", `{
  // postgres-backed cluster
  "registry": {
    "kind": "postgres",
    "dsn": "postgres://canteen@db/canteen",
    "namespace": "prod", // trailing comma below
  },
  "log": {"level": "debug"},
}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, RegistryPostgres, cfg.Registry.Kind)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, "canteen.yaml", "transport:\n  kindd: p2p\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	path := writeFile(t, "canteen.toml", "")
	_, err := Load(path)
	assert.True(t, errors.Is(err, ErrUnsupportedFormat))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CANTEEN_TRANSPORT", "nng")
	t.Setenv("CANTEEN_LISTEN_PORT", "7000")
	t.Setenv("CANTEEN_BOOTSTRAP", " 10.0.0.2:7000, ,10.0.0.3:7000 ")
	t.Setenv("CANTEEN_PEER_TTL", "30s")
	t.Setenv("CANTEEN_READ_ONLY", "true")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())

	assert.Equal(t, TransportNNG, cfg.Transport.Kind)
	assert.Equal(t, 7000, cfg.Transport.ListenPort)
	assert.Equal(t, []string{"10.0.0.2:7000", "10.0.0.3:7000"}, cfg.Transport.Bootstrap)
	assert.Equal(t, 30*time.Second, cfg.Membership.PeerTTL)
	assert.True(t, cfg.Registry.ReadOnly)
}

func TestApplyEnvRejectsBadValues(t *testing.T) {
	tests := map[string]string{
		"CANTEEN_TICK_INTERVAL": "soon",
		"CANTEEN_READ_ONLY":     "maybe",
		"CANTEEN_LISTEN_PORT":   "http",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			cfg := Default()
			assert.True(t, errors.Is(cfg.ApplyEnv(), ErrInvalidEnv))
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{"port out of range", func(c *Config) { c.Transport.ListenPort = 70000 }},
		{"ttl not above interval", func(c *Config) { c.Membership.PeerTTL = c.Membership.HeartbeatInterval }},
		{"zero tick", func(c *Config) { c.Scheduler.TickInterval = 0 }},
		{"postgres without dsn", func(c *Config) { c.Registry.Kind = RegistryPostgres }},
		{"http without url", func(c *Config) { c.Registry.Kind = RegistryHTTP }},
		{"file without path", func(c *Config) { c.Registry.Kind = RegistryFile }},
		{"empty namespace", func(c *Config) { c.Registry.Namespace = "" }},
		{"signing key on memory registry", func(c *Config) { c.Registry.SigningKey = "0123456789abcdef0123456789abcdef" }},
		{"short signing key", func(c *Config) {
			c.Registry.Kind = RegistryHTTP
			c.Registry.URL = "http://registry:8080"
			c.Registry.SigningKey = "short"
		}},
		{"default port without container port", func(c *Config) {
			c.Scheduler.DefaultPorts = []registry.PortMapping{{HostPort: 80}}
		}},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }},
		{"status enabled without addr", func(c *Config) { c.Status.Addr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestValidateSignedHTTPRegistry(t *testing.T) {
	cfg := Default()
	cfg.Registry.Kind = RegistryHTTP
	cfg.Registry.URL = "https://registry.example:8443"
	cfg.Registry.SigningKey = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}
