package main

import (
	"errors"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dd0wney/canteen/pkg/config"
)

func TestLoadConfigFlagsOverrideEnv(t *testing.T) {
	t.Setenv("CANTEEN_LISTEN_PORT", "6000")
	t.Setenv("CANTEEN_NAMESPACE", "from-env")

	cfg, err := loadConfig([]string{
		"--port", "7000",
		"--bootstrap", "10.0.0.2:7000,10.0.0.3:7000",
		"--transport", "nng",
		"--read-only",
	})
	require.NoError(t, err)

	assert.Equal(t, 7000, cfg.Transport.ListenPort)
	assert.Equal(t, "from-env", cfg.Registry.Namespace)
	assert.Equal(t, []string{"10.0.0.2:7000", "10.0.0.3:7000"}, cfg.Transport.Bootstrap)
	assert.Equal(t, config.TransportNNG, cfg.Transport.Kind)
	assert.True(t, cfg.Registry.ReadOnly)
}

func TestLoadConfigUnsetFlagsKeepDefaults(t *testing.T) {
	cfg, err := loadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoadConfigInvalid(t *testing.T) {
	_, err := loadConfig([]string{"--registry", "postgres"})
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestLoadConfigHelp(t *testing.T) {
	_, err := loadConfig([]string{"--help"})
	assert.True(t, errors.Is(err, pflag.ErrHelp))
}

func TestComponentConfigs(t *testing.T) {
	cfg := config.Default()
	cfg.Transport.AdvertiseAddr = "10.0.0.1:5000"
	cfg.Transport.Bootstrap = []string{"10.0.0.2:5000"}

	mc := membershipConfig(cfg)
	require.NoError(t, mc.Validate())
	assert.Equal(t, "10.0.0.1:5000", mc.AdvertiseAddr)
	assert.Equal(t, []string{"10.0.0.2:5000"}, mc.Bootstrap)

	sc := schedulerConfig(cfg)
	require.NoError(t, sc.Validate())
	assert.Equal(t, 3*time.Second, sc.RecreateDelay)
}

func TestNewTransportKinds(t *testing.T) {
	cfg := config.Default()

	_, info := newTransport(cfg, nil)
	assert.NotNil(t, info, "p2p transport reports peers and addrs")

	cfg.Transport.Kind = config.TransportNNG
	_, info = newTransport(cfg, nil)
	assert.Nil(t, info)
}
