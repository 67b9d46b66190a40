package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "CANTEEN_"

// Load reads path over the defaults. .yaml/.yml files are YAML; .json and
// .jsonc files may carry comments and trailing commas. Unknown keys are
// rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	case ".json", ".jsonc":
		// JSON is a YAML subset, so one decoder serves both
		data = jsonc.ToJSON(data)
	default:
		return cfg, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays CANTEEN_* environment variables onto c
func (c *Config) ApplyEnv() error {
	strs := map[string]*string{
		"TRANSPORT":         &c.Transport.Kind,
		"LISTEN_HOST":       &c.Transport.ListenHost,
		"ADVERTISE_ADDR":    &c.Transport.AdvertiseAddr,
		"IDENTITY_KEY_FILE": &c.Transport.IdentityKeyFile,
		"REGISTRY":          &c.Registry.Kind,
		"REGISTRY_DSN":      &c.Registry.DSN,
		"REGISTRY_URL":      &c.Registry.URL,
		"REGISTRY_FILE":     &c.Registry.File,
		"NAMESPACE":         &c.Registry.Namespace,
		"SIGNING_KEY":       &c.Registry.SigningKey,
		"DOCKER_HOST":       &c.Runtime.DockerHost,
		"STATUS_ADDR":       &c.Status.Addr,
		"LOG_LEVEL":         &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"HEARTBEAT_INTERVAL": &c.Membership.HeartbeatInterval,
		"PEER_TTL":           &c.Membership.PeerTTL,
		"TICK_INTERVAL":      &c.Scheduler.TickInterval,
		"RECREATE_DELAY":     &c.Scheduler.RecreateDelay,
		"STOP_TIMEOUT":       &c.StopTimeout,
	}
	for key, dst := range durations {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidEnv, EnvPrefix, key, err)
			}
			*dst = d
		}
	}

	bools := map[string]*bool{
		"READ_ONLY": &c.Registry.ReadOnly,
		"MDNS":      &c.Transport.MDNS,
		"BEACON":    &c.Transport.Beacon,
	}
	for key, dst := range bools {
		if v, ok := lookup(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%w: %s%s: %v", ErrInvalidEnv, EnvPrefix, key, err)
			}
			*dst = b
		}
	}

	if v, ok := lookup("LISTEN_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sLISTEN_PORT: %v", ErrInvalidEnv, EnvPrefix, err)
		}
		c.Transport.ListenPort = port
	}
	if v, ok := lookup("BOOTSTRAP"); ok {
		c.Transport.Bootstrap = SplitList(v)
	}

	return nil
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// SplitList splits a comma separated list, dropping empty entries
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
