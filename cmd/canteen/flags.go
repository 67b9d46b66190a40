package main

import (
	"github.com/spf13/pflag"

	"github.com/dd0wney/canteen/pkg/config"
)

type options struct {
	configPath string
	fs         *pflag.FlagSet

	transport     string
	port          int
	advertise     string
	bootstrap     []string
	identityKey   string
	registryKind  string
	registryDSN   string
	registryURL   string
	registryFile  string
	namespace     string
	readOnly      bool
	signingKey    string
	dockerHost    string
	statusAddr    string
	disableStatus bool
	logLevel      string
}

func newFlagSet() *options {
	o := &options{}
	fs := pflag.NewFlagSet("canteen", pflag.ContinueOnError)

	fs.StringVarP(&o.configPath, "config", "c", "", "config file (.yaml, .yml, .json or .jsonc)")
	fs.StringVar(&o.transport, "transport", "", "gossip transport: p2p or nng")
	fs.IntVarP(&o.port, "port", "p", 0, "gossip listen port")
	fs.StringVar(&o.advertise, "advertise", "", "host:port announced in heartbeats")
	fs.StringSliceVarP(&o.bootstrap, "bootstrap", "b", nil, "peers to dial at start (repeatable or comma separated)")
	fs.StringVar(&o.identityKey, "identity-key", "", "p2p identity key file, created on first start")
	fs.StringVar(&o.registryKind, "registry", "", "coordination registry: memory, postgres, http or file")
	fs.StringVar(&o.registryDSN, "registry-dsn", "", "postgres connection string")
	fs.StringVar(&o.registryURL, "registry-url", "", "http registry base URL")
	fs.StringVar(&o.registryFile, "registry-file", "", "file registry path")
	fs.StringVarP(&o.namespace, "namespace", "n", "", "registry namespace")
	fs.BoolVar(&o.readOnly, "read-only", false, "never submit this node's registration")
	fs.StringVar(&o.signingKey, "signing-key", "", "HS256 key for signed registration")
	fs.StringVar(&o.dockerHost, "docker-host", "", "docker daemon URL (auto-detected when empty)")
	fs.StringVar(&o.statusAddr, "status-addr", "", "status server listen address")
	fs.BoolVar(&o.disableStatus, "no-status", false, "disable the status server")
	fs.StringVar(&o.logLevel, "log-level", "", "debug, info, warn or error")

	o.fs = fs
	return o
}

// apply overlays the flags the user set explicitly
func (o *options) apply(cfg *config.Config) {
	set := func(name string, fn func()) {
		if o.fs.Changed(name) {
			fn()
		}
	}

	set("transport", func() { cfg.Transport.Kind = o.transport })
	set("port", func() { cfg.Transport.ListenPort = o.port })
	set("advertise", func() { cfg.Transport.AdvertiseAddr = o.advertise })
	set("bootstrap", func() { cfg.Transport.Bootstrap = o.bootstrap })
	set("identity-key", func() { cfg.Transport.IdentityKeyFile = o.identityKey })
	set("registry", func() { cfg.Registry.Kind = o.registryKind })
	set("registry-dsn", func() { cfg.Registry.DSN = o.registryDSN })
	set("registry-url", func() { cfg.Registry.URL = o.registryURL })
	set("registry-file", func() { cfg.Registry.File = o.registryFile })
	set("namespace", func() { cfg.Registry.Namespace = o.namespace })
	set("read-only", func() { cfg.Registry.ReadOnly = o.readOnly })
	set("signing-key", func() { cfg.Registry.SigningKey = o.signingKey })
	set("docker-host", func() { cfg.Runtime.DockerHost = o.dockerHost })
	set("status-addr", func() { cfg.Status.Addr = o.statusAddr })
	set("no-status", func() { cfg.Status.Enabled = !o.disableStatus })
	set("log-level", func() { cfg.Log.Level = o.logLevel })
}

// loadConfig layers defaults, file, environment and flags, then validates
func loadConfig(args []string) (config.Config, error) {
	o := newFlagSet()
	if err := o.fs.Parse(args); err != nil {
		return config.Config{}, err
	}

	cfg := config.Default()
	if o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	o.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
