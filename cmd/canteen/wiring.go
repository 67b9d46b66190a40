package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/dd0wney/canteen/pkg/config"
	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/membership"
	"github.com/dd0wney/canteen/pkg/metrics"
	"github.com/dd0wney/canteen/pkg/registry"
	"github.com/dd0wney/canteen/pkg/registry/fileregistry"
	"github.com/dd0wney/canteen/pkg/registry/httpregistry"
	"github.com/dd0wney/canteen/pkg/registry/pgregistry"
	"github.com/dd0wney/canteen/pkg/runtime/docker"
	"github.com/dd0wney/canteen/pkg/scheduler"
	"github.com/dd0wney/canteen/pkg/status"
	"github.com/dd0wney/canteen/pkg/transport/nng"
	"github.com/dd0wney/canteen/pkg/transport/p2p"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// newTransport builds the configured gossip transport. The second return
// is non-nil when the transport can report peers and addresses.
func newTransport(cfg config.Config, logger logging.Logger) (membership.Transport, status.TransportInfo) {
	tc := cfg.Transport

	if tc.Kind == config.TransportNNG {
		nc := nng.DefaultConfig()
		nc.ListenHost = tc.ListenHost
		nc.ListenPort = tc.ListenPort
		if host, _, err := net.SplitHostPort(tc.AdvertiseAddr); err == nil {
			nc.AdvertiseHost = host
		}
		nc.Beacon.Enabled = tc.Beacon
		if tc.BeaconGroup != "" {
			nc.Beacon.Group = tc.BeaconGroup
		}
		return nng.New(nc, logger), nil
	}

	pc := p2p.DefaultConfig()
	pc.ListenHost = tc.ListenHost
	pc.ListenPort = tc.ListenPort
	pc.IdentityKeyFile = tc.IdentityKeyFile
	pc.EnableMDNS = tc.MDNS
	t := p2p.New(pc, logger)
	return t, t
}

func membershipConfig(cfg config.Config) membership.Config {
	return membership.Config{
		AdvertiseAddr:     cfg.Transport.AdvertiseAddr,
		Bootstrap:         cfg.Transport.Bootstrap,
		Topic:             cfg.Membership.Topic,
		HeartbeatInterval: cfg.Membership.HeartbeatInterval,
		PeerTTL:           cfg.Membership.PeerTTL,
	}
}

func schedulerConfig(cfg config.Config) scheduler.Config {
	return scheduler.Config{
		TickInterval:  cfg.Scheduler.TickInterval,
		RecreateDelay: cfg.Scheduler.RecreateDelay,
		DefaultPorts:  cfg.Scheduler.DefaultPorts,
	}
}

// openRegistry connects the configured backend and wraps it with metrics
// and, when configured, read-only mode. The returned pinger is nil for
// backends without a reachability check.
func openRegistry(ctx context.Context, cfg config.Config, m *metrics.Registry) (registry.Directory, pinger, error) {
	rc := cfg.Registry

	var (
		backend registry.Directory
		ping    pinger
	)
	switch rc.Kind {
	case config.RegistryPostgres:
		store, err := pgregistry.New(ctx, rc.DSN, pgregistry.Options{
			Namespace: rc.Namespace,
			Migrate:   rc.Migrate && !rc.ReadOnly,
		})
		if err != nil {
			return nil, nil, err
		}
		backend, ping = store, store

	case config.RegistryHTTP:
		opts := []httpregistry.Option{
			httpregistry.WithHTTPClient(&http.Client{Timeout: rc.Timeout}),
		}
		if rc.SigningKey != "" {
			signer, err := httpregistry.NewSigner(rc.SigningKey)
			if err != nil {
				return nil, nil, err
			}
			opts = append(opts, httpregistry.WithSigner(signer))
		}
		client, err := httpregistry.New(rc.URL, rc.Namespace, opts...)
		if err != nil {
			return nil, nil, err
		}
		backend, ping = client, client

	case config.RegistryFile:
		f, err := fileregistry.Open(rc.File)
		if err != nil {
			return nil, nil, err
		}
		backend, ping = f, f

	default:
		backend = registry.NewMemory()
	}

	dir := registry.Instrument(backend, m)
	if rc.ReadOnly {
		dir = registry.ReadOnly(dir)
	}
	return dir, ping, nil
}

// openRuntime connects to docker, detecting the socket when none is configured
func openRuntime(cfg config.Config, logger logging.Logger) (*docker.Runtime, error) {
	host := cfg.Runtime.DockerHost
	if host == "" {
		home, _ := os.UserHomeDir()
		detected, err := docker.DetectHost(home)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", scheduler.ErrRuntimeUnavailable, err)
		}
		host = detected
	}
	logger.Info("using docker daemon", logging.String("docker_host", host))
	return docker.New(host, logger)
}

// logMembershipEvents logs joins and leaves until the subscription closes
func logMembershipEvents(ctx context.Context, dir *membership.Directory, logger logging.Logger) error {
	sub, err := dir.Subscribe(ctx)
	if err != nil {
		return err
	}

	go func() {
		for ev := range sub.C() {
			switch ev.Type {
			case membership.EventJoin:
				logger.Info("peer joined", logging.Peer(ev.PeerID), logging.Host(ev.Host))
			case membership.EventLeave:
				logger.Info("peer left", logging.Peer(ev.PeerID), logging.Host(ev.Host))
			}
		}
	}()
	return nil
}

// refreshSystemMetrics updates process gauges until ctx ends
func refreshSystemMetrics(ctx context.Context, m *metrics.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.UpdateSystemMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.UpdateSystemMetrics()
		}
	}
}
