package nng

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/dd0wney/canteen/pkg/logging"
)

// BeaconConfig configures LAN discovery over UDP multicast
type BeaconConfig struct {
	Enabled  bool
	Group    string // multicast group:port
	Interval time.Duration
}

// DefaultBeaconConfig announces every 2s on 239.255.42.99:7946
func DefaultBeaconConfig() BeaconConfig {
	return BeaconConfig{
		Enabled:  true,
		Group:    "239.255.42.99:7946",
		Interval: 2 * time.Second,
	}
}

const maxBeaconSize = 512

// beacon announces this node's bus address to the LAN and reports the
// addresses other nodes announce
type beacon struct {
	cfg    BeaconConfig
	id     string
	addr   string
	group  *net.UDPAddr
	conn   *net.UDPConn
	logger logging.Logger
}

func newBeacon(cfg BeaconConfig, id, addr string, logger logging.Logger) (*beacon, error) {
	if cfg.Interval <= 0 {
		return nil, errors.New("beacon interval must be positive")
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Group)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, err
	}
	return &beacon{cfg: cfg, id: id, addr: addr, group: group, conn: conn, logger: logger}, nil
}

// run announces on every interval and calls found for each foreign
// announcement until ctx is done
func (b *beacon) run(ctx context.Context, found func(host string)) {
	defer b.conn.Close()

	go func() {
		<-ctx.Done()
		b.conn.Close()
	}()
	go b.announce(ctx)

	buf := make([]byte, maxBeaconSize)
	for {
		n, _, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("beacon read failed", logging.Error(err))
			continue
		}
		e, err := unmarshalEnvelope(buf[:n])
		if err != nil || e.From == b.id || e.Addr == "" {
			continue
		}
		found(e.Addr)
	}
}

func (b *beacon) announce(ctx context.Context) {
	out, err := net.DialUDP("udp4", nil, b.group)
	if err != nil {
		b.logger.Warn("beacon send socket unavailable", logging.Error(err))
		return
	}
	defer out.Close()

	payload, err := envelope{Kind: kindHello, From: b.id, Addr: b.addr}.marshal()
	if err != nil {
		return
	}

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := out.Write(payload); err != nil {
			b.logger.Debug("beacon send failed", logging.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
