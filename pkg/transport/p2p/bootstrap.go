package p2p

import (
	"fmt"
	"net"
	"strings"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// parseBootstrap accepts a full multiaddr ("/ip4/10.0.0.2/tcp/5000/p2p/12D3...")
// or the short form "10.0.0.2:5000/p2p/12D3...". Either must name the peer id.
func parseBootstrap(entry string) (*peer.AddrInfo, error) {
	entry = strings.TrimSpace(entry)

	if !strings.HasPrefix(entry, "/") {
		hostPort, id, ok := strings.Cut(entry, "/p2p/")
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrNoPeerID, entry)
		}
		host, port, err := net.SplitHostPort(hostPort)
		if err != nil {
			return nil, fmt.Errorf("bootstrap %q: %w", entry, err)
		}
		entry = fmt.Sprintf("/%s/%s/tcp/%s/p2p/%s", hostProtocol(host), host, port, id)
	}

	m, err := ma.NewMultiaddr(entry)
	if err != nil {
		return nil, fmt.Errorf("bad multiaddr %q: %w", entry, err)
	}
	if _, err := m.ValueForProtocol(ma.P_P2P); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPeerID, entry)
	}
	info, err := peer.AddrInfoFromP2pAddr(m)
	if err != nil {
		return nil, fmt.Errorf("bad p2p addr %q: %w", entry, err)
	}
	return info, nil
}

func hostProtocol(host string) string {
	ip := net.ParseIP(host)
	switch {
	case ip == nil:
		return "dns"
	case ip.To4() != nil:
		return "ip4"
	default:
		return "ip6"
	}
}

// hostPort renders the first routable TCP address as "ip:port", falling
// back to loopback
func hostPort(addrs []ma.Multiaddr) string {
	var fallback string
	for _, a := range addrs {
		port, err := a.ValueForProtocol(ma.P_TCP)
		if err != nil {
			continue
		}
		ip, err := a.ValueForProtocol(ma.P_IP4)
		if err != nil {
			continue
		}
		hp := net.JoinHostPort(ip, port)
		if parsed := net.ParseIP(ip); parsed != nil && !parsed.IsLoopback() && !parsed.IsUnspecified() {
			return hp
		}
		if fallback == "" {
			fallback = net.JoinHostPort("127.0.0.1", port)
		}
	}
	return fallback
}
