// Package p2p is the libp2p gossip transport: a TCP host with noise and
// yamux, gossipsub topics, mDNS discovery of local peers and network
// notifications for connect and disconnect.
package p2p

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/membership"
)

const (
	channelBuffer  = 64
	connectTimeout = 10 * time.Second
)

// Transport implements membership.Transport on libp2p
type Transport struct {
	cfg    Config
	logger logging.Logger

	msgs   chan membership.Message
	events chan membership.ConnEvent

	mu     sync.Mutex
	host   host.Host
	ps     *pubsub.PubSub
	mdns   mdns.Service
	notify *network.NotifyBundle
	topics map[string]*topicState
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type topicState struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
}

// New creates an unstarted transport
func New(cfg Config, logger logging.Logger) *Transport {
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	return &Transport{
		cfg:    cfg,
		logger: logging.OrNop(logger).With(logging.Component("p2p")),
		msgs:   make(chan membership.Message, channelBuffer),
		events: make(chan membership.ConnEvent, channelBuffer),
		topics: make(map[string]*topicState),
	}
}

// Listen creates the libp2p host, starts gossipsub and, when enabled, mDNS
func (t *Transport) Listen(ctx context.Context) error {
	ip := net.ParseIP(t.cfg.ListenHost)
	if ip == nil {
		return fmt.Errorf("%w: %q", ErrInvalidListenIP, t.cfg.ListenHost)
	}

	priv, err := loadIdentity(t.cfg.IdentityKeyFile)
	if err != nil {
		return err
	}

	listen := fmt.Sprintf("/%s/%s/tcp/%d", hostProtocol(ip.String()), ip, t.cfg.ListenPort)
	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrStrings(listen),
	)
	if err != nil {
		return fmt.Errorf("libp2p new: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ps, err := pubsub.NewGossipSub(runCtx, h)
	if err != nil {
		cancel()
		h.Close()
		return fmt.Errorf("gossipsub: %w", err)
	}

	t.mu.Lock()
	t.host, t.ps, t.ctx, t.cancel = h, ps, runCtx, cancel
	t.notify = &network.NotifyBundle{
		ConnectedF:    t.connected,
		DisconnectedF: t.disconnected,
	}
	t.mu.Unlock()

	h.Network().Notify(t.notify)

	if t.cfg.EnableMDNS {
		svc := mdns.NewMdnsService(h, t.cfg.ServiceName, t)
		if err := svc.Start(); err != nil {
			t.logger.Warn("mdns discovery unavailable", logging.Error(err))
		} else {
			t.mu.Lock()
			t.mdns = svc
			t.mu.Unlock()
		}
	}

	t.logger.Info("libp2p host listening",
		logging.Peer(h.ID().String()),
		logging.Strings("addrs", multiaddrStrings(h.Addrs())))
	return nil
}

// HandlePeerFound implements mdns.Notifee
func (t *Transport) HandlePeerFound(info peer.AddrInfo) {
	h := t.currentHost()
	if h == nil || info.ID == h.ID() {
		return
	}
	t.logger.Debug("discovered peer", logging.Peer(info.ID.String()))

	ctx, cancel := context.WithTimeout(t.context(), connectTimeout)
	defer cancel()
	if err := h.Connect(ctx, info); err != nil {
		t.logger.Debug("mdns connect failed", logging.Peer(info.ID.String()), logging.Error(err))
	}
}

func (t *Transport) LocalID() string {
	if h := t.currentHost(); h != nil {
		return h.ID().String()
	}
	return ""
}

// Advertise returns "ip:port" of the first routable listen address, or
// loopback with the listen port
func (t *Transport) Advertise() string {
	h := t.currentHost()
	if h == nil {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.cfg.ListenPort))
	}
	if hp := hostPort(h.Addrs()); hp != "" {
		return hp
	}
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.cfg.ListenPort))
}

// Bootstrap connects to each entry that names a peer id. Entries without
// one are skipped with a warning; mDNS covers local peers.
func (t *Transport) Bootstrap(ctx context.Context, hosts []string) error {
	h := t.currentHost()
	if h == nil {
		return ErrNotListening
	}

	var errs []error
	for _, entry := range hosts {
		info, err := parseBootstrap(entry)
		if err != nil {
			t.logger.Warn("skipping bootstrap entry", logging.String("entry", entry), logging.Error(err))
			continue
		}
		if info.ID == h.ID() {
			continue
		}

		cctx, cancel := context.WithTimeout(ctx, connectTimeout)
		err = h.Connect(cctx, *info)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("connect %s: %w", info.ID, err))
			continue
		}
		t.logger.Info("connected to bootstrap peer", logging.Peer(info.ID.String()))
	}
	return errors.Join(errs...)
}

// Subscribe joins topic and starts forwarding its messages
func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ps == nil {
		return ErrNotListening
	}
	if _, ok := t.topics[topic]; ok {
		return nil
	}

	tp, err := t.ps.Join(topic)
	if err != nil {
		return fmt.Errorf("join %s: %w", topic, err)
	}
	sub, err := tp.Subscribe()
	if err != nil {
		tp.Close()
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	t.topics[topic] = &topicState{topic: tp, sub: sub}

	t.wg.Add(1)
	go t.readLoop(t.ctx, sub, t.host.ID())
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	st, ok := t.topics[topic]
	delete(t.topics, topic)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	st.sub.Cancel()
	return st.topic.Close()
}

// Publish broadcasts data to topic subscribers
func (t *Transport) Publish(ctx context.Context, topic string, data []byte) error {
	t.mu.Lock()
	st, ok := t.topics[topic]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return st.topic.Publish(ctx, data)
}

func (t *Transport) Messages() <-chan membership.Message  { return t.msgs }
func (t *Transport) Events() <-chan membership.ConnEvent { return t.events }

func (t *Transport) ConnCount() int {
	if h := t.currentHost(); h != nil {
		return len(h.Network().Peers())
	}
	return 0
}

// Peers lists the ids of connected peers
func (t *Transport) Peers() []string {
	h := t.currentHost()
	if h == nil {
		return nil
	}
	ids := h.Network().Peers()
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Addrs lists this host's listen multiaddrs with the peer id appended
func (t *Transport) Addrs() []string {
	h := t.currentHost()
	if h == nil {
		return nil
	}
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, a.String()+"/p2p/"+h.ID().String())
	}
	return out
}

// Close tears down subscriptions, discovery and the host
func (t *Transport) Close() error {
	t.mu.Lock()
	h, svc, cancel, bundle := t.host, t.mdns, t.cancel, t.notify
	topics := t.topics
	t.topics = make(map[string]*topicState)
	t.host, t.ps, t.mdns = nil, nil, nil
	t.mu.Unlock()

	if h == nil {
		return nil
	}

	for _, st := range topics {
		st.sub.Cancel()
		st.topic.Close()
	}
	if svc != nil {
		svc.Close()
	}
	h.Network().StopNotify(bundle)
	cancel()
	t.wg.Wait()
	return h.Close()
}

func (t *Transport) readLoop(ctx context.Context, sub *pubsub.Subscription, self peer.ID) {
	defer t.wg.Done()

	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if msg.GetFrom() == self {
			continue
		}

		out := membership.Message{
			From:  msg.GetFrom().String(),
			Topic: msg.GetTopic(),
			Data:  msg.Data,
		}
		select {
		case t.msgs <- out:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Transport) connected(_ network.Network, c network.Conn) {
	t.sendEvent(membership.ConnEvent{PeerID: c.RemotePeer().String(), Kind: membership.Connected})
}

func (t *Transport) disconnected(n network.Network, c network.Conn) {
	// Another connection to the same peer may remain
	if n.Connectedness(c.RemotePeer()) == network.Connected {
		return
	}
	t.sendEvent(membership.ConnEvent{PeerID: c.RemotePeer().String(), Kind: membership.Disconnected})
}

// sendEvent never blocks the libp2p notifier. A dropped connect is
// recovered by the next heartbeat.
func (t *Transport) sendEvent(ev membership.ConnEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Debug("connection event dropped", logging.Peer(ev.PeerID), logging.String("kind", ev.Kind.String()))
	}
}

func (t *Transport) currentHost() host.Host {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.host
}

func (t *Transport) context() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return context.Background()
	}
	return t.ctx
}

func multiaddrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.String()
	}
	return out
}

var (
	_ membership.Transport = (*Transport)(nil)
	_ mdns.Notifee         = (*Transport)(nil)
)
