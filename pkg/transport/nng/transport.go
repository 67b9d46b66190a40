// Package nng is a brokerless gossip transport on a mangos BUS socket.
//
// Every node listens on one TCP endpoint and dials the peers it knows;
// a message sent on the bus reaches each directly connected peer. Peers are
// found through the bootstrap list, a LAN multicast beacon and the peer
// lists carried in heartbeats.
package nng

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/bus"

	// Register the TCP transport
	_ "go.nanomsg.org/mangos/v3/transport/tcp"

	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/membership"
)

const channelBuffer = 64

var (
	ErrNotListening = errors.New("transport is not listening")
	ErrUnknownTopic = errors.New("topic not subscribed")
)

// Config configures the bus transport
type Config struct {
	ListenHost string // default 0.0.0.0
	ListenPort int

	// AdvertiseHost is the IP peers dial; detected from interfaces when empty
	AdvertiseHost string

	Beacon BeaconConfig
}

// DefaultConfig listens on all interfaces with the LAN beacon enabled
func DefaultConfig() Config {
	return Config{
		ListenHost: "0.0.0.0",
		ListenPort: 5000,
		Beacon:     DefaultBeaconConfig(),
	}
}

// Transport implements membership.Transport on mangos
type Transport struct {
	cfg    Config
	id     string
	logger logging.Logger

	msgs   chan membership.Message
	events chan membership.ConnEvent

	mu        sync.Mutex
	sock      mangos.Socket
	advertise string
	topics    map[string]bool
	dialed    map[string]bool
	pipes     map[uint32]string // pipe id -> peer instance id, once known
	attached  map[uint32]bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// New creates an unstarted transport with a fresh instance id
func New(cfg Config, logger logging.Logger) *Transport {
	if cfg.ListenHost == "" {
		cfg.ListenHost = "0.0.0.0"
	}
	return &Transport{
		cfg:      cfg,
		id:       uuid.NewString(),
		logger:   logging.OrNop(logger).With(logging.Component("nng")),
		msgs:     make(chan membership.Message, channelBuffer),
		events:   make(chan membership.ConnEvent, channelBuffer),
		topics:   make(map[string]bool),
		dialed:   make(map[string]bool),
		pipes:    make(map[uint32]string),
		attached: make(map[uint32]bool),
	}
}

// Listen opens the bus socket, starts receiving and, when enabled, the
// LAN beacon
func (t *Transport) Listen(ctx context.Context) error {
	sock, err := bus.NewSocket()
	if err != nil {
		return fmt.Errorf("bus socket: %w", err)
	}
	sock.SetPipeEventHook(t.pipeEvent)

	addr := "tcp://" + net.JoinHostPort(t.cfg.ListenHost, strconv.Itoa(t.cfg.ListenPort))
	if err := sock.Listen(addr); err != nil {
		sock.Close()
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	advertiseHost := t.cfg.AdvertiseHost
	if advertiseHost == "" {
		advertiseHost = detectHost(t.cfg.ListenHost)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.sock = sock
	t.advertise = net.JoinHostPort(advertiseHost, strconv.Itoa(t.cfg.ListenPort))
	t.dialed[t.advertise] = true
	t.cancel = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.recvLoop(runCtx, sock)

	if t.cfg.Beacon.Enabled {
		b, err := newBeacon(t.cfg.Beacon, t.id, t.advertise, t.logger)
		if err != nil {
			t.logger.Warn("lan beacon unavailable", logging.Error(err))
		} else {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				b.run(runCtx, func(host string) { t.DialPeer(runCtx, host) })
			}()
		}
	}

	t.logger.Info("bus listening", logging.String("addr", addr), logging.Peer(t.id), logging.Host(t.advertise))
	return nil
}

func (t *Transport) LocalID() string { return t.id }

func (t *Transport) Advertise() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.advertise == "" {
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(t.cfg.ListenPort))
	}
	return t.advertise
}

// Bootstrap dials each host:port. Dials are asynchronous and retried by
// mangos until the peer answers.
func (t *Transport) Bootstrap(ctx context.Context, hosts []string) error {
	var errs []error
	for _, h := range hosts {
		if err := t.DialPeer(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DialPeer implements membership.PeerDialer. Each address is dialed once.
func (t *Transport) DialPeer(_ context.Context, host string) error {
	if _, _, err := net.SplitHostPort(host); err != nil {
		return fmt.Errorf("dial %q: %w", host, err)
	}

	t.mu.Lock()
	sock := t.sock
	if sock == nil {
		t.mu.Unlock()
		return ErrNotListening
	}
	if t.dialed[host] {
		t.mu.Unlock()
		return nil
	}
	t.dialed[host] = true
	t.mu.Unlock()

	err := sock.DialOptions("tcp://"+host, map[string]interface{}{
		mangos.OptionDialAsynch: true,
	})
	if err != nil {
		t.mu.Lock()
		delete(t.dialed, host)
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", host, err)
	}
	t.logger.Debug("dialing peer", logging.Host(host))
	return nil
}

func (t *Transport) Subscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.topics[topic] = true
	return nil
}

func (t *Transport) Unsubscribe(topic string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.topics, topic)
	return nil
}

// Publish sends data to every connected peer
func (t *Transport) Publish(_ context.Context, topic string, data []byte) error {
	t.mu.Lock()
	sock, subscribed := t.sock, t.topics[topic]
	t.mu.Unlock()
	if sock == nil {
		return ErrNotListening
	}
	if !subscribed {
		return fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}
	return t.send(sock, envelope{Kind: kindMessage, Topic: topic, Data: data})
}

func (t *Transport) Messages() <-chan membership.Message  { return t.msgs }
func (t *Transport) Events() <-chan membership.ConnEvent { return t.events }

func (t *Transport) ConnCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attached)
}

// Close closes the socket and waits for the receive loop and beacon
func (t *Transport) Close() error {
	t.mu.Lock()
	sock, cancel := t.sock, t.cancel
	t.sock = nil
	t.mu.Unlock()

	if sock == nil {
		return nil
	}
	cancel()
	err := sock.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) send(sock mangos.Socket, e envelope) error {
	e.From = t.id
	e.Addr = t.Advertise()
	data, err := e.marshal()
	if err != nil {
		return err
	}
	return sock.Send(data)
}

func (t *Transport) recvLoop(ctx context.Context, sock mangos.Socket) {
	defer t.wg.Done()

	for {
		msg, err := sock.RecvMsg()
		if err != nil {
			if errors.Is(err, mangos.ErrClosed) || ctx.Err() != nil {
				return
			}
			t.logger.Debug("bus receive failed", logging.Error(err))
			continue
		}

		var pipeID uint32
		if msg.Pipe != nil {
			pipeID = msg.Pipe.ID()
		}
		e, err := unmarshalEnvelope(msg.Body)
		msg.Free()
		if err != nil {
			t.logger.Debug("dropping malformed envelope", logging.Error(err))
			continue
		}
		if e.From == t.id || e.From == "" {
			continue
		}

		t.identify(pipeID, e)

		if e.Kind != kindMessage {
			continue
		}
		t.mu.Lock()
		subscribed := t.topics[e.Topic]
		t.mu.Unlock()
		if !subscribed {
			continue
		}

		select {
		case t.msgs <- membership.Message{From: e.From, Topic: e.Topic, Data: e.Data}:
		case <-ctx.Done():
			return
		}
	}
}

// identify binds a pipe to the peer instance that sent on it and reports
// the peer connected the first time it is seen
func (t *Transport) identify(pipeID uint32, e envelope) {
	t.mu.Lock()
	known := false
	for _, peer := range t.pipes {
		if peer == e.From {
			known = true
			break
		}
	}
	_, bound := t.pipes[pipeID]
	if pipeID != 0 && !bound {
		t.pipes[pipeID] = e.From
	}
	if e.Addr != "" {
		// Dialing a peer's listen address after it dialed us would duplicate the pipe
		t.dialed[e.Addr] = true
	}
	t.mu.Unlock()

	if !known && pipeID != 0 {
		t.sendEvent(membership.ConnEvent{PeerID: e.From, Kind: membership.Connected})
	}
}

// pipeEvent runs on mangos' goroutines and must not block
func (t *Transport) pipeEvent(ev mangos.PipeEvent, p mangos.Pipe) {
	switch ev {
	case mangos.PipeEventAttached:
		t.mu.Lock()
		t.attached[p.ID()] = true
		sock := t.sock
		t.mu.Unlock()
		if sock != nil {
			go t.send(sock, envelope{Kind: kindHello})
		}

	case mangos.PipeEventDetached:
		t.mu.Lock()
		delete(t.attached, p.ID())
		peer, ok := t.pipes[p.ID()]
		delete(t.pipes, p.ID())
		still := false
		for _, other := range t.pipes {
			if other == peer {
				still = true
				break
			}
		}
		t.mu.Unlock()
		if ok && !still {
			t.sendEvent(membership.ConnEvent{PeerID: peer, Kind: membership.Disconnected})
		}
	}
}

func (t *Transport) sendEvent(ev membership.ConnEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Debug("connection event dropped", logging.Peer(ev.PeerID), logging.String("kind", ev.Kind.String()))
	}
}

// detectHost picks the first non-loopback IPv4 address when listening on
// all interfaces
func detectHost(listenHost string) string {
	if ip := net.ParseIP(listenHost); ip != nil && !ip.IsUnspecified() {
		return listenHost
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() {
			continue
		}
		if v4 := ipnet.IP.To4(); v4 != nil {
			return v4.String()
		}
	}
	return "127.0.0.1"
}

var (
	_ membership.Transport  = (*Transport)(nil)
	_ membership.PeerDialer = (*Transport)(nil)
)
