package membership

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/metrics"
	"github.com/dd0wney/canteen/pkg/pubsub"
	ma "github.com/multiformats/go-multiaddr"
)

// eventBuffer sizes the queue between table writers and the dispatcher
const eventBuffer = 256

// Directory tracks live peers
//
// Concurrent Safety:
// 1. The event loop is the only writer for messages and connection events
// 2. The pruner is the only deleter
// 3. writeMu orders every table change with the events it emits
// 4. Readers take mu.RLock and receive copies
type Directory struct {
	cfg       Config
	transport Transport
	logger    logging.Logger
	metrics   *metrics.Registry
	clock     Clock
	broker    *pubsub.Broker[Event]

	mu    sync.RWMutex
	peers map[string]*PeerRecord // peerID -> record

	writeMu sync.Mutex
	events  chan Event

	// dialed holds hosts learned by peer exchange; event loop only
	dialed map[string]struct{}

	host atomic.Value // string, set once in Start

	lifeMu  sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Directory
type Option func(*Directory)

// WithClock replaces the wall clock
func WithClock(c Clock) Option {
	return func(d *Directory) { d.clock = c }
}

// WithMetrics records heartbeat and membership metrics to m
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Directory) { d.metrics = m }
}

// New creates a directory over transport. It does not touch the network
// until Start.
func New(cfg Config, transport Transport, logger logging.Logger, opts ...Option) *Directory {
	d := &Directory{
		cfg:       cfg,
		transport: transport,
		logger:    logging.OrNop(logger).With(logging.Component("membership")),
		clock:     realClock{},
		broker:    pubsub.NewBroker[Event](pubsub.DefaultBuffer),
		peers:     make(map[string]*PeerRecord),
		events:    make(chan Event, eventBuffer),
		dialed:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start listens, dials the bootstrap peers, subscribes to the heartbeat
// topic and launches the broadcaster, pruner, event loop and dispatcher.
// A listen or subscribe failure is returned wrapped in ErrTransport.
func (d *Directory) Start(ctx context.Context) error {
	if err := d.cfg.Validate(); err != nil {
		return err
	}

	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.stopped {
		return ErrStopped
	}
	if d.started {
		return ErrAlreadyStarted
	}

	if err := d.transport.Listen(ctx); err != nil {
		return fmt.Errorf("%w: listen: %v", ErrTransport, err)
	}

	host := d.cfg.AdvertiseAddr
	if host == "" {
		host = d.transport.Advertise()
	}
	d.host.Store(host)

	if err := d.transport.Subscribe(d.cfg.Topic); err != nil {
		d.transport.Close()
		return fmt.Errorf("%w: subscribe %s: %v", ErrTransport, d.cfg.Topic, err)
	}

	if hosts := excludeSelf(d.cfg.Bootstrap, host); len(hosts) > 0 {
		if err := d.transport.Bootstrap(ctx, hosts); err != nil {
			d.logger.Warn("bootstrap incomplete", logging.Error(err), logging.Strings("bootstrap", hosts))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.started = true

	d.wg.Add(4)
	go d.eventLoop(runCtx)
	go d.dispatchLoop(runCtx)
	go d.broadcastLoop(runCtx)
	go d.pruneLoop(runCtx)

	d.logger.Info("membership started",
		logging.Host(host),
		logging.Peer(d.transport.LocalID()),
		logging.Duration("heartbeat_interval", d.cfg.HeartbeatInterval),
		logging.Duration("peer_ttl", d.cfg.PeerTTL))
	return nil
}

// Stop unsubscribes, stops the periodic tasks, closes the transport and
// clears the peer table. Waiting for the tasks is bounded by ctx.
func (d *Directory) Stop(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if !d.started || d.stopped {
		d.stopped = true
		return nil
	}
	d.stopped = true

	if err := d.transport.Unsubscribe(d.cfg.Topic); err != nil {
		d.logger.Warn("unsubscribe failed", logging.Error(err))
	}

	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("membership stop: %w", ctx.Err())
	}

	closeErr := d.transport.Close()
	d.broker.Shutdown()

	d.mu.Lock()
	clear(d.peers)
	d.mu.Unlock()

	d.logger.Info("membership stopped")
	if waitErr != nil {
		return waitErr
	}
	if closeErr != nil {
		return fmt.Errorf("%w: close: %v", ErrTransport, closeErr)
	}
	return nil
}

// Host returns this node's advertised address
func (d *Directory) Host() string {
	h, _ := d.host.Load().(string)
	return h
}

// Running reports whether Start succeeded and Stop has not been called
func (d *Directory) Running() bool {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.started && !d.stopped
}

// PeerID returns this node's transport identity
func (d *Directory) PeerID() string {
	return d.transport.LocalID()
}

// Connections returns the number of open transport connections
func (d *Directory) Connections() int {
	return d.transport.ConnCount()
}

// Members returns the host addresses of peers seen within the TTL, sorted
func (d *Directory) Members() []string {
	now := d.clock.Now()

	d.mu.RLock()
	defer d.mu.RUnlock()

	members := make([]string, 0, len(d.peers))
	for _, rec := range d.peers {
		if now.Sub(rec.LastSeenAt) < d.cfg.PeerTTL {
			members = append(members, rec.HostAddress)
		}
	}
	slices.Sort(members)
	return members
}

// Peers returns a copy of every record in the table, sorted by peer id
func (d *Directory) Peers() []PeerRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]PeerRecord, 0, len(d.peers))
	for _, rec := range d.peers {
		out = append(out, *rec)
	}
	slices.SortFunc(out, func(a, b PeerRecord) int {
		return strings.Compare(a.PeerID, b.PeerID)
	})
	return out
}

// Subscribe returns a stream of join and leave events. Slow subscribers
// apply backpressure to the dispatcher rather than losing events.
func (d *Directory) Subscribe(ctx context.Context) (*pubsub.Subscription[Event], error) {
	return d.broker.Subscribe(ctx)
}

// excludeSelf drops blank entries and any entry that resolves to self.
// Entries may carry a peer id suffix or be full multiaddrs.
func excludeSelf(hosts []string, self string) []string {
	out := make([]string, 0, len(hosts))
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" || entryHost(h) == self {
			continue
		}
		out = append(out, h)
	}
	return out
}

// entryHost reduces a bootstrap entry to host:port. Entries it cannot
// parse are returned unchanged.
func entryHost(entry string) string {
	if !strings.HasPrefix(entry, "/") {
		hostPort, _, _ := strings.Cut(entry, "/p2p/")
		return hostPort
	}

	m, err := ma.NewMultiaddr(entry)
	if err != nil {
		return entry
	}
	port, err := m.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return entry
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if host, err := m.ValueForProtocol(code); err == nil {
			return net.JoinHostPort(host, port)
		}
	}
	return entry
}
