package membership

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeTransport is an in-memory Transport driven by the test
type fakeTransport struct {
	id        string
	advertise string
	listenErr error
	pubErr    error

	msgs   chan Message
	events chan ConnEvent

	mu           sync.Mutex
	published    [][]byte
	bootstrapped []string
	subscribed   map[string]bool
	closed       bool
}

func newFakeTransport(id, advertise string) *fakeTransport {
	return &fakeTransport{
		id:         id,
		advertise:  advertise,
		msgs:       make(chan Message, 16),
		events:     make(chan ConnEvent, 16),
		subscribed: make(map[string]bool),
	}
}

func (f *fakeTransport) Listen(context.Context) error { return f.listenErr }
func (f *fakeTransport) LocalID() string              { return f.id }
func (f *fakeTransport) Advertise() string            { return f.advertise }

func (f *fakeTransport) Bootstrap(_ context.Context, hosts []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bootstrapped = append(f.bootstrapped, hosts...)
	return nil
}

func (f *fakeTransport) Subscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[topic] = true
	return nil
}

func (f *fakeTransport) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subscribed, topic)
	return nil
}

func (f *fakeTransport) Publish(_ context.Context, _ string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.published = append(f.published, data)
	return nil
}

func (f *fakeTransport) Messages() <-chan Message  { return f.msgs }
func (f *fakeTransport) Events() <-chan ConnEvent  { return f.events }
func (f *fakeTransport) ConnCount() int            { return 0 }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// dialingTransport adds peer exchange dialing
type dialingTransport struct {
	*fakeTransport
	dialMu sync.Mutex
	dials  []string
}

func (d *dialingTransport) DialPeer(_ context.Context, host string) error {
	d.dialMu.Lock()
	defer d.dialMu.Unlock()
	d.dials = append(d.dials, host)
	return nil
}

// manualClock only moves when Advance is called
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*manualTicker
}

type manualTicker struct {
	c       chan time.Time
	period  time.Duration
	next    time.Time
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTicker{c: make(chan time.Time, 1), period: d, next: c.now.Add(d)}
	c.tickers = append(c.tickers, t)
	return &manualTickerHandle{clock: c, t: t}
}

func (c *manualClock) tickerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers)
}

// Advance moves time forward by d and fires due tickers. Like time.Ticker,
// a tick is dropped if the previous one has not been received.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	for _, t := range c.tickers {
		for !t.stopped && !t.next.After(c.now) {
			select {
			case t.c <- t.next:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

type manualTickerHandle struct {
	clock *manualClock
	t     *manualTicker
}

func (h *manualTickerHandle) C() <-chan time.Time { return h.t.c }

func (h *manualTickerHandle) Stop() {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	h.t.stopped = true
}

func heartbeatMessage(from, host string, at time.Time) Message {
	data, _ := Heartbeat{Type: HeartbeatType, Host: host, Timestamp: at.UnixMilli()}.Encode()
	return Message{From: from, Topic: DefaultTopic, Data: data}
}

// drainEvents returns the events queued without a running dispatcher
func drainEvents(d *Directory) []Event {
	var out []Event
	for {
		select {
		case ev := <-d.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

var errBoom = errors.New("boom")
