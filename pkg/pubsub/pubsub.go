// Package pubsub fans typed events out to in-process subscribers.
//
// Unlike a fire-and-forget bus, Publish applies backpressure: a slow
// subscriber stalls the publisher until it catches up, unsubscribes, or the
// publisher's context ends. Membership join/leave notifications rely on
// this so that no subscriber misses an event.
package pubsub

import (
	"context"
	"errors"
	"sync"
)

// DefaultBuffer is the per-subscription channel capacity
const DefaultBuffer = 64

// ErrClosed is returned when subscribing to a broker that has shut down
var ErrClosed = errors.New("pubsub: broker closed")

// Broker delivers every published value to every live subscription, in
// publish order.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
	buffer int
}

// Subscription is one subscriber's view of a Broker
type Subscription[T any] struct {
	broker  *Broker[T]
	ch      chan T
	done    chan struct{}
	mu      sync.RWMutex // held for read while sending, for write while closing
	closed  bool
	endOnce sync.Once
}

// NewBroker creates a broker whose subscriptions buffer up to buffer values.
// A non-positive buffer selects DefaultBuffer.
func NewBroker[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker[T]{
		subs:   make(map[*Subscription[T]]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a new subscription. It is removed when ctx ends,
// when Unsubscribe is called, or when the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) (*Subscription[T], error) {
	sub := &Subscription[T]{
		broker: b,
		ch:     make(chan T, b.buffer),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.done:
		}
	}()

	return sub, nil
}

// Publish delivers v to every subscription. It blocks while a subscriber's
// buffer is full and returns ctx.Err() if ctx ends first; subscribers that
// already received v keep it.
func (b *Broker[T]) Publish(ctx context.Context, v T) error {
	// Snapshot so a concurrent Unsubscribe doesn't race the iteration
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	subs := make([]*Subscription[T], 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.deliver(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Shutdown closes every subscription. Later Publish and Subscribe calls
// return ErrClosed.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription[T]]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.end()
	}
}

// C returns the subscription's delivery channel. It is closed once the
// subscription ends.
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Unsubscribe removes the subscription and closes its channel. Safe to
// call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.broker.mu.Lock()
	delete(s.broker.subs, s)
	s.broker.mu.Unlock()

	s.end()
}

func (s *Subscription[T]) deliver(ctx context.Context, v T) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil
	}
	select {
	case s.ch <- v:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Subscription[T]) end() {
	s.endOnce.Do(func() {
		// Wake blocked senders before taking the write lock
		close(s.done)
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}
