// Package scheduler reconciles the local container runtime with the
// workload the coordination registry assigns to this node.
//
// Each tick reads the assignment and, when it differs from the last one
// applied, moves the node's single binding to it. The replacement is
// started before the previous container is stopped, so a failed rebind
// leaves the old workload running.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/metrics"
	"github.com/dd0wney/canteen/pkg/registry"
	"github.com/dd0wney/canteen/pkg/runtime"
)

// Tick outcomes, used as metric labels
const (
	TickNoop            = "noop"
	TickApplied         = "applied"
	TickCleared         = "cleared"
	TickSkipped         = "skipped"
	TickAssignmentError = "assignment_error"
	TickRebindError     = "rebind_error"
	TickTeardownError   = "teardown_error"
)

// HostProvider supplies the address this node registers and is assigned under
type HostProvider interface {
	Host() string
}

// StaticHost is a fixed HostProvider
type StaticHost string

func (h StaticHost) Host() string { return string(h) }

// Binding is the container currently serving this node's workload
type Binding struct {
	Image       string `json:"image"`
	ContainerID string `json:"containerId"`
	Running     bool   `json:"running"`

	Ports []runtime.Port `json:"ports,omitempty"`
}

// Scheduler owns the node's binding
type Scheduler struct {
	cfg     Config
	dir     registry.Directory
	rt      runtime.Runtime
	host    HostProvider
	logger  logging.Logger
	metrics *metrics.Registry
	sleep   func(ctx context.Context, d time.Duration) error

	// tickSem serializes ticks and cleanup. It is a channel so Cleanup can
	// give up when its context ends.
	tickSem chan struct{}

	// pending holds containers whose teardown failed after the binding
	// moved on. Guarded by tickSem.
	pending []string

	stateMu     sync.RWMutex
	binding     *Binding
	lastApplied registry.Assignment

	lifeMu  sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customizes a Scheduler
type Option func(*Scheduler)

// WithMetrics records tick, pull and rebind metrics to m
func WithMetrics(m *metrics.Registry) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler. Nothing runs until Start.
func New(cfg Config, dir registry.Directory, rt runtime.Runtime, host HostProvider, logger logging.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:    cfg,
		dir:    dir,
		rt:     rt,
		host:   host,
		logger: logging.OrNop(logger).With(logging.Component("scheduler")),
		sleep:  sleepContext,

		tickSem: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start checks the runtime, registers the node and starts ticking.
// Failures here are fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.rt.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	if err := s.RegisterNode(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.started = true

	s.wg.Add(1)
	go s.loop(runCtx)

	s.logger.Info("scheduler started",
		logging.Host(s.host.Host()),
		logging.Duration("tick_interval", s.cfg.TickInterval))
	return nil
}

// Stop cancels the tick loop and waits for an in-flight tick, bounded by
// ctx. A cancelled tick aborts its pull.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("reconcile tick failed", logging.Error(err))
			}
		}
	}
}

// RegisterNode makes sure this host is a registry member. An already
// active host is not registered again. A duplicate rejection counts as
// success, as does a read-only registry client.
func (s *Scheduler) RegisterNode(ctx context.Context) error {
	host := s.host.Host()

	active, err := s.dir.IsActive(ctx, host)
	switch {
	case err != nil:
		s.logger.Warn("membership check failed, registering anyway", logging.Host(host), logging.Error(err))
	case active:
		s.logger.Info("node already registered", logging.Host(host))
		return nil
	}

	err = s.dir.Register(ctx, host)
	switch {
	case err == nil:
		s.logger.Info("node registered", logging.Host(host))
	case errors.Is(err, registry.ErrAlreadyRegistered):
		s.logger.Info("node already registered", logging.Host(host))
	case errors.Is(err, registry.ErrReadOnly):
		s.logger.Warn("registry is read-only, awaiting external registration", logging.Host(host))
	default:
		return fmt.Errorf("%w: %s: %v", ErrRegistration, host, err)
	}
	return nil
}

// Binding returns the current binding, if any
func (s *Scheduler) Binding() (Binding, bool) {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	if s.binding == nil {
		return Binding{}, false
	}
	return *s.binding, true
}

// LastApplied returns the last assignment the node converged to
func (s *Scheduler) LastApplied() registry.Assignment {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.lastApplied
}

func (s *Scheduler) setState(b *Binding, applied registry.Assignment) {
	s.stateMu.Lock()
	s.binding = b
	s.lastApplied = applied
	s.stateMu.Unlock()

	if s.metrics != nil {
		s.metrics.SetBindingActive(b != nil)
	}
}

func (s *Scheduler) recordTick(result string) {
	if s.metrics != nil {
		s.metrics.RecordTick(result)
	}
}

func (s *Scheduler) recordRuntimeError(op string) {
	if s.metrics != nil {
		s.metrics.RecordRuntimeError(op)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
