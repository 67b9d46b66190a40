package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/registry"
	"github.com/dd0wney/canteen/pkg/runtime"
)

// Container labels written on every container the scheduler creates
const (
	LabelManaged = "io.canteen.managed"
	LabelHost    = "io.canteen.host"
	LabelPorts   = "io.canteen.ports"
)

// Tick runs one reconciliation pass. A tick that finds the previous one
// still running returns immediately.
func (s *Scheduler) Tick(ctx context.Context) error {
	select {
	case s.tickSem <- struct{}{}:
	default:
		s.recordTick(TickSkipped)
		return nil
	}
	defer func() { <-s.tickSem }()

	s.retryPending(ctx)

	host := s.host.Host()
	want, err := s.dir.Assignment(ctx, host)
	if err != nil {
		s.recordTick(TickAssignmentError)
		return fmt.Errorf("%w: %v", ErrAssignmentRead, err)
	}

	if want.Equal(s.LastApplied()) {
		s.recordTick(TickNoop)
		return nil
	}

	if want.Unassigned() {
		if b, ok := s.Binding(); ok {
			s.logger.Info("assignment cleared, removing workload", logging.Image(b.Image), logging.ContainerID(b.ContainerID))
			if err := s.teardown(ctx, b.ContainerID); err != nil {
				s.recordTick(TickTeardownError)
				return err
			}
		}
		s.setState(nil, want)
		s.recordTick(TickCleared)
		return nil
	}

	s.logger.Info("assignment changed",
		logging.String("from", s.LastApplied().String()),
		logging.String("to", want.String()))

	if err := s.rebind(ctx, want); err != nil {
		s.recordTick(TickRebindError)
		return err
	}
	s.recordTick(TickApplied)
	return nil
}

// rebind moves the binding to want. The binding and last applied
// assignment change only once the new container has started.
//
// The new container is started before the previous one is removed. When
// the previous binding publishes a host port the new container needs, the
// previous container is stopped just before the start and restarted if
// the start fails.
func (s *Scheduler) rebind(ctx context.Context, want registry.Assignment) error {
	start := time.Now()
	result := "success"
	defer func() {
		if s.metrics != nil {
			s.metrics.RecordRebind(result, time.Since(start))
		}
	}()

	pullStart := time.Now()
	err := runtime.PullAll(ctx, s.rt, want.Image, func(ev runtime.PullEvent) {
		s.logger.Debug("pull progress",
			logging.Image(want.Image),
			logging.String("status", ev.Status),
			logging.String("layer", ev.ID),
			logging.String("progress", ev.Progress))
	})
	if s.metrics != nil {
		s.metrics.RecordPull(err, time.Since(pullStart))
	}
	if err != nil {
		result = "pull_failed"
		return err
	}
	s.logger.Info("image pulled", logging.Image(want.Image), logging.Latency(time.Since(pullStart)))

	ports := s.resolvePorts(want)
	portsKey := portsLabel(ports)

	containers, err := s.rt.List(ctx)
	if err != nil {
		s.recordRuntimeError("list")
		result = "runtime_error"
		return err
	}

	prev, hasPrev := s.Binding()
	prevGone := false

	var id string
	created := false

	if running, ok := runtime.FindByImage(containers, want.Image, true); ok {
		// A running container of the target image is replaced rather than
		// adopted. If it is the current binding, the binding goes with it.
		s.logger.Info("replacing running container of target image", logging.ContainerID(running.ID), logging.Image(want.Image))
		if err := s.teardown(ctx, running.ID); err != nil {
			result = "runtime_error"
			return err
		}
		if hasPrev && prev.ContainerID == running.ID {
			prevGone = true
			s.setState(nil, s.LastApplied())
		}
		if err := s.sleep(ctx, s.cfg.RecreateDelay); err != nil {
			result = "cancelled"
			return err
		}
	} else if stopped, ok := findReusable(containers, want.Image, portsKey); ok {
		id = stopped.ID
		s.logger.Info("reusing stopped container", logging.ContainerID(id), logging.Image(want.Image))
	}

	if id == "" {
		id, err = s.rt.Create(ctx, runtime.Spec{
			Image: want.Image,
			Ports: ports,
			Labels: map[string]string{
				LabelManaged: "true",
				LabelHost:    s.host.Host(),
				LabelPorts:   portsKey,
			},
		})
		if err != nil {
			s.recordRuntimeError("create")
			result = "runtime_error"
			return err
		}
		created = true
		s.logger.Info("container created", logging.ContainerID(id), logging.Image(want.Image))
	}

	handoff := hasPrev && !prevGone && prev.ContainerID != id && hostPortsOverlap(prev.Ports, ports)
	if handoff {
		s.logger.Info("stopping previous container to release host ports",
			logging.ContainerID(prev.ContainerID),
			logging.Image(prev.Image),
			logging.Strings("ports", portStrings(ports)))
		if err := s.rt.Stop(ctx, prev.ContainerID); err != nil {
			s.recordRuntimeError("stop")
			result = "runtime_error"
			s.discard(ctx, id, created)
			return fmt.Errorf("%w: %v", ErrTeardown, err)
		}
	}

	if err := s.rt.Start(ctx, id); err != nil {
		s.recordRuntimeError("start")
		result = "start_failed"
		s.discard(ctx, id, created)
		if handoff {
			s.restore(ctx, prev)
		}
		return err
	}
	s.logger.Info("container started", logging.ContainerID(id), logging.Image(want.Image))

	if hasPrev && !prevGone && prev.ContainerID != id {
		remove := s.teardown
		if handoff {
			remove = s.remove
		}
		if err := remove(ctx, prev.ContainerID); err != nil {
			s.logger.Warn("previous container left behind, will retry",
				logging.ContainerID(prev.ContainerID),
				logging.Image(prev.Image),
				logging.Error(err))
			s.pending = append(s.pending, prev.ContainerID)
		}
	}

	s.setState(&Binding{Image: want.Image, ContainerID: id, Running: true, Ports: ports}, want)
	s.logger.Info("binding updated",
		logging.Image(want.Image),
		logging.ContainerID(id),
		logging.Strings("ports", portStrings(ports)),
		logging.Latency(time.Since(start)))
	return nil
}

// Cleanup stops and removes the bound container and forgets the applied
// assignment. Calling it with no binding does nothing.
func (s *Scheduler) Cleanup(ctx context.Context) error {
	select {
	case s.tickSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("cleanup: %w", ctx.Err())
	}
	defer func() { <-s.tickSem }()

	s.retryPending(ctx)

	b, ok := s.Binding()
	if !ok {
		s.setState(nil, registry.Assignment{})
		return nil
	}

	s.logger.Info("cleaning up bound container", logging.ContainerID(b.ContainerID), logging.Image(b.Image))
	if err := s.teardown(ctx, b.ContainerID); err != nil {
		return err
	}
	s.setState(nil, registry.Assignment{})
	return nil
}

// teardown stops then removes id
func (s *Scheduler) teardown(ctx context.Context, id string) error {
	if err := s.rt.Stop(ctx, id); err != nil {
		s.recordRuntimeError("stop")
		return fmt.Errorf("%w: %v", ErrTeardown, err)
	}
	return s.remove(ctx, id)
}

// remove removes an already stopped container
func (s *Scheduler) remove(ctx context.Context, id string) error {
	if err := s.rt.Remove(ctx, id); err != nil {
		s.recordRuntimeError("remove")
		return fmt.Errorf("%w: %v", ErrTeardown, err)
	}
	s.logger.Info("container removed", logging.ContainerID(id))
	return nil
}

// discard removes a container created for a start that did not happen
func (s *Scheduler) discard(ctx context.Context, id string, created bool) {
	if !created {
		return
	}
	if err := s.rt.Remove(context.WithoutCancel(ctx), id); err != nil {
		s.logger.Warn("failed to remove unstarted container", logging.ContainerID(id), logging.Error(err))
	}
}

// restore restarts the previous binding after a failed handoff. If that
// fails too the binding is kept but marked stopped, and the next tick
// retries the same transition.
func (s *Scheduler) restore(ctx context.Context, prev Binding) {
	if err := s.rt.Start(context.WithoutCancel(ctx), prev.ContainerID); err != nil {
		s.recordRuntimeError("start")
		s.logger.Error("failed to restart previous container",
			logging.ContainerID(prev.ContainerID),
			logging.Image(prev.Image),
			logging.Error(err))
		prev.Running = false
		s.setState(&prev, s.LastApplied())
		return
	}
	s.logger.Info("previous container restarted", logging.ContainerID(prev.ContainerID), logging.Image(prev.Image))
}

// retryPending tears down containers left behind by earlier rebinds
func (s *Scheduler) retryPending(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	for _, id := range s.pending {
		if err := s.teardown(ctx, id); err != nil {
			s.logger.Warn("left-behind container still not removed", logging.ContainerID(id), logging.Error(err))
			kept = append(kept, id)
		}
	}
	s.pending = kept
}

// hostPortsOverlap reports whether a and b publish a common host port
func hostPortsOverlap(a, b []runtime.Port) bool {
	for _, x := range a {
		for _, y := range b {
			if x.HostPort != 0 && x.HostPort == y.HostPort && x.Protocol == y.Protocol {
				return true
			}
		}
	}
	return false
}

// resolvePorts takes the assignment's ports, or the configured defaults
func (s *Scheduler) resolvePorts(a registry.Assignment) []runtime.Port {
	src := a.Ports
	if len(src) == 0 {
		src = s.cfg.DefaultPorts
	}
	out := make([]runtime.Port, len(src))
	for i, p := range src {
		n := p.Normalize()
		out[i] = runtime.Port{ContainerPort: n.ContainerPort, HostPort: n.HostPort, Protocol: n.Protocol}
	}
	return out
}

// findReusable returns a stopped container of image created with the same ports
func findReusable(containers []runtime.Container, image, portsKey string) (runtime.Container, bool) {
	for _, c := range containers {
		if c.Image == image && !c.Running && c.Labels[LabelPorts] == portsKey {
			return c, true
		}
	}
	return runtime.Container{}, false
}

func portsLabel(ports []runtime.Port) string {
	return strings.Join(portStrings(ports), ",")
}

func portStrings(ports []runtime.Port) []string {
	out := make([]string, len(ports))
	for i, p := range ports {
		out[i] = p.String()
	}
	return out
}
