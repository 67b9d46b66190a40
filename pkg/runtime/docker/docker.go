// Package docker implements runtime.Runtime on the Docker Engine API.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/go-connections/nat"

	"github.com/dd0wney/canteen/pkg/logging"
	"github.com/dd0wney/canteen/pkg/runtime"
)

// DefaultStopTimeout is how long the engine waits before killing a
// stopping container
const DefaultStopTimeout = 10 * time.Second

// Runtime talks to a Docker daemon
type Runtime struct {
	cli         *client.Client
	stopTimeout time.Duration
	logger      logging.Logger
}

// New connects to the daemon at host, e.g. "unix:///var/run/docker.sock".
// The API version is negotiated on first use.
func New(host string, logger logging.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(host),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrRuntime, err)
	}
	return &Runtime{
		cli:         cli,
		stopTimeout: DefaultStopTimeout,
		logger:      logging.OrNop(logger).With(logging.Component("docker")),
	}, nil
}

// Close releases the client's transport
func (r *Runtime) Close() error {
	return r.cli.Close()
}

func (r *Runtime) Ping(ctx context.Context) error {
	if _, err := r.cli.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", runtime.ErrRuntime, err)
	}
	return nil
}

// Pull streams the daemon's JSON progress messages as PullEvents
func (r *Runtime) Pull(ctx context.Context, ref string) iter.Seq[runtime.PullEvent] {
	return func(yield func(runtime.PullEvent) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		rc, err := r.cli.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			yield(runtime.PullEvent{Err: err})
			return
		}
		defer rc.Close()

		dec := json.NewDecoder(rc)
		for {
			var msg jsonmessage.JSONMessage
			if err := dec.Decode(&msg); err != nil {
				if errors.Is(err, io.EOF) {
					yield(runtime.PullEvent{Done: true})
				} else {
					yield(runtime.PullEvent{Err: err})
				}
				return
			}
			if msg.Error != nil {
				yield(runtime.PullEvent{Err: msg.Error})
				return
			}

			ev := runtime.PullEvent{Status: msg.Status, ID: msg.ID}
			if msg.Progress != nil {
				ev.Progress = msg.Progress.String()
			}
			if !yield(ev) {
				return
			}
		}
	}
}

func (r *Runtime) List(ctx context.Context) ([]runtime.Container, error) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", runtime.ErrRuntime, err)
	}

	out := make([]runtime.Container, 0, len(list))
	for _, c := range list {
		out = append(out, runtime.Container{
			ID:      c.ID,
			Image:   c.Image,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return out, nil
}

func (r *Runtime) Create(ctx context.Context, spec runtime.Spec) (string, error) {
	exposed, bindings, err := portConfig(spec.Ports)
	if err != nil {
		return "", fmt.Errorf("%w: %v", runtime.ErrRuntime, err)
	}

	cfg := &container.Config{
		Image:        spec.Image,
		ExposedPorts: exposed,
		Labels:       spec.Labels,
	}
	hostCfg := &container.HostConfig{PortBindings: bindings}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return "", fmt.Errorf("%w: create %s: %v", runtime.ErrRuntime, spec.Image, err)
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning", logging.Image(spec.Image), logging.String("warning", w))
	}
	return resp.ID, nil
}

func (r *Runtime) Start(ctx context.Context, id string) error {
	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: start %s: %v", runtime.ErrRuntime, id, err)
	}
	return nil
}

// Stop stops id. A container that no longer exists counts as stopped.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	secs := int(r.stopTimeout / time.Second)
	err := r.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: stop %s: %v", runtime.ErrRuntime, id, err)
	}
	return nil
}

// Remove removes id. A container that no longer exists counts as removed.
func (r *Runtime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("%w: remove %s: %v", runtime.ErrRuntime, id, err)
	}
	return nil
}

// portConfig converts port mappings to the engine's exposed-port set and
// host bindings
func portConfig(ports []runtime.Port) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	exposed := make(nat.PortSet, len(ports))
	bindings := make(nat.PortMap, len(ports))
	for _, p := range ports {
		port, err := nat.NewPort(p.Protocol, strconv.Itoa(int(p.ContainerPort)))
		if err != nil {
			return nil, nil, err
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostPort: strconv.Itoa(int(p.HostPort)),
		})
	}
	return exposed, bindings, nil
}

var _ runtime.Runtime = (*Runtime)(nil)
