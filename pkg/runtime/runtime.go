// Package runtime abstracts the local container engine the scheduler drives.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
)

// ErrRuntime wraps container lifecycle failures. They are retried on the
// next reconciliation tick.
var ErrRuntime = errors.New("container runtime error")

// Runtime is the container engine surface the scheduler needs
type Runtime interface {
	// Ping checks the engine is reachable
	Ping(ctx context.Context) error

	// Pull streams progress for fetching ref. The sequence ends with an
	// event whose Done or Err is set; a consumer stopping early cancels the
	// pull.
	Pull(ctx context.Context, ref string) iter.Seq[PullEvent]

	// List returns all containers, running or not
	List(ctx context.Context) ([]Container, error)

	// Create creates a stopped container and returns its id
	Create(ctx context.Context, spec Spec) (string, error)

	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}

// Container is a runtime-reported container
type Container struct {
	ID      string
	Image   string
	Running bool
	Labels  map[string]string
}

// Port exposes ContainerPort on HostPort for Protocol ("tcp" or "udp")
type Port struct {
	ContainerPort uint16 `json:"containerPort"`
	HostPort      uint16 `json:"hostPort"`
	Protocol      string `json:"protocol"`
}

func (p Port) String() string {
	return strconv.Itoa(int(p.HostPort)) + "/" + p.Protocol + "->" + strconv.Itoa(int(p.ContainerPort))
}

// Spec describes a container to create
type Spec struct {
	Image  string
	Ports  []Port
	Labels map[string]string
}

// PullEvent is one progress step of an image pull
type PullEvent struct {
	Status   string
	ID       string
	Progress string
	Done     bool
	Err      error
}

// PullError reports a failed pull. The binding is left untouched.
type PullError struct {
	Image string
	Err   error
}

func (e *PullError) Error() string {
	return fmt.Sprintf("pull %s: %v", e.Image, e.Err)
}

func (e *PullError) Unwrap() error { return e.Err }

// PullAll consumes the progress sequence to completion, passing each
// intermediate event to progress (which may be nil). It returns a
// *PullError if the pull failed, was cancelled, or ended without a
// terminal event.
func PullAll(ctx context.Context, rt Runtime, ref string, progress func(PullEvent)) error {
	done := false
	for ev := range rt.Pull(ctx, ref) {
		if ev.Err != nil {
			return &PullError{Image: ref, Err: ev.Err}
		}
		if ev.Done {
			done = true
			continue
		}
		if progress != nil {
			progress(ev)
		}
	}
	if err := ctx.Err(); err != nil {
		return &PullError{Image: ref, Err: err}
	}
	if !done {
		return &PullError{Image: ref, Err: errors.New("progress stream ended without completion")}
	}
	return nil
}

// FindByImage returns the first container created from image, preferring
// running ones when running is true
func FindByImage(containers []Container, image string, running bool) (Container, bool) {
	for _, c := range containers {
		if c.Image == image && c.Running == running {
			return c, true
		}
	}
	return Container{}, false
}
