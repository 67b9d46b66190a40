// Package registry defines the coordination directory a canteen node reads
// its desired workload from and registers itself with.
//
// The directory is external and externally consistent: ordering and
// durability of assignments belong to it. A node only ever reads its own
// assignment and writes its own registration.
package registry

import (
	"context"
	"slices"
	"strconv"
	"strings"
)

// Directory is the node-facing contract of the coordination registry
type Directory interface {
	// Assignment returns the desired workload for host. An Assignment with an
	// empty Image means the host is unassigned.
	Assignment(ctx context.Context, host string) (Assignment, error)

	// IsActive reports whether host is already a registered, active member
	IsActive(ctx context.Context, host string) (bool, error)

	// Register submits a registration for host. It returns
	// ErrAlreadyRegistered when the registry rejects the request as a
	// duplicate and ErrReadOnly when this client may not submit state changes.
	Register(ctx context.Context, host string) error

	Close() error
}

// Assignment is the desired workload for one host
type Assignment struct {
	Image string        `json:"image" yaml:"image"`
	Ports []PortMapping `json:"ports,omitempty" yaml:"ports,omitempty" validate:"dive"`
}

// PortMapping exposes one container port on the host
type PortMapping struct {
	ContainerPort uint16 `json:"container_port" yaml:"container_port" validate:"required"`
	HostPort      uint16 `json:"host_port,omitempty" yaml:"host_port,omitempty"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty" validate:"omitempty,oneof=tcp udp"`
}

// Unassigned reports whether the assignment names no workload
func (a Assignment) Unassigned() bool {
	return a.Image == ""
}

// Equal compares image and port list. Port order is significant.
func (a Assignment) Equal(b Assignment) bool {
	return a.Image == b.Image && slices.EqualFunc(a.Ports, b.Ports, func(x, y PortMapping) bool {
		return x.Normalize() == y.Normalize()
	})
}

// String renders the assignment for logs, e.g. "nginx:1.27 [8080/tcp->80]"
func (a Assignment) String() string {
	if a.Unassigned() {
		return "<unassigned>"
	}
	if len(a.Ports) == 0 {
		return a.Image
	}
	parts := make([]string, len(a.Ports))
	for i, p := range a.Ports {
		parts[i] = p.String()
	}
	return a.Image + " [" + strings.Join(parts, ",") + "]"
}

// Normalize fills defaults: protocol tcp, host port equal to container port
func (p PortMapping) Normalize() PortMapping {
	if p.Protocol == "" {
		p.Protocol = "tcp"
	}
	if p.HostPort == 0 {
		p.HostPort = p.ContainerPort
	}
	return p
}

func (p PortMapping) String() string {
	n := p.Normalize()
	return strconv.Itoa(int(n.HostPort)) + "/" + n.Protocol + "->" + strconv.Itoa(int(n.ContainerPort))
}
