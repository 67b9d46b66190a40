package health

import (
	"context"
	"time"
)

// SimpleCheck creates a simple health check that always returns healthy
func SimpleCheck(name string) CheckFunc {
	return func(context.Context) Check {
		return Check{
			Name:        name,
			Status:      StatusHealthy,
			LastChecked: time.Now(),
		}
	}
}

// PingCheck reports unhealthy when ping fails. Used for the container
// runtime and the coordination registry.
func PingCheck(name string, ping func(ctx context.Context) error) CheckFunc {
	return func(ctx context.Context) Check {
		check := Check{Name: name}

		if err := ping(ctx); err != nil {
			check.Status = StatusUnhealthy
			check.Message = err.Error()
		} else {
			check.Status = StatusHealthy
			check.Message = "Reachable"
		}

		return check
	}
}

// MembershipCheck reports the gossip view. A node alone in the cluster is
// degraded, not unhealthy: it may simply be the first node up.
func MembershipCheck(getState func() (running bool, members, connections int)) CheckFunc {
	return func(context.Context) Check {
		check := Check{
			Name:    "membership",
			Details: make(map[string]any),
		}

		running, members, connections := getState()

		check.Details["running"] = running
		check.Details["members"] = members
		check.Details["connections"] = connections

		if !running {
			check.Status = StatusUnhealthy
			check.Message = "Membership not running"
		} else if members == 0 {
			check.Status = StatusDegraded
			check.Message = "No peers seen"
		} else {
			check.Status = StatusHealthy
			check.Message = "Peers live"
		}

		return check
	}
}

// BindingCheck reports whether the node runs the workload it was assigned
func BindingCheck(getState func() (assigned, bound string)) CheckFunc {
	return func(context.Context) Check {
		check := Check{
			Name:    "binding",
			Details: make(map[string]any),
		}

		assigned, bound := getState()

		check.Details["assigned"] = assigned
		check.Details["bound"] = bound

		if assigned == bound {
			check.Status = StatusHealthy
			if bound == "" {
				check.Message = "Unassigned"
			} else {
				check.Message = "Workload running"
			}
		} else {
			check.Status = StatusDegraded
			check.Message = "Converging"
		}

		return check
	}
}
