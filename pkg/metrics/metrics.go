package metrics

import (
	"runtime"
	"time"
)

// Label values shared by callers
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// RecordHeartbeat counts one heartbeat in the given direction ("sent" or "received")
func (r *Registry) RecordHeartbeat(direction string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.HeartbeatsTotal.WithLabelValues(direction, result).Inc()
}

// RecordMembershipEvent counts a join or leave and updates the live peer gauge
func (r *Registry) RecordMembershipEvent(eventType string, livePeers int) {
	r.MembershipEvents.WithLabelValues(eventType).Inc()
	r.MembershipPeers.Set(float64(livePeers))
}

// RecordTick counts a reconciliation tick outcome
func (r *Registry) RecordTick(result string) {
	r.ReconcileTicksTotal.WithLabelValues(result).Inc()
}

// RecordPull records an image pull with its duration
func (r *Registry) RecordPull(err error, duration time.Duration) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	r.ImagePullsTotal.WithLabelValues(result).Inc()
	r.ImagePullDuration.Observe(duration.Seconds())
}

// RecordRebind records a rebind attempt. Duration is only observed on success.
func (r *Registry) RecordRebind(result string, duration time.Duration) {
	r.RebindTotal.WithLabelValues(result).Inc()
	if result == "success" {
		r.RebindDuration.Observe(duration.Seconds())
	}
}

// SetBindingActive flips the binding gauge
func (r *Registry) SetBindingActive(active bool) {
	if active {
		r.BindingActive.Set(1)
	} else {
		r.BindingActive.Set(0)
	}
}

// RecordRuntimeError counts a failed runtime call
func (r *Registry) RecordRuntimeError(op string) {
	r.RuntimeErrorsTotal.WithLabelValues(op).Inc()
}

// RecordRegistryRequest records a coordination registry call
func (r *Registry) RecordRegistryRequest(op, result string, duration time.Duration) {
	r.RegistryRequestsTotal.WithLabelValues(op, result).Inc()
	r.RegistryDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHTTPRequest records a status endpoint request with its duration
func (r *Registry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	r.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// UpdateSystemMetrics refreshes uptime and runtime gauges
func (r *Registry) UpdateSystemMetrics() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	r.UptimeSeconds.Set(time.Since(r.startedAt).Seconds())
	r.GoRoutines.Set(float64(runtime.NumGoroutine()))
	r.MemoryAllocBytes.Set(float64(ms.Alloc))
}
