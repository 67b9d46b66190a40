package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for a canteen node
type Registry struct {
	// Membership metrics
	MembershipPeers       prometheus.Gauge
	MembershipEvents      *prometheus.CounterVec
	HeartbeatsTotal       *prometheus.CounterVec
	HeartbeatDecodeErrors prometheus.Counter
	TransportConnections  prometheus.Gauge

	// Scheduler metrics
	ReconcileTicksTotal *prometheus.CounterVec
	RebindTotal         *prometheus.CounterVec
	RebindDuration      prometheus.Histogram
	ImagePullsTotal     *prometheus.CounterVec
	ImagePullDuration   prometheus.Histogram
	BindingActive       prometheus.Gauge
	RuntimeErrorsTotal  *prometheus.CounterVec

	// Registry (coordination directory) metrics
	RegistryRequestsTotal *prometheus.CounterVec
	RegistryDuration      *prometheus.HistogramVec

	// HTTP metrics for the status exporter
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	GoRoutines       prometheus.Gauge
	MemoryAllocBytes prometheus.Gauge

	registry  *prometheus.Registry
	startedAt time.Time
}

var (
	// Global registry instance
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a new metrics registry with all metrics initialized.
// Tests build their own so counters start at zero.
func NewRegistry() *Registry {
	r := &Registry{
		registry:  prometheus.NewRegistry(),
		startedAt: time.Now(),
	}

	r.initMembershipMetrics()
	r.initSchedulerMetrics()
	r.initRegistryMetrics()
	r.initHTTPMetrics()
	r.initSystemMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}
