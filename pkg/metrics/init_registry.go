package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initRegistryMetrics() {
	r.RegistryRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_registry_requests_total",
			Help: "Coordination registry calls by operation and outcome",
		},
		[]string{"op", "result"}, // assignment|is_active|register, ok|error|already_registered
	)

	r.RegistryDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canteen_registry_request_duration_seconds",
			Help:    "Coordination registry call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
}

func (r *Registry) initHTTPMetrics() {
	r.HTTPRequestsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_http_requests_total",
			Help: "Status endpoint requests",
		},
		[]string{"method", "path", "status"},
	)

	r.HTTPRequestDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canteen_http_request_duration_seconds",
			Help:    "Status endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
}
