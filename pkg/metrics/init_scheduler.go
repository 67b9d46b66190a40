package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSchedulerMetrics() {
	r.ReconcileTicksTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_reconcile_ticks_total",
			Help: "Reconciliation ticks by outcome",
		},
		[]string{"result"}, // noop, rebind, teardown, read_error, skipped, failed
	)

	r.RebindTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_rebind_total",
			Help: "Rebind attempts by outcome",
		},
		[]string{"result"}, // success, pull_error, runtime_error
	)

	r.RebindDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canteen_rebind_duration_seconds",
			Help:    "Wall time of a rebind from pull start to binding update",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	r.ImagePullsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_image_pulls_total",
			Help: "Image pulls by outcome",
		},
		[]string{"result"}, // success, error
	)

	r.ImagePullDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "canteen_image_pull_duration_seconds",
			Help:    "Duration of image pulls",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 180},
		},
	)

	r.BindingActive = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "canteen_binding_active",
			Help: "Whether a container is currently bound (1=yes, 0=no)",
		},
	)

	r.RuntimeErrorsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "canteen_runtime_errors_total",
			Help: "Container runtime call failures",
		},
		[]string{"op"}, // list, create, start, stop, remove
	)
}
