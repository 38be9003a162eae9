package restore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "pnode"

type metrics struct {
	submitted  prometheus.Counter
	completed  *prometheus.CounterVec
	queueDepth prometheus.Gauge
	executors  prometheus.Counter
	duration   prometheus.Histogram
}

// newMetrics registers the restore collectors on reg. A nil reg leaves them
// unregistered.
func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		submitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "restore",
			Name:      "submitted_total",
			Help:      "Restore requests submitted.",
		}),
		completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "restore",
			Name:      "completed_total",
			Help:      "Restore requests completed, by result.",
		}, []string{"result"}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "restore",
			Name:      "queue_depth",
			Help:      "Restore requests waiting for the worker.",
		}),
		executors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "restore",
			Name:      "executors_spawned_total",
			Help:      "Executors that started running.",
		}),
		duration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "restore",
			Name:      "duration_seconds",
			Help:      "Time from submission to completion.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}
}
