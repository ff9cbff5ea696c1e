package compaction

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "agency"
	subsystem = "compaction"
)

type managerMetrics struct {
	compactions   *prometheus.CounterVec
	boundary      prometheus.Gauge
	snapshotBytes prometheus.Gauge
	duration      prometheus.Histogram
}

func newManagerMetrics() *managerMetrics {
	return &managerMetrics{
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "total",
			Help:      "Number of compactions attempted, by result",
		}, []string{"result"}),
		boundary: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "boundary_index",
			Help:      "Boundary index of the newest compaction record",
		}),
		snapshotBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "snapshot_bytes",
			Help:      "Size of the newest compaction snapshot",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "duration_seconds",
			Help:      "Time spent building and storing a compaction record",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Manager) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.compactions,
		m.metrics.boundary,
		m.metrics.snapshotBytes,
		m.metrics.duration,
	}
}
