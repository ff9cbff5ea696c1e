package state

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "agency"
	subsystem = "state"
)

type applierMetrics struct {
	entries      *prometheus.CounterVec
	appliedIndex prometheus.Gauge
	clients      prometheus.Gauge
}

func newApplierMetrics() *applierMetrics {
	return &applierMetrics{
		entries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "entries_total",
			Help:      "Number of log entries applied, by outcome",
		}, []string{"outcome"}),
		appliedIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "applied_index",
			Help:      "Index of the last log entry applied to the state tree",
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tracked_clients",
			Help:      "Number of client ids with recorded progress",
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (a *Applier) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{a.metrics.entries, a.metrics.appliedIndex, a.metrics.clients}
}
