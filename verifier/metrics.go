package verifier

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "agency"
	subsystem = "verifier"
)

type monitorMetrics struct {
	verifications *prometheus.CounterVec
	repairs       *prometheus.CounterVec
	duration      prometheus.Histogram
	divergent     *prometheus.GaugeVec
}

func newMonitorMetrics() *monitorMetrics {
	return &monitorMetrics{
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "verifications_total",
			Help:      "Number of follower trees compared with their leader, by result",
		}, []string{"result"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "repairs_total",
			Help:      "Number of repair attempts, by result",
		}, []string{"result"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "round_duration_seconds",
			Help:      "Time taken by a verification round over all shards",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		divergent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "divergent_buckets",
			Help:      "Number of buckets in which a follower last differed from its leader",
		}, []string{"shard", "server"}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (m *Monitor) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.metrics.verifications,
		m.metrics.repairs,
		m.metrics.duration,
		m.metrics.divergent,
	}
}
