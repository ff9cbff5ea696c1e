package revtree

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "agency"
	subsystem = "revtree"
)

type treeMetrics struct {
	pending  *prometheus.GaugeVec
	updates  *prometheus.CounterVec
	rebuilds *prometheus.CounterVec
	count    prometheus.Gauge
}

func newTreeMetrics(shardID string) *treeMetrics {
	labels := prometheus.Labels{"shard": shardID}
	return &treeMetrics{
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "pending_updates",
			Help:        "Number of queued updates not yet folded into the tree",
			ConstLabels: labels,
		}, []string{"kind"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "updates_total",
			Help:        "Number of updates drained from or refused by the queue, by kind and outcome",
			ConstLabels: labels,
		}, []string{"kind", "outcome"}),
		rebuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "rebuilds_total",
			Help:        "Number of tree rebuilds from the document source",
			ConstLabels: labels,
		}, []string{"result"}),
		count: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   subsystem,
			Name:        "revisions",
			Help:        "Number of revisions covered by the tree",
			ConstLabels: labels,
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (t *Tree) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{t.metrics.pending, t.metrics.updates, t.metrics.rebuilds, t.metrics.count}
}
