package raft

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "agency"
	subsystem = "raft"
)

type nodeMetrics struct {
	term        prometheus.Gauge
	commitIndex prometheus.Gauge
	leader      prometheus.Gauge
	writes      *prometheus.CounterVec
	elections   prometheus.Counter
}

func newNodeMetrics() *nodeMetrics {
	return &nodeMetrics{
		term: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "term",
			Help:      "Current election term",
		}),
		commitIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commit_index",
			Help:      "Highest log index known to be committed",
		}),
		leader: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "leader",
			Help:      "1 if this node is the leader, 0 otherwise",
		}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "writes_total",
			Help:      "Number of client writes, by result",
		}, []string{"result"}),
		elections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "elections_total",
			Help:      "Number of elections started by this node",
		}),
	}
}

// PrometheusCollectors satisfies the prom.PrometheusCollector interface.
func (n *Node) PrometheusCollectors() []prometheus.Collector {
	cs := []prometheus.Collector{
		n.metrics.term,
		n.metrics.commitIndex,
		n.metrics.leader,
		n.metrics.writes,
		n.metrics.elections,
	}
	return append(cs, n.applier.PrometheusCollectors()...)
}
