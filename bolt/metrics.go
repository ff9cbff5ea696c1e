package bolt

import (
	"github.com/prometheus/client_golang/prometheus"
	bolt "go.etcd.io/bbolt"
)

var _ prometheus.Collector = (*LogStore)(nil)

var (
	boltWritesDesc = prometheus.NewDesc(
		"agency_boltdb_writes_total",
		"Total number of boltdb writes",
		nil, nil)

	boltReadsDesc = prometheus.NewDesc(
		"agency_boltdb_reads_total",
		"Total number of boltdb reads",
		nil, nil)

	logFirstIndexDesc = prometheus.NewDesc(
		"agency_log_first_index",
		"Index of the first retained log entry",
		nil, nil)

	logLastIndexDesc = prometheus.NewDesc(
		"agency_log_last_index",
		"Index of the last log entry",
		nil, nil)

	logBoundaryDesc = prometheus.NewDesc(
		"agency_log_compaction_boundary",
		"Boundary index of the newest compaction record",
		nil, nil)

	revtreesDesc = prometheus.NewDesc(
		"agency_revtrees_total",
		"Number of persisted revision trees",
		nil, nil)
)

// Describe returns all descriptions of the collector.
func (s *LogStore) Describe(ch chan<- *prometheus.Desc) {
	ch <- boltWritesDesc
	ch <- boltReadsDesc
	ch <- logFirstIndexDesc
	ch <- logLastIndexDesc
	ch <- logBoundaryDesc
	ch <- revtreesDesc
}

// Collect returns the current state of all metrics of the collector.
func (s *LogStore) Collect(ch chan<- prometheus.Metric) {
	stats := s.db.Stats()
	ch <- prometheus.MustNewConstMetric(boltReadsDesc, prometheus.CounterValue, float64(stats.TxN))
	ch <- prometheus.MustNewConstMetric(boltWritesDesc, prometheus.CounterValue, float64(stats.TxStats.Write))

	_ = s.view(func(tx *bolt.Tx) error {
		ch <- prometheus.MustNewConstMetric(logFirstIndexDesc, prometheus.GaugeValue, float64(firstIndex(tx)))
		ch <- prometheus.MustNewConstMetric(logLastIndexDesc, prometheus.GaugeValue, float64(lastIndex(tx)))
		ch <- prometheus.MustNewConstMetric(logBoundaryDesc, prometheus.GaugeValue, float64(boundary(tx)))
		ch <- prometheus.MustNewConstMetric(revtreesDesc, prometheus.GaugeValue, float64(tx.Bucket(revtreesBucket).Stats().KeyN))
		return nil
	})
}

// PrometheusCollectors returns the store as a collector.
func (s *LogStore) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{s}
}
