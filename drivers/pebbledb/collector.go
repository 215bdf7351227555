package pebbledb

import (
	"github.com/cockroachdb/pebble"
	"github.com/prometheus/client_golang/prometheus"
)

type pebbleMetric struct {
	desc  *prometheus.Desc
	vtype prometheus.ValueType
	value func(m *pebble.Metrics) float64
}

// Collector exports pebble internals of one store, labelled with the store
// name.
type Collector struct {
	b       *Backend
	metrics []pebbleMetric
	docs    *prometheus.Desc
	lastSeq *prometheus.Desc
}

func newMetric(name, help string, store string, vtype prometheus.ValueType, value func(m *pebble.Metrics) float64) pebbleMetric {
	return pebbleMetric{
		desc:  prometheus.NewDesc("lounge_pebble_"+name, help, nil, prometheus.Labels{"store": store}),
		vtype: vtype,
		value: value,
	}
}

func (b *Backend) Collector() *Collector {
	n := b.name
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &Collector{
		b: b,
		metrics: []pebbleMetric{
			newMetric("compaction_count_total", "Total number of compactions performed", n, counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.Count) }),
			newMetric("compaction_move_total", "Total number of move compactions performed", n, counter,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.MoveCount) }),
			newMetric("compaction_estimated_debt_bytes", "Estimated bytes to compact to reach a stable state", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.EstimatedDebt) }),
			newMetric("compaction_in_progress_bytes", "Bytes being compacted currently", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.Compact.InProgressBytes) }),
			newMetric("memtable_size_bytes", "Current size of the memtable in bytes", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Size) }),
			newMetric("memtable_count", "Current count of memtables", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.MemTable.Count) }),
			newMetric("wal_files", "Number of live WAL files", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Files) }),
			newMetric("wal_size_bytes", "Size of live WAL data in bytes", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.Size) }),
			newMetric("wal_bytes_written_total", "Total physical bytes written to the WAL", n, counter,
				func(m *pebble.Metrics) float64 { return float64(m.WAL.BytesWritten) }),
			newMetric("disk_usage_bytes", "Disk space used by the store", n, gauge,
				func(m *pebble.Metrics) float64 { return float64(m.DiskSpaceUsage()) }),
		},
		docs: prometheus.NewDesc("lounge_store_documents", "Documents in the store, tombstones included",
			nil, prometheus.Labels{"store": n}),
		lastSeq: prometheus.NewDesc("lounge_store_last_sequence", "Last assigned sequence number",
			nil, prometheus.Labels{"store": n}),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		ch <- m.desc
	}
	ch <- c.docs
	ch <- c.lastSeq
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	metrics := c.b.db.Metrics()
	for _, m := range c.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.vtype, m.value(metrics))
	}
	ch <- prometheus.MustNewConstMetric(c.docs, prometheus.GaugeValue, float64(c.b.count.Load()))
	ch <- prometheus.MustNewConstMetric(c.lastSeq, prometheus.CounterValue, float64(c.b.lastSeq.Load()))
}
