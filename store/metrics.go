package store

import "github.com/prometheus/client_golang/prometheus"

var WriteCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lounge",
	Subsystem: "store",
	Name:      "writes",
}, []string{"store", "op", "result"})

var WriteDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "lounge",
	Subsystem: "store",
	Name:      "write_duration_ms",
	Buckets:   []float64{0, 0.1, 0.5, 1, 5, 10, 50, 100, 500},
}, []string{"store", "op"})

var RevisionCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lounge",
	Subsystem: "store",
	Name:      "revision_cache",
}, []string{"store", "result"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{WriteCount, WriteDuration, RevisionCacheHits}
}
