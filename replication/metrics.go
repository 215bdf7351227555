package replication

import "github.com/prometheus/client_golang/prometheus"

var ChangeOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lounge",
	Subsystem: "replication",
	Name:      "changes",
}, []string{"replication", "outcome"})

var CycleCount = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "lounge",
	Subsystem: "replication",
	Name:      "cycles",
}, []string{"replication", "result"})

var PullerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "lounge",
	Subsystem: "replication",
	Name:      "state",
}, []string{"replication"})

func Collectors() []prometheus.Collector {
	return []prometheus.Collector{ChangeOutcomes, CycleCount, PullerState}
}
