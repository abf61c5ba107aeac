// Package metrics exposes the counters and gauges a leader election and
// replication pipeline naturally produce, registered on prometheus's
// default registry and served by cmd/tabletd's /metrics endpoint.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ElectionsStarted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabletraft",
		Subsystem: "election",
		Name:      "started_total",
		Help:      "Elections started, by tablet.",
	}, []string{"tablet"})

	ElectionsWon = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabletraft",
		Subsystem: "election",
		Name:      "won_total",
		Help:      "Elections won, by tablet.",
	}, []string{"tablet"})

	ElectionsLost = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tabletraft",
		Subsystem: "election",
		Name:      "lost_total",
		Help:      "Elections lost, by tablet.",
	}, []string{"tablet"})

	MajorityReplicatedIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tabletraft",
		Subsystem: "replication",
		Name:      "majority_replicated_index",
		Help:      "Highest majority-replicated log index, by tablet.",
	}, []string{"tablet"})

	PreparerBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tabletraft",
		Subsystem: "preparer",
		Name:      "batch_size",
		Help:      "Number of proposals grouped into one ReplicateBatch call, by tablet.",
		Buckets:   []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
	}, []string{"tablet"})
)

func init() {
	prometheus.MustRegister(ElectionsStarted, ElectionsWon, ElectionsLost, MajorityReplicatedIndex, PreparerBatchSize)
}
