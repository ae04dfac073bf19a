// Package gcmetrics exposes prometheus instrumentation for a
// gccoord.Coordinator (spec §13, "Stats()/introspection" supplemented
// feature, fed into observability rather than only queried directly).
//
// Grounded on the counter/gauge registration style of
// UmarFarooq-MP-Loki's metrics wiring around its pebble/kafka stack;
// pmgc has no network surface of its own, so this package only ever
// touches gccoord.Coordinator.Stats()/GlobalEpoch().
package gcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"pmgc/gccoord"
)

// Collector adapts a gccoord.Coordinator to prometheus.Collector,
// computing every metric fresh from Coordinator.Stats() on each scrape
// rather than maintaining its own counters — the coordinator's header
// table is already the source of truth.
type Collector struct {
	coord *gccoord.Coordinator

	boundThreads *prometheus.Desc
	globalEpoch  *prometheus.Desc
}

// New wires a Collector to coord. Register it with a prometheus.Registry
// to expose pmgc_* metrics.
func New(coord *gccoord.Coordinator) *Collector {
	return &Collector{
		coord: coord,
		boundThreads: prometheus.NewDesc(
			"pmgc_bound_threads",
			"Number of thread slots bound to a live thread, by target.",
			[]string{"target"}, nil,
		),
		globalEpoch: prometheus.NewDesc(
			"pmgc_global_epoch",
			"Current global epoch counter.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.boundThreads
	ch <- c.globalEpoch
}

// Collect implements prometheus.Collector, aggregating
// gccoord.Coordinator.Stats() into per-target bound-thread counts and
// the current global epoch.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counts := map[string]int{}
	for _, s := range c.coord.Stats() {
		if s.Bound {
			counts[s.Target]++
		}
	}
	for target, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.boundThreads, prometheus.GaugeValue, float64(n), target)
	}
	ch <- prometheus.MustNewConstMetric(c.globalEpoch, prometheus.GaugeValue, float64(c.coord.GlobalEpoch()))
}
