package shm

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the region collectors.
type Metrics struct {
	RegionBytes    prometheus.Gauge
	PagesMapped    prometheus.Gauge
	PageRacesLost  prometheus.Counter
	GrowthFailures prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RegionBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmsync",
			Subsystem: "region",
			Name:      "bytes",
			Help:      "Current size of the sync region in bytes.",
		}),
		PagesMapped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmsync",
			Subsystem: "region",
			Name:      "pages_mapped",
			Help:      "Number of region pages mapped into the server.",
		}),
		PageRacesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmsync",
			Subsystem: "region",
			Name:      "page_races_lost_total",
			Help:      "Redundant page mappings discarded after losing the install race.",
		}),
		GrowthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmsync",
			Subsystem: "region",
			Name:      "growth_failures_total",
			Help:      "Failed attempts to grow the region or map a page.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RegionBytes, m.PagesMapped, m.PageRacesLost, m.GrowthFailures)
	}
	return m
}
