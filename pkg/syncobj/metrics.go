package syncobj

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the registry collectors.
type Metrics struct {
	SlotsAllocated   prometheus.Gauge
	ObjectsCreated   prometheus.Counter
	ObjectsOpened    prometheus.Counter
	ObjectsDestroyed prometheus.Counter
	CreateFailures   prometheus.Counter
}

// NewMetrics builds the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SlotsAllocated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shmsync",
			Subsystem: "registry",
			Name:      "slots_allocated",
			Help:      "Highest slot index handed out.",
		}),
		ObjectsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmsync",
			Subsystem: "registry",
			Name:      "objects_created_total",
			Help:      "Sync objects created with a new slot.",
		}),
		ObjectsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmsync",
			Subsystem: "registry",
			Name:      "objects_opened_total",
			Help:      "Existing sync objects returned by create or open.",
		}),
		ObjectsDestroyed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmsync",
			Subsystem: "registry",
			Name:      "objects_destroyed_total",
			Help:      "Sync objects whose last handle was closed.",
		}),
		CreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shmsync",
			Subsystem: "registry",
			Name:      "create_failures_total",
			Help:      "Creations that failed after the name was claimed.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.SlotsAllocated, m.ObjectsCreated, m.ObjectsOpened, m.ObjectsDestroyed, m.CreateFailures)
	}
	return m
}
