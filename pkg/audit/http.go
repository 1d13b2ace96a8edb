package audit

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type eventJSON struct {
	Op   string    `json:"op"`
	Name string    `json:"name,omitempty"`
	Kind string    `json:"kind"`
	Slot uint32    `json:"slot"`
	Time time.Time `json:"time"`
}

type drainJSON struct {
	Events  []eventJSON `json:"events"`
	Dropped uint64      `json:"dropped"`
}

// ServeHTTP drains the ring as JSON. The optional max query parameter bounds
// how many events one request takes.
func (l *Log) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	max := 0
	if v := r.URL.Query().Get("max"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "bad max", http.StatusBadRequest)
			return
		}
		max = n
	}
	events := l.Drain(max)
	out := drainJSON{Events: make([]eventJSON, 0, len(events)), Dropped: l.Dropped()}
	for _, e := range events {
		out.Events = append(out.Events, eventJSON{
			Op:   e.Op.String(),
			Name: e.Name,
			Kind: e.Kind.String(),
			Slot: e.Slot,
			Time: e.Time,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// Register exports the buffered and dropped event counts on reg.
func (l *Log) Register(reg prometheus.Registerer) error {
	buffered := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "shmsync",
		Subsystem: "audit",
		Name:      "events_buffered",
		Help:      "Registry events waiting in the audit ring.",
	}, func() float64 { return float64(l.Len()) })
	dropped := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "shmsync",
		Subsystem: "audit",
		Name:      "events_dropped_total",
		Help:      "Registry events discarded because the audit ring was full.",
	}, func() float64 { return float64(l.Dropped()) })
	if err := reg.Register(buffered); err != nil {
		return err
	}
	return reg.Register(dropped)
}
