// Package metrics defines the prometheus collectors of the routing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "spf"

// Result label values.
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultNoPath  = "no_path"
)

// Metrics groups the collectors updated by the coordinator.
type Metrics struct {
	Events            *prometheus.CounterVec
	Recomputes        *prometheus.CounterVec
	RecomputeDuration prometheus.Histogram
	Generation        prometheus.Gauge
	RouteInstalls     *prometheus.CounterVec
	RouteRemovals     *prometheus.CounterVec
	Hosts             prometheus.Gauge
	Switches          prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Topology and host notifications handled, by type.",
		}, []string{"type"}),
		Recomputes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recomputes_total",
			Help:      "Routing table recomputations, by result.",
		}, []string{"result"}),
		RecomputeDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Time spent in a recompute-and-reinstall cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "table_generation",
			Help:      "Generation of the active routing table.",
		}),
		RouteInstalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_installs_total",
			Help:      "Host-to-host route installations, by result.",
		}, []string{"result"}),
		RouteRemovals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_removals_total",
			Help:      "Host route removals, by result.",
		}, []string{"result"}),
		Hosts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routable_hosts",
			Help:      "Hosts with an address and an attachment point.",
		}),
		Switches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "switches",
			Help:      "Switches in the active topology graph.",
		}),
	}
}
