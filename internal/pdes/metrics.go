package pdes

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters/gauges for a single PE's
// scheduler. Each PE registers its own set labeled by pe id so a run with
// many PEs in one process doesn't collide on metric identity.
type Metrics struct {
	EventsProcessed prometheus.Counter
	EventsCommitted prometheus.Counter
	Rollbacks       prometheus.Counter
	AntiMessages    prometheus.Counter
	GVT             prometheus.Gauge
	QueueDepth      prometheus.Gauge
	ClonesInitiated prometheus.Counter
}

// NewMetrics registers a PE's metric set against reg. Pass a dedicated
// *prometheus.Registry per PE (or a shared one, since the pe label keeps
// series distinct) rather than the global DefaultRegisterer, so tests can
// spin up many PEs without double-registration panics.
func NewMetrics(reg prometheus.Registerer, pe PEID) *Metrics {
	labels := prometheus.Labels{"pe": peLabel(pe)}
	factory := promauto.With(reg)
	return &Metrics{
		EventsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pdes_events_processed_total",
			Help:        "Forward handler invocations on this PE.",
			ConstLabels: labels,
		}),
		EventsCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pdes_events_committed_total",
			Help:        "Events whose commit handler has fired on this PE.",
			ConstLabels: labels,
		}),
		Rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pdes_rollbacks_total",
			Help:        "Straggler-triggered rollbacks processed on this PE.",
			ConstLabels: labels,
		}),
		AntiMessages: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pdes_anti_messages_total",
			Help:        "Anti-messages sent by this PE during rollback.",
			ConstLabels: labels,
		}),
		GVT: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pdes_gvt",
			Help:        "Most recently computed global virtual time as observed by this PE.",
			ConstLabels: labels,
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "pdes_queue_depth",
			Help:        "Pending events in this PE's priority queue.",
			ConstLabels: labels,
		}),
		ClonesInitiated: factory.NewCounter(prometheus.CounterOpts{
			Name:        "pdes_clones_initiated_total",
			Help:        "Clone/branch operations this PE has initiated as source.",
			ConstLabels: labels,
		}),
	}
}

func peLabel(pe PEID) string {
	return strconv.FormatUint(uint64(pe), 10)
}
