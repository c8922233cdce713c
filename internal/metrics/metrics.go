// Package metrics exposes dispatcher-master's Prometheus instrumentation.
// The teacher module declares github.com/prometheus/client_golang in its
// go.mod but never imports it from application code; this package is the
// first concrete user of that dependency, following the library's own
// promauto/promhttp idiom since no repo in the retrieval pack exercises it
// in a handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric spec §8's properties call for observing:
// worker liveness transitions, sweep duration/outcome, and per-verb
// control-plane traffic.
type Registry struct {
	WorkersOnline   prometheus.Gauge
	WorkerRestarts  *prometheus.CounterVec
	ControlMessages *prometheus.CounterVec
	JobsAssigned    prometheus.Counter
	JobsCanceled    prometheus.Counter
	JobsFinalized   *prometheus.CounterVec
	SweepDuration   prometheus.Histogram
	SweepErrors     prometheus.Counter
}

// New registers every metric against a fresh prometheus.Registerer. Pass
// prometheus.NewRegistry() in production, or a throwaway registry in tests
// so repeated construction across test cases never panics on duplicate
// registration.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		WorkersOnline: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dispatcher_master",
			Name:      "workers_online",
			Help:      "Number of workers currently considered online by the registry.",
		}),
		WorkerRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher_master",
			Name:      "worker_restarts_total",
			Help:      "HELLO/HELLO_RETRY messages observed, labeled by restart kind.",
		}, []string{"kind"}),
		ControlMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher_master",
			Name:      "control_messages_total",
			Help:      "Control-socket messages handled, labeled by verb.",
		}, []string{"verb"}),
		JobsAssigned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatcher_master",
			Name:      "jobs_assigned_total",
			Help:      "SUBMITTED jobs successfully assigned to a device and dispatched.",
		}),
		JobsCanceled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatcher_master",
			Name:      "jobs_canceled_total",
			Help:      "Jobs finalised as CANCELED by the sweep's Phase 2.",
		}),
		JobsFinalized: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcher_master",
			Name:      "jobs_finalized_total",
			Help:      "Jobs finalised by END, labeled by resulting status.",
		}, []string{"status"}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatcher_master",
			Name:      "sweep_duration_seconds",
			Help:      "Wall-clock duration of a single dispatcher sweep.",
			Buckets:   prometheus.DefBuckets,
		}),
		SweepErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatcher_master",
			Name:      "sweep_errors_total",
			Help:      "Sweeps that returned a phase-level error.",
		}),
	}
}

// Handler returns the HTTP handler for a /metrics endpoint scraping reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
