// Package metrics exposes scheduler, hook and lifecycle counters to
// Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/me/pbsched/pkg/model"
)

const namespace = "pbsched"

// Collector owns its own registry so several servers can live in one
// process (tests do this).
type Collector struct {
	registry *prometheus.Registry

	cycles        prometheus.Counter
	cycleDuration prometheus.Histogram
	cycleRestarts prometheus.Counter
	jobsStarted   prometheus.Counter
	topJobs       prometheus.Gauge

	hookRuns     *prometheus.CounterVec
	hookDuration *prometheus.HistogramVec

	jobEvents  *prometheus.CounterVec
	nodeEvents *prometheus.CounterVec
}

// NewCollector creates a collector with every metric registered.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_cycles_total",
			Help:      "Scheduling cycles completed.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduling_cycle_duration_seconds",
			Help:      "Wall time of a scheduling cycle including restarts.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5, 30},
		}),
		cycleRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduling_cycle_restarts_total",
			Help:      "Cycle restarts requested by hooks.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_started_total",
			Help:      "Jobs started by the scheduler.",
		}),
		topJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "top_jobs",
			Help:      "Top jobs holding a reservation after the last cycle.",
		}),
		hookRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_runs_total",
			Help:      "Hook runs by event and outcome.",
		}, []string{"event", "outcome"}),
		hookDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "hook_run_duration_seconds",
			Help:      "Hook run time by event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		jobEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle records by event.",
		}, []string{"event"}),
		nodeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_state_changes_total",
			Help:      "Vnode state changes by new state.",
		}, []string{"state"}),
	}
	c.registry.MustRegister(
		c.cycles, c.cycleDuration, c.cycleRestarts, c.jobsStarted, c.topJobs,
		c.hookRuns, c.hookDuration, c.jobEvents, c.nodeEvents,
	)
	return c
}

// ObserveCycle records one scheduling cycle.
func (c *Collector) ObserveCycle(d time.Duration, ran, topJobs, restarts int) {
	c.cycles.Inc()
	c.cycleDuration.Observe(d.Seconds())
	c.cycleRestarts.Add(float64(restarts))
	c.jobsStarted.Add(float64(ran))
	c.topJobs.Set(float64(topJobs))
}

// ObserveHook records one hook run.
func (c *Collector) ObserveHook(event, outcome string, d time.Duration) {
	c.hookRuns.WithLabelValues(event, outcome).Inc()
	c.hookDuration.WithLabelValues(event).Observe(d.Seconds())
}

// JobEvent counts a job lifecycle record.
func (c *Collector) JobEvent(rec model.JobRecord) {
	c.jobEvents.WithLabelValues(rec.Event).Inc()
}

// NodeEvent counts a vnode state change.
func (c *Collector) NodeEvent(rec model.NodeRecord) {
	c.nodeEvents.WithLabelValues(string(rec.State)).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
