// Package metrics exposes the service's Prometheus instrumentation.
//
// A single Recorder owns a private registry and every instrument the other
// packages increment. All recording methods are safe on a nil receiver so
// callers never have to guard the "metrics disabled" case.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder bundles the service's instruments behind domain-level methods.
type Recorder struct {
	registry *prometheus.Registry

	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	rowsProcessed prometheus.Counter
	rowsFailed    prometheus.Counter
	pollCycles    prometheus.Counter

	remoteCallSeconds *prometheus.HistogramVec
	tokenRefreshes    prometheus.Counter
}

// NewRecorder builds a Recorder with its own registry, including the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	r := &Recorder{
		registry: registry,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forcebench_jobs_submitted_total",
			Help: "Total batch jobs accepted for processing.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forcebench_jobs_finished_total",
			Help: "Total batch jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		rowsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forcebench_rows_processed_total",
			Help: "Total rows the remote org has acknowledged processing.",
		}),
		rowsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forcebench_rows_failed_total",
			Help: "Total rows rejected by the remote org.",
		}),
		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forcebench_poll_cycles_total",
			Help: "Total job status poll cycles executed.",
		}),
		remoteCallSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forcebench_remote_call_duration_seconds",
			Help:    "Duration of calls to the remote org, by transport and operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"transport", "op"}),
		tokenRefreshes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forcebench_token_refreshes_total",
			Help: "Total access-token refresh grants performed.",
		}),
	}

	registry.MustRegister(r.jobsSubmitted)
	registry.MustRegister(r.jobsFinished)
	registry.MustRegister(r.rowsProcessed)
	registry.MustRegister(r.rowsFailed)
	registry.MustRegister(r.pollCycles)
	registry.MustRegister(r.remoteCallSeconds)
	registry.MustRegister(r.tokenRefreshes)
	return r
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the scrape endpoint for this Recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) IncJobSubmitted() {
	if r == nil {
		return
	}
	r.jobsSubmitted.Inc()
}

// IncJobFinished records one terminal transition. outcome is the lower-cased
// terminal state name.
func (r *Recorder) IncJobFinished(outcome string) {
	if r == nil {
		return
	}
	r.jobsFinished.WithLabelValues(outcome).Inc()
}

func (r *Recorder) AddRowsProcessed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.rowsProcessed.Add(float64(n))
}

func (r *Recorder) AddRowsFailed(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.rowsFailed.Add(float64(n))
}

func (r *Recorder) IncPollCycle() {
	if r == nil {
		return
	}
	r.pollCycles.Inc()
}

func (r *Recorder) IncRefresh() {
	if r == nil {
		return
	}
	r.tokenRefreshes.Inc()
}

func (r *Recorder) ObserveRemoteCall(transport, op string, d time.Duration) {
	if r == nil {
		return
	}
	r.remoteCallSeconds.WithLabelValues(transport, op).Observe(d.Seconds())
}
