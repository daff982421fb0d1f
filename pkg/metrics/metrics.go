// Package metrics exposes pipeline measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jdziat/clipjobs/pkg/core"
	"github.com/jdziat/clipjobs/pkg/reaper"
)

// Namespace prefixes every metric name.
const Namespace = "clipjobs"

// Metrics holds the collectors. It satisfies worker.Observer.
type Metrics struct {
	JobsSubmitted prometheus.Counter
	JobsFinished  *prometheus.CounterVec
	JobsRetried   prometheus.Counter
	JobDuration   prometheus.Histogram
	StageDuration *prometheus.HistogramVec
	WorkersBusy   prometheus.Gauge

	BroadcastDropped prometheus.Counter

	ReapedFiles prometheus.Counter
	ReapedBytes prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New registers every collector on reg. A nil reg gets a fresh registry with
// the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	factory := promauto.With(reg)
	m := &Metrics{registry: reg}

	m.JobsSubmitted = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "jobs",
		Name:      "submitted_total",
		Help:      "Jobs accepted by the submission path",
	})
	m.JobsFinished = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Jobs that reached a terminal state",
	}, []string{"state", "category"})
	m.JobsRetried = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "jobs",
		Name:      "retried_total",
		Help:      "Jobs re-queued after a retryable failure",
	})
	m.JobDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Wall time of successful job attempts",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 11), // 1s to ~17min
	})
	m.StageDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "stage_duration_seconds",
		Help:      "Duration of individual pipeline stages",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 15),
	}, []string{"stage", "outcome"})
	m.WorkersBusy = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Subsystem: "worker",
		Name:      "busy",
		Help:      "Workers currently running a job",
	})
	m.BroadcastDropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Progress events dropped for slow subscribers",
	})
	m.ReapedFiles = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "reaper",
		Name:      "files_removed_total",
		Help:      "Scratch and output files removed",
	})
	m.ReapedBytes = factory.NewCounter(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "reaper",
		Name:      "bytes_removed_total",
		Help:      "Bytes freed by the reaper",
	})
	m.HTTPRequests = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status",
	}, []string{"method", "route", "status"})
	m.HTTPDuration = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: Namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent records a queue lifecycle event. Register it with Queue.Listen.
func (m *Metrics) ObserveEvent(e core.Event) {
	switch ev := e.(type) {
	case *core.JobQueued:
		m.JobsSubmitted.Inc()
	case *core.JobRetrying:
		m.JobsRetried.Inc()
	case *core.JobCompleted:
		m.JobsFinished.WithLabelValues(string(core.StateCompleted), "").Inc()
		m.JobDuration.Observe(ev.Duration.Seconds())
	case *core.JobFailed:
		category := ""
		if ev.Job != nil {
			category = string(ev.Job.FailureCategory)
		}
		if category == "" {
			category = string(core.CategoryOf(ev.Error))
		}
		m.JobsFinished.WithLabelValues(string(core.StateFailed), category).Inc()
	}
}

// ObserveStage records one pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(core.CategoryOf(err))
		if errors.Is(err, context.Canceled) {
			outcome = "canceled"
		}
	}
	m.StageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// WorkerBusy moves the busy worker gauge.
func (m *Metrics) WorkerBusy(delta int) {
	m.WorkersBusy.Add(float64(delta))
}

// DroppedEvent counts one dropped broadcast.
func (m *Metrics) DroppedEvent() {
	m.BroadcastDropped.Inc()
}

// ObserveSweep records a reaper pass.
func (m *Metrics) ObserveSweep(res reaper.Result) {
	m.ReapedFiles.Add(float64(res.Removed))
	m.ReapedBytes.Add(float64(res.Bytes))
}

// ObserveHTTP records one HTTP request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
