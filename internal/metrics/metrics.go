// Package metrics exposes scheduler counters over Prometheus. Everything
// hangs off a per-instance registry so tests never collide on the global one.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	Runs     *prometheus.CounterVec // outcome: success | failure | timeout
	Duration *prometheus.HistogramVec
	Retries  *prometheus.CounterVec
	Deferred prometheus.Counter
	Queued   prometheus.Gauge
	Active   prometheus.Gauge
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		Runs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autocron",
			Name:      "task_runs_total",
			Help:      "Terminal task outcomes by task and result.",
		}, []string{"task", "outcome"}),
		Duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "autocron",
			Name:      "task_duration_seconds",
			Help:      "Wall-clock duration of task attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"task"}),
		Retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "autocron",
			Name:      "task_retries_total",
			Help:      "Retry attempts scheduled per task.",
		}, []string{"task"}),
		Deferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: "autocron",
			Name:      "task_deferred_total",
			Help:      "Due tasks deferred because the worker queue was full.",
		}),
		Queued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "autocron",
			Name:      "pool_queue_depth",
			Help:      "Jobs waiting in the worker queue.",
		}),
		Active: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "autocron",
			Name:      "pool_active_workers",
			Help:      "Workers currently executing a job.",
		}),
	}
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
