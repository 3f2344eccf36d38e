// Package metrics exposes Prometheus collectors for fitting runs.
//
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ikrfit"

// Repeat outcomes.
const (
	OutcomeSaved  = "saved"
	OutcomeFailed = "failed"
)

// Metrics holds the collectors of one process.
type Metrics struct {
	registry *prometheus.Registry

	evaluations *prometheus.CounterVec
	failures    *prometheus.CounterVec
	repeats     *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	best        *prometheus.GaugeVec
}

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Error measure evaluations.",
		}, []string{"method"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluation_failures_total",
			Help:      "Evaluations that scored +Inf.",
		}, []string{"method"}),
		repeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repeats_total",
			Help:      "Finished optimisation repeats by outcome.",
		}, []string{"method", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "repeat_duration_seconds",
			Help:      "Wall-clock time of optimisation repeats.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
		}, []string{"method"}),
		best: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_score",
			Help:      "Lowest stored score per method and cell.",
		}, []string{"method", "cell"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.evaluations,
		m.failures,
		m.repeats,
		m.duration,
		m.best,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Instrument wraps an objective so every call is counted, and every +Inf
// result is counted as a failure as well.
func (m *Metrics) Instrument(method string, f func([]float64) float64) func([]float64) float64 {
	if m == nil {
		return f
	}
	evaluations := m.evaluations.WithLabelValues(method)
	failures := m.failures.WithLabelValues(method)
	return func(x []float64) float64 {
		v := f(x)
		evaluations.Inc()
		if math.IsInf(v, 1) {
			failures.Inc()
		}
		return v
	}
}

// ObserveRepeat records a finished repeat.
func (m *Metrics) ObserveRepeat(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.repeats.WithLabelValues(method, outcome).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveBest sets the best score of a cell.
func (m *Metrics) ObserveBest(method string, cell int, score float64) {
	if m == nil {
		return
	}
	m.best.WithLabelValues(method, strconv.Itoa(cell)).Set(score)
}
