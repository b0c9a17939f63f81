// Package metrics exposes Prometheus collectors for the orchestration loop.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rlm"

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	invocations *prometheus.CounterVec
	invDuration *prometheus.HistogramVec
	rejections  *prometheus.CounterVec
	steps       *prometheus.CounterVec
	tasks       *prometheus.CounterVec
	live        prometheus.Gauge
	tokens      prometheus.Counter
}

// MustNew registers the collectors with reg and panics on conflicts.
func MustNew(reg prometheus.Registerer) *Metrics {
	m, err := New(reg)
	if err != nil {
		panic(err)
	}
	return m
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocations_total",
			Help:      "Sub-invocations by model class, depth and result kind.",
		}, []string{"class", "depth", "result"}),
		invDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "invocation_duration_seconds",
			Help:      "Wall time of sub-invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"class"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invocation_failures_total",
			Help:      "Failed sub-invocations by error kind.",
		}, []string{"kind"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Plan steps finished by outcome (done, failed, blocked).",
		}, []string{"outcome"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks that reached a terminal or blocked status.",
		}, []string{"status"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_invocations",
			Help:      "Sub-invocations currently in flight.",
		}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Model tokens consumed (input + output).",
		}),
	}
	for _, c := range []prometheus.Collector{m.invocations, m.invDuration, m.rejections, m.steps, m.tasks, m.live, m.tokens} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Invocation records a finished sub-invocation.
func (m *Metrics) Invocation(class, depth, result string, d time.Duration, tokens int) {
	if m == nil {
		return
	}
	m.invocations.WithLabelValues(class, depth, result).Inc()
	m.invDuration.WithLabelValues(class).Observe(d.Seconds())
	if tokens > 0 {
		m.tokens.Add(float64(tokens))
	}
}

// Failure records a failed sub-invocation by kind.
func (m *Metrics) Failure(kind string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(kind).Inc()
}

// Step records a step outcome.
func (m *Metrics) Step(outcome string) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(outcome).Inc()
}

// Task records a task reaching status.
func (m *Metrics) Task(status string) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
}

// LiveAdd adjusts the in-flight gauge.
func (m *Metrics) LiveAdd(delta float64) {
	if m == nil {
		return
	}
	m.live.Add(delta)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
