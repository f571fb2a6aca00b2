// Package metrics owns the process's Prometheus instruments. Counters are
// fed through the component hooks (executor step/finish observers, delivery
// leg observer); live values are sampled at scrape time from the component
// getters. Everything registers on a private registry so tests can build
// instances freely and the daemon controls exactly what /metrics exposes.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conveyor/internal/breaker"
	"conveyor/internal/pipeline"
)

const namespace = "conveyor"

// sampleTimeout bounds store reads issued during a scrape.
const sampleTimeout = 2 * time.Second

// Metrics bundles the instruments and the registry they live on.
type Metrics struct {
	registry *prometheus.Registry

	executionsTotal *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	stepSeconds     *prometheus.HistogramVec
	deliveryLegs    *prometheus.CounterVec
}

// New builds the instrument set on a fresh registry, including the standard
// Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished template executions by terminal status.",
		}, []string{"status"}),
		stepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Recorded node visits by step type and outcome.",
		}, []string{"step_type", "outcome"}),
		stepSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time per node visit. Encodes run for hours, hence the wide buckets.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"step_type"}),
		deliveryLegs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_legs_total",
			Help:      "Delivery fan-out legs by target and outcome.",
		}, []string{"target", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executionsTotal,
		m.stepsTotal,
		m.stepSeconds,
		m.deliveryLegs,
	)
	return m
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ExecutionFinished counts one terminal execution. Wire it to the executor's
// OnExecutionFinished hook.
func (m *Metrics) ExecutionFinished(status pipeline.ExecutionStatus) {
	m.executionsTotal.WithLabelValues(string(status)).Inc()
}

// StepObserved counts one node visit and its wall time. Wire it to the
// executor's OnStepObserved hook.
func (m *Metrics) StepObserved(stepType string, outcome pipeline.StepOutcome, elapsed time.Duration) {
	m.stepsTotal.WithLabelValues(stepType, string(outcome)).Inc()
	m.stepSeconds.WithLabelValues(stepType).Observe(elapsed.Seconds())
}

// DeliveryLegFinished counts one fan-out leg. Wire it to the queue's
// OnLegFinished hook.
func (m *Metrics) DeliveryLegFinished(target string, ok bool) {
	outcome := "failed"
	if ok {
		outcome = "delivered"
	}
	m.deliveryLegs.WithLabelValues(target, outcome).Inc()
}

// TrackActiveExecutions samples fn at scrape time.
func (m *Metrics) TrackActiveExecutions(fn func() int) {
	m.gaugeFunc("executions_active", "Template walks currently running.", fn)
}

// TrackConnectedEncoders samples fn at scrape time.
func (m *Metrics) TrackConnectedEncoders(fn func() int) {
	m.gaugeFunc("encoders_connected", "Encoder workers with a live websocket.", fn)
}

// TrackDeliveryDepth samples the queue's backlog and in-flight counts at
// scrape time.
func (m *Metrics) TrackDeliveryDepth(fn func() (queued, inFlight int)) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_queued",
			Help:      "Delivery jobs waiting for a worker.",
		}, func() float64 {
			queued, _ := fn()
			return float64(queued)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_in_flight",
			Help:      "Delivery jobs currently fanning out.",
		}, func() float64 {
			_, inFlight := fn()
			return float64(inFlight)
		}),
	)
}

// TrackBreakers exposes one gauge per known circuit, sampled from the
// registry's store at scrape time. 0 closed, 1 half-open, 2 open.
func (m *Metrics) TrackBreakers(list func(ctx context.Context) ([]*breaker.Record, error)) {
	m.registry.MustRegister(&breakerCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "breaker_state"),
			"Circuit state per external service: 0 closed, 1 half-open, 2 open.",
			[]string{"service"}, nil),
		list: list,
	})
}

func (m *Metrics) gaugeFunc(name, help string, fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(fn()) }))
}

type breakerCollector struct {
	desc *prometheus.Desc
	list func(ctx context.Context) ([]*breaker.Record, error)
}

func (c *breakerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *breakerCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), sampleTimeout)
	defer cancel()
	records, err := c.list(ctx)
	if err != nil {
		// A failed sample drops the family from this scrape rather than
		// reporting stale states.
		return
	}
	for _, rec := range records {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, stateValue(rec.State), rec.Service)
	}
}

func stateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
