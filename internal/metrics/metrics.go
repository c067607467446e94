// Package metrics exports run and step counters for Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtzanidakis/maestro/internal/workflow"
)

const namespace = "maestro"

// Collector turns engine events into Prometheus metrics. It implements
// workflow.Publisher.
type Collector struct {
	registry *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runsActive   prometheus.Gauge
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	exceptions   *prometheus.CounterVec
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished workflow runs by status",
			},
			[]string{"workflow", "status"},
		),
		runsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_active",
				Help:      "Workflow runs in progress",
			},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Executed steps by kind and status",
			},
			[]string{"kind", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Step execution time in seconds",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),
		exceptions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "exceptions_handled_total",
				Help:      "Failures recovered by an exception handler",
			},
			[]string{"workflow"},
		),
	}
}

func (c *Collector) Publish(_ context.Context, ev workflow.Event) {
	switch ev.Type {
	case workflow.EventRunStarted:
		c.runsActive.Inc()
	case workflow.EventStepCompleted:
		c.observeStep(ev, "completed")
	case workflow.EventStepFailed:
		c.observeStep(ev, "failed")
	case workflow.EventExceptionHandled:
		c.exceptions.WithLabelValues(ev.Workflow).Inc()
	case workflow.EventRunCompleted, workflow.EventRunFailed:
		c.runsActive.Dec()
		c.runsTotal.WithLabelValues(ev.Workflow, ev.Status).Inc()
	}
}

func (c *Collector) observeStep(ev workflow.Event, status string) {
	kind := string(ev.Kind)
	c.stepsTotal.WithLabelValues(kind, status).Inc()
	c.stepDuration.WithLabelValues(kind).Observe(float64(ev.DurationMs) / 1000)
}

// Handler serves the collector's registry in the Prometheus exposition
// format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}
