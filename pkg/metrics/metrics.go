// Package metrics provides Prometheus metrics for the webhook and the worker
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Webhook metrics
	WebhookRequestsTotal *prometheus.CounterVec

	// Worker metrics
	EventsProcessedTotal *prometheus.CounterVec
	DeliveriesTotal      *prometheus.CounterVec
	GenerationDuration   *prometheus.HistogramVec
	QueueIdle            prometheus.Gauge
}

// Outcomes for WebhookRequestsTotal
const (
	WebhookEnqueued     = "enqueued"
	WebhookChallenge    = "challenge"
	WebhookIgnored      = "ignored"
	WebhookUnauthorized = "unauthorized"
	WebhookError        = "error"
)

// Outcomes for EventsProcessedTotal
const (
	EventReplied   = "replied"
	EventSkipped   = "skipped"
	EventRetried   = "retried"
	EventAbandoned = "abandoned"
	EventFailed    = "failed"
)

// New creates all metrics on a private registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		WebhookRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berlioz_webhook_requests_total",
				Help: "Total number of Slack webhook requests by outcome",
			},
			[]string{"outcome"},
		),

		EventsProcessedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berlioz_events_processed_total",
				Help: "Total number of queued events handled by the worker",
			},
			[]string{"outcome"},
		),

		DeliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "berlioz_deliveries_total",
				Help: "Total number of replies posted to Slack",
			},
			[]string{"status"},
		),

		GenerationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "berlioz_generation_duration_seconds",
				Help:    "Duration of generation calls in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "status"},
		),

		QueueIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "berlioz_queue_idle",
				Help: "1 when the last poll found no pending events",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveGeneration records one generation call
func (m *Metrics) ObserveGeneration(provider string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.GenerationDuration.WithLabelValues(provider, status).Observe(time.Since(start).Seconds())
}

// Webhook counts one webhook request
func (m *Metrics) Webhook(outcome string) {
	if m == nil {
		return
	}
	m.WebhookRequestsTotal.WithLabelValues(outcome).Inc()
}

// Event counts one worker outcome
func (m *Metrics) Event(outcome string) {
	if m == nil {
		return
	}
	m.EventsProcessedTotal.WithLabelValues(outcome).Inc()
}

// Delivery counts one reply attempt
func (m *Metrics) Delivery(ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.DeliveriesTotal.WithLabelValues(status).Inc()
}

// Idle records whether the queue was empty at the last poll
func (m *Metrics) Idle(idle bool) {
	if m == nil {
		return
	}
	if idle {
		m.QueueIdle.Set(1)
		return
	}
	m.QueueIdle.Set(0)
}
