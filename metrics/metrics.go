// Package metrics exposes Prometheus instrumentation for the messaging
// core. Components treat the collector as optional: a nil collector
// disables instrumentation without branching in the caller's hot path.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the messaging-core metric families.
type Collector struct {
	registry *prometheus.Registry

	RequestsRouted     *prometheus.CounterVec
	PendingRequests    prometheus.Gauge
	OrphanResponses    prometheus.Counter
	ConsumerRequests   *prometheus.CounterVec
	DedupHits          prometheus.Counter
	EventsPublished    *prometheus.CounterVec
	EventsConsumed     *prometheus.CounterVec
	EventRetries       prometheus.Counter
	EventsDeadLettered prometheus.Counter
	QueueDepth         *prometheus.GaugeVec
}

// NewCollector creates and registers the metric families on a fresh
// registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		RequestsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbus_requests_routed_total",
			Help: "Requests routed by the gateway, by target service and outcome.",
		}, []string{"service", "outcome"}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fleetbus_pending_requests",
			Help: "Correlation ids currently awaiting a response.",
		}),
		OrphanResponses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbus_orphan_responses_total",
			Help: "Responses dropped because no waiter was registered.",
		}),
		ConsumerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbus_consumer_requests_total",
			Help: "Requests handled by a service consumer, by resource and outcome.",
		}, []string{"resource", "outcome"}),
		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbus_dedup_hits_total",
			Help: "Redelivered requests skipped by the dedup table.",
		}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbus_events_published_total",
			Help: "Events published, by producing service.",
		}, []string{"service"}),
		EventsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleetbus_events_consumed_total",
			Help: "Events consumed, by outcome.",
		}, []string{"outcome"}),
		EventRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbus_event_retries_total",
			Help: "Event deliveries republished with an incremented retry count.",
		}),
		EventsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleetbus_events_dead_lettered_total",
			Help: "Events moved to the dead-letter queue.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleetbus_queue_depth",
			Help: "Ready messages per watched queue, sampled periodically.",
		}, []string{"queue"}),
	}

	registry.MustRegister(
		c.RequestsRouted,
		c.PendingRequests,
		c.OrphanResponses,
		c.ConsumerRequests,
		c.DedupHits,
		c.EventsPublished,
		c.EventsConsumed,
		c.EventRetries,
		c.EventsDeadLettered,
		c.QueueDepth,
	)

	return c
}

// Handler returns the HTTP handler serving the registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
