package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Transport headers attached to every event so consumers can filter
// without deserializing the body.
const (
	HeaderEventType  = "x-event-type"
	HeaderService    = "x-event-service"
	HeaderTimestamp  = "x-event-timestamp"
	HeaderRetryCount = "x-retry-count"
)

// Publisher publishes raw AMQP messages. Satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// EventPublisher publishes domain events to the topic exchange, keyed by
// event type. Publish failures propagate to the caller: event loss has
// business impact and is the caller's decision to tolerate.
type EventPublisher struct {
	service   string
	publisher Publisher
	exchange  string
	logger    *slog.Logger
	collector *metrics.Collector
}

// EventPublisherOption configures the EventPublisher
type EventPublisherOption func(*EventPublisher)

// WithEventPublisherLogger sets the logger
func WithEventPublisherLogger(logger *slog.Logger) EventPublisherOption {
	return func(p *EventPublisher) {
		p.logger = logger
	}
}

// WithEventPublisherMetrics sets the metrics collector
func WithEventPublisherMetrics(collector *metrics.Collector) EventPublisherOption {
	return func(p *EventPublisher) {
		p.collector = collector
	}
}

// WithEventExchange overrides the event exchange
func WithEventExchange(exchange string) EventPublisherOption {
	return func(p *EventPublisher) {
		p.exchange = exchange
	}
}

// NewEventPublisher creates a publisher stamping events as the named
// service.
func NewEventPublisher(service string, publisher Publisher, options ...EventPublisherOption) *EventPublisher {
	p := &EventPublisher{
		service:   service,
		publisher: publisher,
		exchange:  rabbitmq.EventExchange,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends one event envelope to the topic exchange.
func (p *EventPublisher) Publish(ctx context.Context, event *contracts.EventEnvelope) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.EventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if strings.ContainsAny(event.EventType, "*# ") {
		return fmt.Errorf("invalid event type %q: wildcards are for bindings, not events", event.EventType)
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    event.EventID,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers: amqp.Table{
			HeaderEventType: event.EventType,
			HeaderService:   event.Service,
			HeaderTimestamp: event.Timestamp,
		},
		Body: body,
	}

	if err := p.publisher.Publish(ctx, p.exchange, event.EventType, msg); err != nil {
		p.logger.Error("failed to publish event",
			"eventId", event.EventID,
			"eventType", event.EventType,
			"service", event.Service,
			"error", err,
		)
		return fmt.Errorf("failed to publish event %s: %w", event.EventType, err)
	}

	if p.collector != nil {
		p.collector.EventsPublished.WithLabelValues(event.Service).Inc()
	}

	p.logger.Debug("event published",
		"eventId", event.EventID,
		"eventType", event.EventType,
	)
	return nil
}

// Emit builds an envelope for the publisher's service and publishes it.
func (p *EventPublisher) Emit(ctx context.Context, eventType string, data json.RawMessage) error {
	return p.Publish(ctx, contracts.NewEventEnvelope(eventType, p.service, data))
}
