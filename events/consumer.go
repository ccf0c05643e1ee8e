package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle of an event consumer's subscription.
type State int32

const (
	StateBound State = iota
	StateConsuming
	StateDraining
	StateStopped
)

// String implements fmt.Stringer
func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateConsuming:
		return "consuming"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// EventHandler processes one event. A returned error triggers the retry
// path; nil settles the delivery.
type EventHandler func(ctx context.Context, event *contracts.EventEnvelope) error

// Subscriber consumes the event queue. Satisfied by rabbitmq.Consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
}

type patternHandler struct {
	pattern string
	handler EventHandler
}

// EventConsumer consumes a queue bound to the topic exchange and routes
// events to handlers by exact type first, wildcard pattern second. A
// failing handler gets retried with exponential backoff by republishing
// the message with an incremented retry count; once the budget is spent
// the event is recorded in the dead-letter queue. An event is never
// silently lost and never retried forever.
type EventConsumer struct {
	queue      string
	subscriber Subscriber
	publisher  Publisher

	exchange    string
	dlxExchange string
	dlxKey      string
	maxRetries  int
	baseDelay   time.Duration
	logger      *slog.Logger
	collector   *metrics.Collector

	exact    map[string]EventHandler
	patterns []patternHandler

	state atomic.Int32
}

// EventConsumerOption configures the EventConsumer
type EventConsumerOption func(*EventConsumer)

// WithEventConsumerLogger sets the logger
func WithEventConsumerLogger(logger *slog.Logger) EventConsumerOption {
	return func(c *EventConsumer) {
		c.logger = logger
	}
}

// WithEventConsumerMetrics sets the metrics collector
func WithEventConsumerMetrics(collector *metrics.Collector) EventConsumerOption {
	return func(c *EventConsumer) {
		c.collector = collector
	}
}

// WithMaxRetries sets the retry budget per event
func WithMaxRetries(max int) EventConsumerOption {
	return func(c *EventConsumer) {
		c.maxRetries = max
	}
}

// WithRetryBaseDelay sets the backoff base: attempt n waits base * 2^n
func WithRetryBaseDelay(delay time.Duration) EventConsumerOption {
	return func(c *EventConsumer) {
		c.baseDelay = delay
	}
}

// WithDeadLetterRoute overrides the dead-letter exchange and routing key
func WithDeadLetterRoute(exchange, routingKey string) EventConsumerOption {
	return func(c *EventConsumer) {
		c.dlxExchange = exchange
		c.dlxKey = routingKey
	}
}

// NewEventConsumer creates a consumer for the given queue. The queue is
// expected to be bound to the event exchange already (see
// rabbitmq.TopologyManager.DeclareEventQueue).
func NewEventConsumer(queue string, subscriber Subscriber, publisher Publisher, options ...EventConsumerOption) (*EventConsumer, error) {
	if queue == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}
	if subscriber == nil || publisher == nil {
		return nil, fmt.Errorf("subscriber and publisher are required")
	}

	c := &EventConsumer{
		queue:       queue,
		subscriber:  subscriber,
		publisher:   publisher,
		exchange:    rabbitmq.EventExchange,
		dlxExchange: rabbitmq.DeadLetterExchange,
		dlxKey:      rabbitmq.DeadLetterRoutingKey,
		maxRetries:  3,
		baseDelay:   time.Second,
		logger:      slog.Default(),
		exact:       make(map[string]EventHandler),
	}

	for _, opt := range options {
		opt(c)
	}

	c.state.Store(int32(StateBound))
	return c, nil
}

// Handle registers a handler for an exact event type or a wildcard
// pattern. Registration must happen before Start.
func (c *EventConsumer) Handle(eventType string, handler EventHandler) error {
	if eventType == "" {
		return fmt.Errorf("event type cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if c.State() != StateBound {
		return fmt.Errorf("cannot register handler in state %s", c.State())
	}

	if !isPattern(eventType) {
		if _, exists := c.exact[eventType]; exists {
			return fmt.Errorf("handler already registered for %s", eventType)
		}
		c.exact[eventType] = handler
		return nil
	}

	c.patterns = append(c.patterns, patternHandler{pattern: eventType, handler: handler})
	return nil
}

// Start transitions Bound -> Consuming and begins receiving deliveries.
func (c *EventConsumer) Start(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateBound), int32(StateConsuming)) {
		return fmt.Errorf("cannot start consumer in state %s", c.State())
	}

	if err := c.subscriber.Subscribe(ctx, c.queue, c.handleDelivery); err != nil {
		c.state.Store(int32(StateBound))
		return fmt.Errorf("failed to subscribe to %s: %w", c.queue, err)
	}

	c.logger.Info("event consumer started",
		"queue", c.queue,
		"maxRetries", c.maxRetries,
		"baseDelay", c.baseDelay,
	)
	return nil
}

// Stop drains the consumer: Consuming -> Draining, in-flight handlers
// finish, then Stopped.
func (c *EventConsumer) Stop() error {
	if !c.state.CompareAndSwap(int32(StateConsuming), int32(StateDraining)) {
		return fmt.Errorf("cannot stop consumer in state %s", c.State())
	}

	err := c.subscriber.Unsubscribe(c.queue)
	c.state.Store(int32(StateStopped))
	c.logger.Info("event consumer stopped", "queue", c.queue)
	return err
}

// State reports the consumer lifecycle state.
func (c *EventConsumer) State() State {
	return State(c.state.Load())
}

// handleDelivery processes one event delivery.
func (c *EventConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	var event contracts.EventEnvelope
	if err := json.Unmarshal(delivery.Body, &event); err != nil {
		// A malformed event can never succeed; record it rather than
		// spinning through the retry budget.
		c.logger.Error("dead-lettering malformed event", "error", err)
		c.deadLetter(ctx, delivery, fmt.Errorf("malformed event envelope: %w", err))
		return
	}

	handler, ok := c.resolve(event.EventType)
	if !ok {
		// Not a failure: the event catalog evolves ahead of consumers.
		c.countOutcome("unmatched")
		c.logger.Debug("no handler for event type",
			"eventType", event.EventType,
			"eventId", event.EventID,
		)
		c.ack(delivery)
		return
	}

	if err := handler(ctx, &event); err != nil {
		c.handleFailure(ctx, delivery, &event, err)
		return
	}

	c.countOutcome("handled")
	c.ack(delivery)
}

// resolve finds a handler by exact event type, then by wildcard pattern
// in registration order.
func (c *EventConsumer) resolve(eventType string) (EventHandler, bool) {
	if handler, ok := c.exact[eventType]; ok {
		return handler, true
	}
	for _, ph := range c.patterns {
		if MatchPattern(eventType, ph.pattern) {
			return ph.handler, true
		}
	}
	return nil, false
}

// handleFailure runs the retry-or-dead-letter decision for one failed
// delivery.
func (c *EventConsumer) handleFailure(ctx context.Context, delivery amqp.Delivery, event *contracts.EventEnvelope, handlerErr error) {
	retryCount := headerInt(delivery.Headers, HeaderRetryCount)

	if retryCount >= c.maxRetries {
		c.logger.Error("event exhausted retry budget",
			"eventType", event.EventType,
			"eventId", event.EventID,
			"retries", retryCount,
			"error", handlerErr,
		)
		c.deadLetter(ctx, delivery, handlerErr)
		return
	}

	delay := c.baseDelay << uint(retryCount)
	c.logger.Warn("retrying event",
		"eventType", event.EventType,
		"eventId", event.EventID,
		"attempt", retryCount+1,
		"maxRetries", c.maxRetries,
		"delay", delay,
		"error", handlerErr,
	)

	// Draining cancels ctx; the republish still happens so the event is
	// not lost, just without the remaining backoff.
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}

	headers := cloneHeaders(delivery.Headers)
	headers[HeaderRetryCount] = int32(retryCount + 1)

	msg := amqp.Publishing{
		ContentType:  delivery.ContentType,
		MessageId:    delivery.MessageId,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Headers:      headers,
		Body:         delivery.Body,
	}

	if err := c.publisher.Publish(context.WithoutCancel(ctx), c.exchange, delivery.RoutingKey, msg); err != nil {
		c.logger.Error("failed to republish event for retry, requeueing",
			"eventType", event.EventType,
			"eventId", event.EventID,
			"error", err,
		)
		c.nack(delivery)
		return
	}

	if c.collector != nil {
		c.collector.EventRetries.Inc()
	}
	c.countOutcome("retried")
	// The republish is the new delivery; settle the original.
	c.ack(delivery)
}

// deadLetter records a permanently failed event in the dead-letter queue.
func (c *EventConsumer) deadLetter(ctx context.Context, delivery amqp.Delivery, cause error) {
	entry := contracts.DeadLetterEntry{
		Body:          delivery.Body,
		Headers:       delivery.Headers,
		OriginalError: cause.Error(),
		FailedAt:      time.Now().UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(entry)
	if err != nil {
		c.logger.Error("failed to encode dead-letter entry, requeueing", "error", err)
		c.nack(delivery)
		return
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    delivery.MessageId,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	if err := c.publisher.Publish(context.WithoutCancel(ctx), c.dlxExchange, c.dlxKey, msg); err != nil {
		c.logger.Error("failed to publish dead letter, requeueing", "error", err)
		c.nack(delivery)
		return
	}

	if c.collector != nil {
		c.collector.EventsDeadLettered.Inc()
	}
	c.countOutcome("dead_lettered")
	c.ack(delivery)
}

func (c *EventConsumer) ack(delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack event", "queue", c.queue, "error", err)
	}
}

func (c *EventConsumer) nack(delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		c.logger.Error("failed to nack event", "queue", c.queue, "error", err)
	}
}

func (c *EventConsumer) countOutcome(outcome string) {
	if c.collector != nil {
		c.collector.EventsConsumed.WithLabelValues(outcome).Inc()
	}
}

func isPattern(s string) bool {
	for _, r := range s {
		if r == '*' || r == '#' {
			return true
		}
	}
	return false
}

func cloneHeaders(headers amqp.Table) amqp.Table {
	out := make(amqp.Table, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	return out
}

// headerInt reads an integer header across the numeric types AMQP
// clients use.
func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
