package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ResponseSubscriber consumes the response queue. Satisfied by
// rabbitmq.Consumer.
type ResponseSubscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
}

// CorrelationRegistry joins response envelopes to the goroutines waiting
// for them. It is the single synchronization point between an inbound
// HTTP call and the asynchronous broker round trip: a waiter that times
// out deregisters itself, and a response for an unknown id is dropped.
type CorrelationRegistry struct {
	subscriber ResponseSubscriber
	queue      string
	logger     *slog.Logger
	collector  *metrics.Collector

	mu      sync.Mutex
	pending map[string]chan *contracts.ResponseEnvelope
}

// RegistryOption configures the CorrelationRegistry
type RegistryOption func(*CorrelationRegistry)

// WithRegistryLogger sets the logger
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *CorrelationRegistry) {
		r.logger = logger
	}
}

// WithRegistryMetrics sets the metrics collector
func WithRegistryMetrics(collector *metrics.Collector) RegistryOption {
	return func(r *CorrelationRegistry) {
		r.collector = collector
	}
}

// WithResponseQueue overrides the response queue name
func WithResponseQueue(queue string) RegistryOption {
	return func(r *CorrelationRegistry) {
		r.queue = queue
	}
}

// NewCorrelationRegistry creates a registry listening on the shared
// response queue.
func NewCorrelationRegistry(subscriber ResponseSubscriber, options ...RegistryOption) *CorrelationRegistry {
	r := &CorrelationRegistry{
		subscriber: subscriber,
		queue:      rabbitmq.ResponseQueue,
		logger:     slog.Default(),
		pending:    make(map[string]chan *contracts.ResponseEnvelope),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Start begins consuming the response queue.
func (r *CorrelationRegistry) Start(ctx context.Context) error {
	return r.subscriber.Subscribe(ctx, r.queue, r.handleDelivery)
}

// Stop drains the response listener.
func (r *CorrelationRegistry) Stop() error {
	return r.subscriber.Unsubscribe(r.queue)
}

// Register creates a waiter for the given correlation id. The returned
// channel receives at most one envelope.
func (r *CorrelationRegistry) Register(correlationID string) (<-chan *contracts.ResponseEnvelope, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[correlationID]; exists {
		return nil, fmt.Errorf("correlation id already registered: %s", correlationID)
	}

	ch := make(chan *contracts.ResponseEnvelope, 1)
	r.pending[correlationID] = ch

	if r.collector != nil {
		r.collector.PendingRequests.Inc()
	}
	return ch, nil
}

// Deregister abandons a waiter. A response arriving afterwards is dropped
// as orphaned.
func (r *CorrelationRegistry) Deregister(correlationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.pending[correlationID]; exists {
		delete(r.pending, correlationID)
		if r.collector != nil {
			r.collector.PendingRequests.Dec()
		}
	}
}

// Resolve delivers a response to its waiter. It returns false when no
// waiter is registered, which means the caller already gave up.
func (r *CorrelationRegistry) Resolve(resp *contracts.ResponseEnvelope) bool {
	r.mu.Lock()
	ch, exists := r.pending[resp.CorrelationID]
	if exists {
		delete(r.pending, resp.CorrelationID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}

	ch <- resp
	if r.collector != nil {
		r.collector.PendingRequests.Dec()
	}
	return true
}

// PendingCount reports how many requests are awaiting a response.
func (r *CorrelationRegistry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// handleDelivery parses one response and resolves its waiter. Every
// delivery is acked: a response is never worth redelivering, since the
// waiter either got it or is gone.
func (r *CorrelationRegistry) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	defer func() {
		if err := delivery.Ack(false); err != nil {
			r.logger.Error("failed to ack response", "error", err)
		}
	}()

	var resp contracts.ResponseEnvelope
	if err := json.Unmarshal(delivery.Body, &resp); err != nil {
		r.logger.Error("dropping malformed response envelope", "error", err)
		return
	}

	if resp.CorrelationID == "" {
		r.logger.Error("dropping response without correlation id")
		return
	}

	if !r.Resolve(&resp) {
		if r.collector != nil {
			r.collector.OrphanResponses.Inc()
		}
		r.logger.Warn("dropping orphan response",
			"correlationId", resp.CorrelationID,
			"status", resp.Status,
		)
	}
}
