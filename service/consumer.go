package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Subscriber consumes the service request queue. Satisfied by
// rabbitmq.Consumer.
type Subscriber interface {
	Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error
	Unsubscribe(queue string) error
}

// Publisher publishes response envelopes. Satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// DependencyCheck reports whether the service's backing store is
// reachable. When it fails, requests are answered DatabaseUnavailable
// before any dispatch happens.
type DependencyCheck func(ctx context.Context) error

// RequestConsumer is one service's end of the RPC protocol. Exceptions
// never escape to the transport: every request that reaches the consumer
// is answered with exactly one response envelope, and redeliveries of an
// already-answered correlation id are acked silently.
type RequestConsumer struct {
	name       string
	queue      string
	subscriber Subscriber
	publisher  Publisher
	handlers   *HandlerTable
	dedup      *DedupTable

	execTimeout      time.Duration
	responseExchange string
	responseKey      string
	dbCheck          DependencyCheck
	logger           *slog.Logger
	collector        *metrics.Collector

	startedAt time.Time
	handled   atomic.Int64
	failed    atomic.Int64

	mu      sync.Mutex
	running bool
}

// ConsumerOption configures the RequestConsumer
type ConsumerOption func(*RequestConsumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *RequestConsumer) {
		c.logger = logger
	}
}

// WithConsumerMetrics sets the metrics collector
func WithConsumerMetrics(collector *metrics.Collector) ConsumerOption {
	return func(c *RequestConsumer) {
		c.collector = collector
	}
}

// WithExecutionTimeout bounds each handler invocation
func WithExecutionTimeout(timeout time.Duration) ConsumerOption {
	return func(c *RequestConsumer) {
		c.execTimeout = timeout
	}
}

// WithDependencyCheck installs a fast-fail check run before dispatch
func WithDependencyCheck(check DependencyCheck) ConsumerOption {
	return func(c *RequestConsumer) {
		c.dbCheck = check
	}
}

// WithResponseRoute overrides the response exchange and routing key
func WithResponseRoute(exchange, routingKey string) ConsumerOption {
	return func(c *RequestConsumer) {
		c.responseExchange = exchange
		c.responseKey = routingKey
	}
}

// NewRequestConsumer creates a consumer for the named service. Built-in
// health, status, docs and metrics handlers are registered alongside the
// supplied handler table.
func NewRequestConsumer(name, queue string, subscriber Subscriber, publisher Publisher, handlers *HandlerTable, dedup *DedupTable, options ...ConsumerOption) (*RequestConsumer, error) {
	if name == "" {
		return nil, fmt.Errorf("service name cannot be empty")
	}
	if queue == "" {
		return nil, fmt.Errorf("queue cannot be empty")
	}
	if subscriber == nil || publisher == nil {
		return nil, fmt.Errorf("subscriber and publisher are required")
	}
	if handlers == nil {
		handlers = NewHandlerTable()
	}
	if dedup == nil {
		return nil, fmt.Errorf("dedup table is required")
	}

	c := &RequestConsumer{
		name:             name,
		queue:            queue,
		subscriber:       subscriber,
		publisher:        publisher,
		handlers:         handlers,
		dedup:            dedup,
		execTimeout:      25 * time.Second,
		responseExchange: rabbitmq.ResponseExchange,
		responseKey:      rabbitmq.ResponseQueue,
		logger:           slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	if err := c.registerBuiltins(); err != nil {
		return nil, fmt.Errorf("failed to register built-in handlers: %w", err)
	}

	return c, nil
}

// Start begins consuming the request queue.
func (c *RequestConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("consumer already running")
	}

	if err := c.subscriber.Subscribe(ctx, c.queue, c.handleDelivery); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", c.queue, err)
	}

	c.running = true
	c.startedAt = time.Now()
	c.logger.Info("request consumer started",
		"service", c.name,
		"queue", c.queue,
		"executionTimeout", c.execTimeout,
	)
	return nil
}

// Stop drains the consumer: in-flight requests finish and are answered.
func (c *RequestConsumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return fmt.Errorf("consumer not running")
	}

	err := c.subscriber.Unsubscribe(c.queue)
	c.running = false
	return err
}

// handleDelivery processes one request delivery end to end. The message
// is always acked: malformed payloads can never succeed, and answered
// requests must not be redelivered.
func (c *RequestConsumer) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	defer func() {
		if err := delivery.Ack(false); err != nil {
			c.logger.Error("failed to ack request", "service", c.name, "error", err)
		}
	}()

	var req contracts.RequestEnvelope
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		c.failed.Add(1)
		c.count("malformed", "dropped")
		c.logger.Error("dropping malformed request envelope",
			"service", c.name,
			"error", err,
		)
		return
	}

	if req.CorrelationID == "" {
		c.failed.Add(1)
		c.count("malformed", "dropped")
		c.logger.Error("dropping request without correlation id", "service", c.name)
		return
	}

	if c.dedup.Duplicate(req.CorrelationID) {
		if c.collector != nil {
			c.collector.DedupHits.Inc()
		}
		c.logger.Info("skipping duplicate request",
			"service", c.name,
			"correlationId", req.CorrelationID,
		)
		return
	}

	resource := resourceOf(req.Endpoint)
	data, err := c.process(ctx, resource, &req)

	var resp *contracts.ResponseEnvelope
	if err != nil {
		c.failed.Add(1)
		c.count(resource, contracts.Kind(err))
		resp = contracts.NewErrorResponse(req.CorrelationID, contracts.Kind(err), errorMessage(err))
		c.logger.Error("request failed",
			"service", c.name,
			"resource", resource,
			"method", req.Method,
			"endpoint", req.Endpoint,
			"correlationId", req.CorrelationID,
			"kind", contracts.Kind(err),
			"error", err,
		)
	} else {
		c.handled.Add(1)
		c.count(resource, "ok")
		resp = contracts.NewSuccessResponse(req.CorrelationID, data)
	}

	c.respond(ctx, resp)
}

// process runs the dependency gate, dispatch and timed execution for one
// request.
func (c *RequestConsumer) process(ctx context.Context, resource string, req *contracts.RequestEnvelope) (json.RawMessage, error) {
	if c.dbCheck != nil {
		if err := c.dbCheck(ctx); err != nil {
			return nil, contracts.NewRemoteError(contracts.KindDatabaseUnavailable,
				"dependency check failed: %v", err)
		}
	}

	handler, ok := c.handlers.Resolve(resource, req.Method)
	if !ok {
		return nil, contracts.NewRemoteError(contracts.KindNotFound,
			"no handler for %s %s", req.Method, req.Endpoint)
	}

	return c.execute(ctx, handler, req)
}

// execute invokes a handler under the execution timeout, catching panics.
// On timeout the handler goroutine is left to finish on its own; its
// result is discarded because the caller-side router has already given up.
func (c *RequestConsumer) execute(ctx context.Context, handler Handler, req *contracts.RequestEnvelope) (json.RawMessage, error) {
	execCtx, cancel := context.WithTimeout(ctx, c.execTimeout)
	defer cancel()

	type outcome struct {
		data json.RawMessage
		err  error
	}
	results := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				results <- outcome{err: contracts.NewRemoteError(contracts.KindInternal,
					"handler panic: %v", r)}
			}
		}()
		data, err := handler(execCtx, req)
		results <- outcome{data: data, err: err}
	}()

	select {
	case out := <-results:
		return out.data, out.err
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, contracts.NewRemoteError(contracts.KindTimeout,
				"handler exceeded %v execution budget", c.execTimeout)
		}
		return nil, execCtx.Err()
	}
}

// respond publishes the response envelope. A publish failure is logged
// and swallowed: the caller will time out, and redelivering the request
// would be deduplicated anyway.
func (c *RequestConsumer) respond(ctx context.Context, resp *contracts.ResponseEnvelope) {
	body, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("failed to encode response",
			"service", c.name,
			"correlationId", resp.CorrelationID,
			"error", err,
		)
		return
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: resp.CorrelationID,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Body:          body,
	}

	if err := c.publisher.Publish(ctx, c.responseExchange, c.responseKey, msg); err != nil {
		c.logger.Error("failed to publish response",
			"service", c.name,
			"correlationId", resp.CorrelationID,
			"error", err,
		)
	}
}

func (c *RequestConsumer) count(resource, outcome string) {
	if c.collector != nil {
		c.collector.ConsumerRequests.WithLabelValues(resource, outcome).Inc()
	}
}

// errorMessage strips the kind prefix from remote errors so the wire
// message is not doubled up.
func errorMessage(err error) string {
	var remote *contracts.RemoteError
	if errors.As(err, &remote) {
		return remote.Message
	}
	return err.Error()
}
