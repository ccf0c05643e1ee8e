package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes raw AMQP messages. Satisfied by rabbitmq.Publisher.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// RequestRouter maps logical endpoints to service queues, publishes
// request envelopes and blocks the caller until the correlated response
// arrives or the deadline passes. A timeout only abandons the local wait;
// the remote handler is not cancelled, and its late response is dropped
// by the registry.
type RequestRouter struct {
	table     *RoutingTable
	registry  *CorrelationRegistry
	publisher Publisher
	exchange  string
	timeout   time.Duration
	logger    *slog.Logger
	collector *metrics.Collector
}

// RouterOption configures the RequestRouter
type RouterOption func(*RequestRouter)

// WithRouterLogger sets the logger
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *RequestRouter) {
		r.logger = logger
	}
}

// WithRouterMetrics sets the metrics collector
func WithRouterMetrics(collector *metrics.Collector) RouterOption {
	return func(r *RequestRouter) {
		r.collector = collector
	}
}

// WithRequestTimeout sets the default response deadline
func WithRequestTimeout(timeout time.Duration) RouterOption {
	return func(r *RequestRouter) {
		r.timeout = timeout
	}
}

// WithRequestExchange overrides the request exchange
func WithRequestExchange(exchange string) RouterOption {
	return func(r *RequestRouter) {
		r.exchange = exchange
	}
}

// NewRequestRouter creates a router over the given table, registry and
// publisher.
func NewRequestRouter(table *RoutingTable, registry *CorrelationRegistry, publisher Publisher, options ...RouterOption) *RequestRouter {
	r := &RequestRouter{
		table:     table,
		registry:  registry,
		publisher: publisher,
		exchange:  rabbitmq.RequestExchange,
		timeout:   30 * time.Second,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(r)
	}

	return r
}

// Route publishes a request for the service owning endpoint and waits
// for its response. The success payload is returned as raw JSON; remote
// failures surface as *contracts.RemoteError.
func (r *RequestRouter) Route(ctx context.Context, method, endpoint string, data json.RawMessage, user *contracts.UserContext) (json.RawMessage, error) {
	entry, ok := r.table.Resolve(endpoint)
	if !ok {
		r.count("unknown", "unroutable")
		return nil, contracts.NewRemoteError(contracts.KindNotFound, "no service owns endpoint %s", endpoint)
	}

	envelope := contracts.NewRequestEnvelope(method, endpoint, data, user)

	body, err := json.Marshal(envelope)
	if err != nil {
		r.count(entry.Queue, "error")
		return nil, contracts.NewRemoteError(contracts.KindInternal, "failed to encode request: %v", err)
	}

	// Register before publishing so a fast response cannot race the
	// waiter into existence.
	waiter, err := r.registry.Register(envelope.CorrelationID)
	if err != nil {
		r.count(entry.Queue, "error")
		return nil, contracts.NewRemoteError(contracts.KindInternal, "failed to register waiter: %v", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: envelope.CorrelationID,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now(),
		Body:          body,
	}

	if err := r.publisher.Publish(ctx, r.exchange, entry.RoutingKey, msg); err != nil {
		r.registry.Deregister(envelope.CorrelationID)
		r.count(entry.Queue, "unavailable")
		r.logger.Error("failed to publish request",
			"endpoint", endpoint,
			"method", method,
			"service", entry.Queue,
			"error", err,
		)
		return nil, contracts.NewRemoteError(contracts.KindServiceUnavailable, "broker publish failed for %s", entry.Queue)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		if remoteErr := resp.RemoteError(); remoteErr != nil {
			r.count(entry.Queue, "remote_error")
			return nil, remoteErr
		}
		r.count(entry.Queue, "ok")
		return resp.Data, nil

	case <-timer.C:
		r.registry.Deregister(envelope.CorrelationID)
		r.count(entry.Queue, "timeout")
		r.logger.Warn("request timed out",
			"endpoint", endpoint,
			"method", method,
			"service", entry.Queue,
			"correlationId", envelope.CorrelationID,
			"timeout", r.timeout,
		)
		return nil, contracts.NewRemoteError(contracts.KindServiceTimeout, "no response from %s within %v", entry.Queue, r.timeout)

	case <-ctx.Done():
		r.registry.Deregister(envelope.CorrelationID)
		r.count(entry.Queue, "cancelled")
		return nil, ctx.Err()
	}
}

// Owner reports which routing entry would handle the endpoint. Read-only
// introspection, not part of the protocol.
func (r *RequestRouter) Owner(endpoint string) (RoutingEntry, bool) {
	return r.table.Resolve(endpoint)
}

// Table returns the static routing table.
func (r *RequestRouter) Table() *RoutingTable {
	return r.table
}

func (r *RequestRouter) count(service, outcome string) {
	if r.collector != nil {
		r.collector.RequestsRouted.WithLabelValues(service, outcome).Inc()
	}
}
