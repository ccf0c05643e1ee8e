// Package fleetbus wires the messaging core together: one broker
// connection, a channel pool, and factories for the gateway- and
// service-side components built on top of them.
package fleetbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fleetbus/fleetbus/config"
	"github.com/fleetbus/fleetbus/events"
	"github.com/fleetbus/fleetbus/gateway"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	"github.com/fleetbus/fleetbus/service"
)

// Client owns the broker connection and hands out the components a fleet
// process needs. A gateway process uses Registry and Router; a backend
// service uses Service and EventConsumer; most use EventPublisher.
type Client struct {
	cfg       *config.Config
	logger    *slog.Logger
	collector *metrics.Collector

	conn      *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
	topology  *rabbitmq.TopologyManager
}

// ClientOption configures the Client
type ClientOption func(*Client)

// WithClientLogger sets the logger for all components
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCollector sets the metrics collector shared by all components
func WithCollector(collector *metrics.Collector) ClientOption {
	return func(c *Client) {
		c.collector = collector
	}
}

// NewClient connects to the broker and declares the shared fleet
// topology.
func NewClient(ctx context.Context, cfg *config.Config, options ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	c := &Client{
		cfg:    cfg,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	c.conn = rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithConnectionLogger(c.logger),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
	)
	if err := c.conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	pool, err := rabbitmq.NewChannelPool(c.conn)
	if err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}
	c.pool = pool

	c.publisher = rabbitmq.NewPublisher(pool)
	c.consumer = rabbitmq.NewConsumer(pool,
		rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
		rabbitmq.WithConsumerLogger(c.logger),
	)
	c.topology = rabbitmq.NewTopologyManager(pool)

	if err := c.topology.DeclareTopology(ctx, rabbitmq.FleetTopology(cfg.DeadLetterTTL)); err != nil {
		c.conn.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	return c, nil
}

// Config returns the client configuration.
func (c *Client) Config() *config.Config {
	return c.cfg
}

// Topology returns the topology manager for declaring additional queues.
func (c *Client) Topology() *rabbitmq.TopologyManager {
	return c.topology
}

// Registry creates the gateway's correlation registry and starts its
// response listener.
func (c *Client) Registry(ctx context.Context) (*gateway.CorrelationRegistry, error) {
	registry := gateway.NewCorrelationRegistry(c.consumer,
		gateway.WithRegistryLogger(c.logger),
		gateway.WithRegistryMetrics(c.collector),
	)
	if err := registry.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start correlation registry: %w", err)
	}
	return registry, nil
}

// Router creates the gateway request router over a started registry.
func (c *Client) Router(registry *gateway.CorrelationRegistry, table *gateway.RoutingTable) *gateway.RequestRouter {
	return gateway.NewRequestRouter(table, registry, c.publisher,
		gateway.WithRouterLogger(c.logger),
		gateway.WithRouterMetrics(c.collector),
		gateway.WithRequestTimeout(c.cfg.RequestTimeout),
	)
}

// Service declares the named service's request queue and creates its
// consumer. The caller registers handlers on the returned table before
// calling Start on the consumer.
func (c *Client) Service(ctx context.Context, name, queue string, options ...service.ConsumerOption) (*service.RequestConsumer, *service.HandlerTable, error) {
	if err := c.topology.DeclareServiceQueue(ctx, queue, queue); err != nil {
		return nil, nil, fmt.Errorf("failed to declare queue for %s: %w", name, err)
	}

	handlers := service.NewHandlerTable()
	dedup := service.NewDedupTable(c.cfg.DedupWindow,
		service.WithDedupLogger(c.logger),
		service.WithSweepInterval(c.cfg.DedupSweepInterval),
	)

	opts := append([]service.ConsumerOption{
		service.WithConsumerLogger(c.logger),
		service.WithConsumerMetrics(c.collector),
		service.WithExecutionTimeout(c.cfg.HandlerTimeout),
	}, options...)

	consumer, err := service.NewRequestConsumer(name, queue, c.consumer, c.publisher, handlers, dedup, opts...)
	if err != nil {
		dedup.Close()
		return nil, nil, err
	}
	return consumer, handlers, nil
}

// EventPublisher creates a publisher stamping events as the named
// service.
func (c *Client) EventPublisher(serviceName string) *events.EventPublisher {
	return events.NewEventPublisher(serviceName, c.publisher,
		events.WithEventPublisherLogger(c.logger),
		events.WithEventPublisherMetrics(c.collector),
	)
}

// EventConsumer declares an event queue bound to the topic exchange with
// the given patterns and creates its consumer.
func (c *Client) EventConsumer(ctx context.Context, queue string, patterns ...string) (*events.EventConsumer, error) {
	for _, pattern := range patterns {
		if err := c.topology.DeclareEventQueue(ctx, queue, pattern); err != nil {
			return nil, fmt.Errorf("failed to bind %s to %s: %w", queue, pattern, err)
		}
	}

	return events.NewEventConsumer(queue, c.consumer, c.publisher,
		events.WithEventConsumerLogger(c.logger),
		events.WithEventConsumerMetrics(c.collector),
		events.WithMaxRetries(c.cfg.MaxRetryAttempts),
		events.WithRetryBaseDelay(c.cfg.RetryBaseDelay),
	)
}

// Close drains all consumers and shuts the connection down.
func (c *Client) Close() error {
	if c.consumer != nil {
		if err := c.consumer.UnsubscribeAll(); err != nil {
			c.logger.Error("failed to stop consumers", "error", err)
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
