package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler processes one delivery. The handler owns acknowledgment:
// the consumer never acks or nacks on its behalf, because the request and
// event layers need precise control over when a message is settled.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery)

// Consumer consumes deliveries from queues with a prefetch bound. The
// prefetch count is the backpressure mechanism: the broker holds further
// messages once that many are unacknowledged.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*subscription
}

type subscription struct {
	queue   string
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount bounds concurrent unacknowledged deliveries
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over the channel pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		logger:        slog.Default(),
		active:        make(map[string]*subscription),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming from queue until the context is cancelled or
// Unsubscribe is called. Deliveries are handled concurrently up to the
// prefetch bound.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	c.mu.Lock()
	if _, exists := c.active[queue]; exists {
		c.mu.Unlock()
		return fmt.Errorf("already consuming from queue %s", queue)
	}
	c.mu.Unlock()

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "subscribe", Err: err, Timestamp: time.Now()}
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "set qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		c.pool.Put(ch)
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		queue:   queue,
		channel: ch,
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.active[queue] = sub
	c.mu.Unlock()

	go c.run(subCtx, sub, deliveries, handler)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"prefetchCount", c.prefetchCount,
	)
	return nil
}

// run pumps deliveries into the handler. In-flight handlers are waited
// for on cancellation so draining never abandons work mid-message.
func (c *Consumer) run(ctx context.Context, sub *subscription, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	var inflight sync.WaitGroup

	defer func() {
		inflight.Wait()
		c.pool.Put(sub.channel)
		c.mu.Lock()
		delete(c.active, sub.queue)
		c.mu.Unlock()
		close(sub.done)
		c.logger.Info("consumer stopped", "queue", sub.queue)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", sub.queue)
				return
			}

			// The cancellable context only stops the pump. Handlers get a
			// detached context so a drain never aborts work in progress.
			inflight.Add(1)
			go func(d amqp.Delivery) {
				defer inflight.Done()
				handler(context.WithoutCancel(ctx), d)
			}(delivery)
		}
	}
}

// Unsubscribe drains the queue's consumer: no new deliveries are accepted
// and in-flight handlers run to completion before this returns.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, ok := c.active[queue]
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("no active consumer for queue %s", queue)
	}

	sub.cancel()
	<-sub.done
	return nil
}

// UnsubscribeAll stops every active consumer.
func (c *Consumer) UnsubscribeAll() error {
	c.mu.Lock()
	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			if err := c.Unsubscribe(queue); err != nil {
				c.logger.Error("failed to unsubscribe", "queue", queue, "error", err)
			}
		}(q)
	}
	wg.Wait()
	return nil
}

// ActiveQueues lists queues with a live consumer.
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
