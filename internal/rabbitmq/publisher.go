package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes messages with broker confirmation. It deliberately
// carries no retry loop: callers decide whether a failed publish is worth
// retrying, and the gateway router explicitly is not.
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	publishTimeout time.Duration
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets how long to wait for a broker confirmation
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishTimeout sets the overall publish deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// NewPublisher creates a confirming publisher over the channel pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		publishTimeout: 10 * time.Second,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends one message and waits for the broker to confirm it.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	defer p.pool.Put(ch)

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirm mode: %w", err)
	}

	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	returns := ch.NotifyReturn(make(chan amqp.Return, 1))

	if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}

	select {
	case confirm := <-confirms:
		if !confirm.Ack {
			return &PublishError{
				Exchange:   exchange,
				RoutingKey: routingKey,
				Err:        ErrPublishNotConfirmed,
				Timestamp:  time.Now(),
			}
		}
		return nil

	case ret := <-returns:
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        fmt.Errorf("message returned: %s", ret.ReplyText),
			Timestamp:  time.Now(),
		}

	case <-time.After(p.confirmTimeout):
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        ErrConfirmTimeout,
			Timestamp:  time.Now(),
		}

	case <-ctx.Done():
		return ctx.Err()
	}
}
