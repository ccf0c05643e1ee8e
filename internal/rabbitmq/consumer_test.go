package rabbitmq

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

func TestConsumerDrain(t *testing.T) {
	t.Run("in-flight handler finishes with a live context", func(t *testing.T) {
		consumer := NewConsumer(&ChannelPool{},
			WithConsumerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		deliveries := make(chan amqp.Delivery, 1)
		started := make(chan struct{})
		release := make(chan struct{})
		handlerErr := make(chan error, 1)

		handler := func(ctx context.Context, delivery amqp.Delivery) {
			close(started)
			<-release
			handlerErr <- ctx.Err()
		}

		subCtx, cancel := context.WithCancel(context.Background())
		sub := &subscription{
			queue:  "management.requests",
			cancel: cancel,
			done:   make(chan struct{}),
		}
		consumer.mu.Lock()
		consumer.active[sub.queue] = sub
		consumer.mu.Unlock()

		go consumer.run(subCtx, sub, deliveries, handler)

		deliveries <- amqp.Delivery{}
		<-started

		unsubDone := make(chan error, 1)
		go func() {
			unsubDone <- consumer.Unsubscribe(sub.queue)
		}()

		// The drain must block on the in-flight handler, not abandon it.
		select {
		case <-sub.done:
			t.Fatal("consumer stopped while a handler was still running")
		case <-time.After(20 * time.Millisecond):
		}

		close(release)
		assert.NoError(t, <-unsubDone)

		// The handler's context stays live through the drain so the
		// request can finish and be answered.
		assert.NoError(t, <-handlerErr)
		assert.Empty(t, consumer.ActiveQueues())
	})

	t.Run("unsubscribe without a consumer errors", func(t *testing.T) {
		consumer := NewConsumer(&ChannelPool{},
			WithConsumerLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

		err := consumer.Unsubscribe("gps_queue")
		assert.ErrorContains(t, err, "no active consumer")
	})
}
