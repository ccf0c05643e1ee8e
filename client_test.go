package fleetbus_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/events"
	"github.com/fleetbus/fleetbus/gateway"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/service"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

// memBroker is an in-memory stand-in for the AMQP broker: direct
// exchanges match routing keys exactly, the event exchange matches topic
// patterns. Deliveries run asynchronously like real consumption.
type memBroker struct {
	mu       sync.Mutex
	queues   map[string]rabbitmq.DeliveryHandler
	bindings []memBinding
}

type memBinding struct {
	exchange string
	pattern  string
	queue    string
	topic    bool
}

func newMemBroker() *memBroker {
	return &memBroker{queues: make(map[string]rabbitmq.DeliveryHandler)}
}

func (b *memBroker) bind(exchange, pattern, queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bindings = append(b.bindings, memBinding{
		exchange: exchange,
		pattern:  pattern,
		queue:    queue,
		topic:    exchange == rabbitmq.EventExchange,
	})
}

func (b *memBroker) Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.queues[queue]; exists {
		return fmt.Errorf("already consuming from %s", queue)
	}
	b.queues[queue] = handler
	return nil
}

func (b *memBroker) Unsubscribe(queue string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.queues, queue)
	return nil
}

func (b *memBroker) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	var handlers []rabbitmq.DeliveryHandler
	for _, binding := range b.bindings {
		if binding.exchange != exchange {
			continue
		}
		matched := binding.pattern == routingKey
		if binding.topic {
			matched = events.MatchPattern(routingKey, binding.pattern)
		}
		if matched {
			if handler, ok := b.queues[binding.queue]; ok {
				handlers = append(handlers, handler)
			}
		}
	}
	b.mu.Unlock()

	delivery := amqp.Delivery{
		Body:         msg.Body,
		Headers:      msg.Headers,
		RoutingKey:   routingKey,
		Exchange:     exchange,
		MessageId:    msg.MessageId,
		ContentType:  msg.ContentType,
		Acknowledger: nopAcknowledger{},
	}
	for _, handler := range handlers {
		go handler(context.Background(), delivery)
	}
	return nil
}

type nopAcknowledger struct{}

func (nopAcknowledger) Ack(tag uint64, multiple bool) error                { return nil }
func (nopAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error { return nil }
func (nopAcknowledger) Reject(tag uint64, requeue bool) error              { return nil }

// startManagementService wires a service consumer on the broker the way a
// fleet backend would.
func startManagementService(t *testing.T, broker *memBroker, handlers *service.HandlerTable) {
	t.Helper()

	dedup := service.NewDedupTable(time.Minute)
	t.Cleanup(dedup.Close)

	consumer, err := service.NewRequestConsumer("management", "management.requests", broker, broker, handlers, dedup,
		service.WithExecutionTimeout(2*time.Second),
	)
	assert.NoError(t, err)

	broker.bind(rabbitmq.RequestExchange, "management.requests", "management.requests")
	assert.NoError(t, consumer.Start(context.Background()))
	t.Cleanup(func() { consumer.Stop() })
}

func startGateway(t *testing.T, broker *memBroker, timeout time.Duration) (*gateway.RequestRouter, *gateway.CorrelationRegistry) {
	t.Helper()

	registry := gateway.NewCorrelationRegistry(broker)
	broker.bind(rabbitmq.ResponseExchange, rabbitmq.ResponseQueue, rabbitmq.ResponseQueue)
	assert.NoError(t, registry.Start(context.Background()))
	t.Cleanup(func() { registry.Stop() })

	table, err := gateway.NewRoutingTable([]gateway.RoutingEntry{
		{Prefix: "/api/vehicles", Queue: "management.requests", RoutingKey: "management.requests"},
	})
	assert.NoError(t, err)

	router := gateway.NewRequestRouter(table, registry, broker,
		gateway.WithRequestTimeout(timeout),
	)
	return router, registry
}

func TestRequestResponseRoundTrip(t *testing.T) {
	broker := newMemBroker()

	handlers := service.NewHandlerTable()
	handlers.Register("vehicles", "GET", func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
		id := strings.TrimPrefix(req.Endpoint, "/api/vehicles/")
		return json.Marshal(map[string]string{"id": id, "plate": "KA-123"})
	})
	handlers.Register("vehicles", "POST", func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
		var body map[string]string
		if err := json.Unmarshal(req.Data, &body); err != nil || body["plate"] == "" {
			return nil, contracts.NewRemoteError(contracts.KindValidation, "plate is required")
		}
		return json.RawMessage(`{"created":true}`), nil
	})

	startManagementService(t, broker, handlers)
	router, _ := startGateway(t, broker, 2*time.Second)

	t.Run("success", func(t *testing.T) {
		data, err := router.Route(context.Background(), "GET", "/api/vehicles/7", nil, nil)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"id":"7","plate":"KA-123"}`, string(data))
	})

	t.Run("validation failure crosses the broker", func(t *testing.T) {
		_, err := router.Route(context.Background(), "POST", "/api/vehicles", json.RawMessage(`{}`), nil)
		assert.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindValidation))
		assert.Equal(t, 400, gateway.StatusFromError(err))
	})

	t.Run("unknown method answers not found", func(t *testing.T) {
		_, err := router.Route(context.Background(), "DELETE", "/api/vehicles/7", nil, nil)
		assert.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
	})
}

func TestRequestTimeoutAndOrphan(t *testing.T) {
	broker := newMemBroker()

	release := make(chan struct{})
	handlers := service.NewHandlerTable()
	handlers.Register("vehicles", "GET", func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
		<-release
		return json.RawMessage(`{"late":true}`), nil
	})

	startManagementService(t, broker, handlers)
	router, registry := startGateway(t, broker, 50*time.Millisecond)

	_, err := router.Route(context.Background(), "GET", "/api/vehicles/7", nil, nil)
	assert.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.KindServiceTimeout))
	assert.Equal(t, 504, gateway.StatusFromError(err))

	// The late response is dropped by the registry, never delivered.
	close(release)
	assert.Eventually(t, func() bool {
		return registry.PendingCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestEventFanout(t *testing.T) {
	broker := newMemBroker()

	publisher := events.NewEventPublisher("management", broker)

	driverConsumer, err := events.NewEventConsumer("driver_events", broker, broker)
	assert.NoError(t, err)
	vehicleConsumer, err := events.NewEventConsumer("vehicle_events", broker, broker)
	assert.NoError(t, err)

	var mu sync.Mutex
	var driverSeen, vehicleSeen []string

	driverConsumer.Handle("driver.*", func(ctx context.Context, event *contracts.EventEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		driverSeen = append(driverSeen, event.EventType)
		return nil
	})
	vehicleConsumer.Handle("vehicle.#", func(ctx context.Context, event *contracts.EventEnvelope) error {
		mu.Lock()
		defer mu.Unlock()
		vehicleSeen = append(vehicleSeen, event.EventType)
		return nil
	})

	broker.bind(rabbitmq.EventExchange, "driver.*", "driver_events")
	broker.bind(rabbitmq.EventExchange, "vehicle.#", "vehicle_events")
	assert.NoError(t, driverConsumer.Start(context.Background()))
	assert.NoError(t, vehicleConsumer.Start(context.Background()))
	defer driverConsumer.Stop()
	defer vehicleConsumer.Stop()

	assert.NoError(t, publisher.Emit(context.Background(), "driver.assigned", json.RawMessage(`{"driver":"d1"}`)))
	assert.NoError(t, publisher.Emit(context.Background(), "vehicle.location.updated", json.RawMessage(`{"lat":52.5}`)))
	assert.NoError(t, publisher.Emit(context.Background(), "trip.completed", nil))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(driverSeen) == 1 && len(vehicleSeen) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"driver.assigned"}, driverSeen)
	assert.Equal(t, []string{"vehicle.location.updated"}, vehicleSeen)
}

func TestEventRetryIntoDeadLetterQueue(t *testing.T) {
	broker := newMemBroker()

	var dlMu sync.Mutex
	var deadLettered []contracts.DeadLetterEntry
	broker.Subscribe(context.Background(), rabbitmq.DeadLetterQueue, func(ctx context.Context, d amqp.Delivery) {
		var entry contracts.DeadLetterEntry
		if err := json.Unmarshal(d.Body, &entry); err == nil {
			dlMu.Lock()
			deadLettered = append(deadLettered, entry)
			dlMu.Unlock()
		}
	})
	broker.bind(rabbitmq.DeadLetterExchange, rabbitmq.DeadLetterRoutingKey, rabbitmq.DeadLetterQueue)

	consumer, err := events.NewEventConsumer("trip_events", broker, broker,
		events.WithMaxRetries(2),
		events.WithRetryBaseDelay(time.Millisecond),
	)
	assert.NoError(t, err)

	var attemptsMu sync.Mutex
	var attempts int
	consumer.Handle("trip.completed", func(ctx context.Context, event *contracts.EventEnvelope) error {
		attemptsMu.Lock()
		attempts++
		attemptsMu.Unlock()
		return errors.New("billing backend down")
	})

	broker.bind(rabbitmq.EventExchange, "trip.completed", "trip_events")
	assert.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop()

	publisher := events.NewEventPublisher("tracking", broker)
	assert.NoError(t, publisher.Emit(context.Background(), "trip.completed", json.RawMessage(`{"trip":"t1"}`)))

	assert.Eventually(t, func() bool {
		dlMu.Lock()
		defer dlMu.Unlock()
		return len(deadLettered) == 1
	}, 5*time.Second, 10*time.Millisecond)

	attemptsMu.Lock()
	assert.Equal(t, 3, attempts) // initial delivery plus two retries
	attemptsMu.Unlock()

	dlMu.Lock()
	defer dlMu.Unlock()
	assert.Equal(t, "billing backend down", deadLettered[0].OriginalError)

	var original contracts.EventEnvelope
	assert.NoError(t, json.Unmarshal(deadLettered[0].Body, &original))
	assert.Equal(t, "trip.completed", original.EventType)
}

func TestDuplicateDeliveryAnsweredOnce(t *testing.T) {
	broker := newMemBroker()

	var callsMu sync.Mutex
	var calls int
	handlers := service.NewHandlerTable()
	handlers.Register("vehicles", "GET", func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
		callsMu.Lock()
		calls++
		callsMu.Unlock()
		return json.RawMessage(`{}`), nil
	})

	startManagementService(t, broker, handlers)

	// Simulate a broker redelivery of the same envelope.
	envelope := contracts.NewRequestEnvelope("GET", "/api/vehicles/7", nil, nil)
	body, _ := json.Marshal(envelope)
	msg := amqp.Publishing{Body: body, CorrelationId: envelope.CorrelationID}

	assert.NoError(t, broker.Publish(context.Background(), rabbitmq.RequestExchange, "management.requests", msg))
	assert.NoError(t, broker.Publish(context.Background(), rabbitmq.RequestExchange, "management.requests", msg))

	assert.Eventually(t, func() bool {
		callsMu.Lock()
		defer callsMu.Unlock()
		return calls == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	callsMu.Lock()
	assert.Equal(t, 1, calls)
	callsMu.Unlock()
}
