package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

// stubSubscriber records the handler so tests can inject deliveries.
type stubSubscriber struct {
	mu       sync.Mutex
	handlers map[string]rabbitmq.DeliveryHandler
}

func newStubSubscriber() *stubSubscriber {
	return &stubSubscriber{handlers: make(map[string]rabbitmq.DeliveryHandler)}
}

func (s *stubSubscriber) Subscribe(ctx context.Context, queue string, handler rabbitmq.DeliveryHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[queue] = handler
	return nil
}

func (s *stubSubscriber) Unsubscribe(queue string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, queue)
	return nil
}

func (s *stubSubscriber) deliver(ctx context.Context, queue string, body []byte) {
	s.mu.Lock()
	handler := s.handlers[queue]
	s.mu.Unlock()
	if handler != nil {
		handler(ctx, amqp.Delivery{Body: body, Acknowledger: &fakeAcknowledger{}})
	}
}

// fakeAcknowledger counts settlements on fabricated deliveries.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	rejects int
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects++
	return nil
}

func TestCorrelationRegistryRegister(t *testing.T) {
	t.Run("rejects empty correlation id", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		_, err := registry.Register("")
		assert.Error(t, err)
	})

	t.Run("rejects duplicate registration", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())

		_, err := registry.Register("c1")
		assert.NoError(t, err)

		_, err = registry.Register("c1")
		assert.Error(t, err)
	})

	t.Run("tracks pending count", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())

		registry.Register("c1")
		registry.Register("c2")
		assert.Equal(t, 2, registry.PendingCount())

		registry.Deregister("c1")
		assert.Equal(t, 1, registry.PendingCount())
	})
}

func TestCorrelationRegistryResolve(t *testing.T) {
	t.Run("delivers to the registered waiter", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())

		waiter, err := registry.Register("c1")
		assert.NoError(t, err)

		resp := contracts.NewSuccessResponse("c1", json.RawMessage(`{"vehicles":[]}`))
		assert.True(t, registry.Resolve(resp))

		select {
		case got := <-waiter:
			assert.Equal(t, "c1", got.CorrelationID)
			assert.Equal(t, contracts.StatusSuccess, got.Status)
		case <-time.After(time.Second):
			t.Fatal("waiter never received the response")
		}

		assert.Equal(t, 0, registry.PendingCount())
	})

	t.Run("drops orphan responses", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())

		resp := contracts.NewSuccessResponse("never-registered", nil)
		assert.False(t, registry.Resolve(resp))
	})

	t.Run("response after deregister is orphaned", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())

		registry.Register("c1")
		registry.Deregister("c1")

		assert.False(t, registry.Resolve(contracts.NewSuccessResponse("c1", nil)))
	})
}

func TestCorrelationRegistryListener(t *testing.T) {
	t.Run("resolves waiters from the response queue", func(t *testing.T) {
		sub := newStubSubscriber()
		registry := NewCorrelationRegistry(sub)
		assert.NoError(t, registry.Start(context.Background()))

		waiter, err := registry.Register("c9")
		assert.NoError(t, err)

		body, _ := json.Marshal(contracts.NewSuccessResponse("c9", json.RawMessage(`{"ok":true}`)))
		sub.deliver(context.Background(), rabbitmq.ResponseQueue, body)

		select {
		case got := <-waiter:
			assert.Equal(t, "c9", got.CorrelationID)
		case <-time.After(time.Second):
			t.Fatal("listener did not resolve the waiter")
		}
	})

	t.Run("malformed responses are dropped", func(t *testing.T) {
		sub := newStubSubscriber()
		registry := NewCorrelationRegistry(sub)
		assert.NoError(t, registry.Start(context.Background()))

		sub.deliver(context.Background(), rabbitmq.ResponseQueue, []byte("{not json"))
		assert.Equal(t, 0, registry.PendingCount())
	})
}

func TestCorrelationRegistryConcurrency(t *testing.T) {
	// Races between "waiter gives up" and "response arrives" must leave
	// the registry empty either way.
	registry := NewCorrelationRegistry(newStubSubscriber())

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		id := contracts.NewRequestEnvelope("GET", "/api/vehicles", nil, nil).CorrelationID
		registry.Register(id)

		wg.Add(2)
		go func(id string) {
			defer wg.Done()
			registry.Deregister(id)
		}(id)
		go func(id string) {
			defer wg.Done()
			registry.Resolve(contracts.NewSuccessResponse(id, nil))
		}(id)
	}

	wg.Wait()
	assert.Equal(t, 0, registry.PendingCount())
}
