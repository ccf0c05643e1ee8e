package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
)

// recordingPublisher captures publishes and lets tests hook the call.
type recordingPublisher struct {
	mu        sync.Mutex
	published []amqp.Publishing
	exchanges []string
	keys      []string
	err       error
	onPublish func(msg amqp.Publishing)
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	p.published = append(p.published, msg)
	p.exchanges = append(p.exchanges, exchange)
	p.keys = append(p.keys, routingKey)
	hook := p.onPublish
	p.mu.Unlock()

	if p.err != nil {
		return p.err
	}
	if hook != nil {
		hook(msg)
	}
	return nil
}

func testRoutingTable(t *testing.T) *RoutingTable {
	t.Helper()
	table, err := NewRoutingTable([]RoutingEntry{
		{Prefix: "/api/vehicles", Queue: "management.requests", RoutingKey: "management.requests"},
		{Prefix: "/api/tracking", Queue: "gps_queue", RoutingKey: "gps_queue"},
	})
	assert.NoError(t, err)
	return table
}

func TestRequestRouterRoute(t *testing.T) {
	t.Run("round trips through the registry", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{}

		// Answer every publish as a remote service would.
		publisher.onPublish = func(msg amqp.Publishing) {
			var req contracts.RequestEnvelope
			assert.NoError(t, json.Unmarshal(msg.Body, &req))
			assert.Equal(t, "GET", req.Method)
			assert.Equal(t, "/api/vehicles/7", req.Endpoint)
			assert.Equal(t, msg.CorrelationId, req.CorrelationID)

			go registry.Resolve(contracts.NewSuccessResponse(req.CorrelationID, json.RawMessage(`{"id":7}`)))
		}

		router := NewRequestRouter(testRoutingTable(t), registry, publisher,
			WithRequestTimeout(2*time.Second),
		)

		data, err := router.Route(context.Background(), "GET", "/api/vehicles/7", nil, nil)
		assert.NoError(t, err)
		assert.JSONEq(t, `{"id":7}`, string(data))

		assert.Equal(t, []string{"management.requests"}, publisher.keys)
		assert.Equal(t, 0, registry.PendingCount())
	})

	t.Run("remote error surfaces with its kind", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{}
		publisher.onPublish = func(msg amqp.Publishing) {
			go registry.Resolve(contracts.NewErrorResponse(msg.CorrelationId, contracts.KindValidation, "plate is required"))
		}

		router := NewRequestRouter(testRoutingTable(t), registry, publisher,
			WithRequestTimeout(2*time.Second),
		)

		_, err := router.Route(context.Background(), "POST", "/api/vehicles", json.RawMessage(`{}`), nil)
		assert.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindValidation))
		assert.Contains(t, err.Error(), "plate is required")
	})

	t.Run("timeout deregisters the waiter", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{} // never answers

		router := NewRequestRouter(testRoutingTable(t), registry, publisher,
			WithRequestTimeout(50*time.Millisecond),
		)

		_, err := router.Route(context.Background(), "GET", "/api/tracking/vehicle/7", nil, nil)
		assert.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindServiceTimeout))
		assert.Equal(t, 0, registry.PendingCount())

		// A response arriving after the deadline is orphaned.
		var req contracts.RequestEnvelope
		assert.NoError(t, json.Unmarshal(publisher.published[0].Body, &req))
		assert.False(t, registry.Resolve(contracts.NewSuccessResponse(req.CorrelationID, nil)))
	})

	t.Run("publish failure maps to unavailable", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{err: errors.New("channel closed")}

		router := NewRequestRouter(testRoutingTable(t), registry, publisher)

		_, err := router.Route(context.Background(), "GET", "/api/vehicles", nil, nil)
		assert.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindServiceUnavailable))
		assert.Equal(t, 0, registry.PendingCount())
	})

	t.Run("unroutable endpoint maps to not found", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{}

		router := NewRequestRouter(testRoutingTable(t), registry, publisher)

		_, err := router.Route(context.Background(), "GET", "/api/unknown", nil, nil)
		assert.Error(t, err)
		assert.True(t, contracts.IsKind(err, contracts.KindNotFound))
		assert.Empty(t, publisher.published)
	})

	t.Run("context cancellation abandons the wait", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{}

		router := NewRequestRouter(testRoutingTable(t), registry, publisher,
			WithRequestTimeout(5*time.Second),
		)

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		_, err := router.Route(ctx, "GET", "/api/vehicles", nil, nil)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, registry.PendingCount())
	})

	t.Run("user context travels inside the envelope", func(t *testing.T) {
		registry := NewCorrelationRegistry(newStubSubscriber())
		publisher := &recordingPublisher{}
		publisher.onPublish = func(msg amqp.Publishing) {
			go registry.Resolve(contracts.NewSuccessResponse(msg.CorrelationId, nil))
		}

		router := NewRequestRouter(testRoutingTable(t), registry, publisher,
			WithRequestTimeout(2*time.Second),
		)

		user := &contracts.UserContext{UserID: "u1", Role: "dispatcher", Permissions: []string{"vehicles:read"}}
		_, err := router.Route(context.Background(), "GET", "/api/vehicles", nil, user)
		assert.NoError(t, err)

		var req contracts.RequestEnvelope
		assert.NoError(t, json.Unmarshal(publisher.published[0].Body, &req))
		assert.NotNil(t, req.UserContext)
		assert.Equal(t, "dispatcher", req.UserContext.Role)
	})
}

func TestRequestRouterOwner(t *testing.T) {
	router := NewRequestRouter(testRoutingTable(t), NewCorrelationRegistry(newStubSubscriber()), &recordingPublisher{})

	entry, ok := router.Owner("/api/vehicles/7")
	assert.True(t, ok)
	assert.Equal(t, "management.requests", entry.Queue)

	_, ok = router.Owner("/metrics")
	assert.False(t, ok)
}
