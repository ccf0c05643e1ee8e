package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/fleetbus/fleetbus/contracts"
)

// registerBuiltins wires the introspection handlers into the same
// dispatch tree as business handlers. They report internal counters and
// have no other side effects.
func (c *RequestConsumer) registerBuiltins() error {
	builtins := map[string]Handler{
		"health":  c.healthHandler,
		"status":  c.statusHandler,
		"docs":    c.docsHandler,
		"metrics": c.metricsHandler,
	}

	for resource, handler := range builtins {
		if err := c.handlers.Register(resource, "GET", handler); err != nil {
			return err
		}
	}
	return nil
}

func (c *RequestConsumer) healthHandler(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
	return json.Marshal(map[string]string{
		"status":  "ok",
		"service": c.name,
	})
}

func (c *RequestConsumer) statusHandler(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
	var uptime string
	if !c.startedAt.IsZero() {
		uptime = time.Since(c.startedAt).Round(time.Second).String()
	}

	return json.Marshal(map[string]interface{}{
		"service":       c.name,
		"queue":         c.queue,
		"uptime":        uptime,
		"dedup_entries": c.dedup.Size(),
		"handled":       c.handled.Load(),
		"failed":        c.failed.Load(),
	})
}

func (c *RequestConsumer) docsHandler(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"service": c.name,
		"routes":  c.handlers.Routes(),
	})
}

func (c *RequestConsumer) metricsHandler(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
	return json.Marshal(map[string]interface{}{
		"service":          c.name,
		"requests_handled": c.handled.Load(),
		"requests_failed":  c.failed.Load(),
		"dedup_table_size": c.dedup.Size(),
	})
}
