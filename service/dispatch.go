package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/fleetbus/fleetbus/contracts"
)

// Handler is the collaborator boundary between the messaging core and a
// service's business logic. It receives the parsed request envelope and
// returns the success payload or an error; errors carrying a
// contracts.RemoteError kind are forwarded verbatim to the caller.
type Handler func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error)

// Route identifies one registered (resource, method) pair.
type Route struct {
	Resource string `json:"resource"`
	Method   string `json:"method"`
}

// HandlerTable dispatches requests by resource segment and HTTP method.
// The table is built at startup; dispatch does no string parsing beyond
// extracting the endpoint's first segment.
type HandlerTable struct {
	mu       sync.RWMutex
	handlers map[string]map[string]Handler
}

// NewHandlerTable creates an empty dispatch table.
func NewHandlerTable() *HandlerTable {
	return &HandlerTable{
		handlers: make(map[string]map[string]Handler),
	}
}

// Register binds a handler to a resource and HTTP method.
func (t *HandlerTable) Register(resource, method string, handler Handler) error {
	if resource == "" {
		return fmt.Errorf("resource cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	method = strings.ToUpper(method)
	switch method {
	case "GET", "POST", "PUT", "DELETE", "PATCH":
	default:
		return fmt.Errorf("unsupported method %q for resource %s", method, resource)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handlers[resource] == nil {
		t.handlers[resource] = make(map[string]Handler)
	}
	if _, exists := t.handlers[resource][method]; exists {
		return fmt.Errorf("handler already registered for %s %s", method, resource)
	}

	t.handlers[resource][method] = handler
	return nil
}

// Resolve returns the handler for the given resource and method.
func (t *HandlerTable) Resolve(resource, method string) (Handler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	methods, ok := t.handlers[resource]
	if !ok {
		return nil, false
	}
	handler, ok := methods[strings.ToUpper(method)]
	return handler, ok
}

// Routes lists all registered (resource, method) pairs, sorted for
// stable docs output.
func (t *HandlerTable) Routes() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var routes []Route
	for resource, methods := range t.handlers {
		for method := range methods {
			routes = append(routes, Route{Resource: resource, Method: method})
		}
	}

	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Resource != routes[j].Resource {
			return routes[i].Resource < routes[j].Resource
		}
		return routes[i].Method < routes[j].Method
	})
	return routes
}

// resourceOf extracts the coarse dispatch segment from an endpoint,
// skipping a leading "api" segment: "/api/vehicles/7" -> "vehicles".
func resourceOf(endpoint string) string {
	trimmed := strings.Trim(endpoint, "/")
	if trimmed == "" {
		return ""
	}

	segments := strings.Split(trimmed, "/")
	if segments[0] == "api" && len(segments) > 1 {
		return segments[1]
	}
	return segments[0]
}
