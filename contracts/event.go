package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventEnvelope is a fire-and-forget domain notification. EventType is
// dot-namespaced (e.g. "trip.completed") and doubles as the topic routing
// key, so it is immutable once published.
type EventEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Timestamp string          `json:"timestamp"`
	Service   string          `json:"service"`
	Version   string          `json:"version"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewEventEnvelope builds an event with a fresh id and the current time.
func NewEventEnvelope(eventType, service string, data json.RawMessage) *EventEnvelope {
	return &EventEnvelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   service,
		Version:   "1.0",
		Data:      data,
	}
}

// DeadLetterEntry wraps an event that exhausted its retry budget.
type DeadLetterEntry struct {
	Body          json.RawMessage        `json:"body"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
	OriginalError string                 `json:"original_error"`
	FailedAt      string                 `json:"failed_at"`
}
