package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Response status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// UserContext carries the authenticated identity through the broker.
// It is opaque to the transport; consumers hand it to business handlers
// unchanged.
type UserContext struct {
	UserID      string   `json:"user_id,omitempty"`
	Role        string   `json:"role,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// RequestEnvelope is the unit of RPC between the gateway and a service.
// CorrelationID is the sole join key between a request and its response.
type RequestEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Method        string          `json:"method"`
	Endpoint      string          `json:"endpoint"`
	Data          json.RawMessage `json:"data,omitempty"`
	UserContext   *UserContext    `json:"user_context,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// NewRequestEnvelope builds a request with a fresh correlation id.
func NewRequestEnvelope(method, endpoint string, data json.RawMessage, user *UserContext) *RequestEnvelope {
	return &RequestEnvelope{
		CorrelationID: uuid.New().String(),
		Method:        method,
		Endpoint:      endpoint,
		Data:          data,
		UserContext:   user,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// ResponseError describes a remote failure inside a response envelope.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// ResponseEnvelope answers exactly one RequestEnvelope. CorrelationID
// must equal the originating request's.
type ResponseEnvelope struct {
	CorrelationID string          `json:"correlation_id"`
	Status        string          `json:"status"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ResponseError  `json:"error,omitempty"`
	Timestamp     string          `json:"timestamp"`
}

// NewSuccessResponse builds a success envelope for the given request.
func NewSuccessResponse(correlationID string, data json.RawMessage) *ResponseEnvelope {
	return &ResponseEnvelope{
		CorrelationID: correlationID,
		Status:        StatusSuccess,
		Data:          data,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// NewErrorResponse builds an error envelope of the given kind.
func NewErrorResponse(correlationID, kind, message string) *ResponseEnvelope {
	return &ResponseEnvelope{
		CorrelationID: correlationID,
		Status:        StatusError,
		Error:         &ResponseError{Kind: kind, Message: message},
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
}

// RemoteError converts an error response into a typed error. It returns
// nil for success envelopes.
func (r *ResponseEnvelope) RemoteError() error {
	if r.Status != StatusError {
		return nil
	}
	if r.Error == nil {
		return &RemoteError{Kind: KindInternal, Message: "error response without error detail"}
	}
	return &RemoteError{Kind: r.Error.Kind, Message: r.Error.Message, Code: r.Error.Code}
}
