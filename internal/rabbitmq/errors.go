package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	ErrNotConnected        = errors.New("rabbitmq: not connected")
	ErrConnectionClosed    = errors.New("rabbitmq: connection is closed")
	ErrConnectionTimeout   = errors.New("rabbitmq: connection timeout")
	ErrMaxRetriesExceeded  = errors.New("rabbitmq: maximum reconnection attempts exceeded")
	ErrPoolClosed          = errors.New("rabbitmq: channel pool is closed")
	ErrPoolExhausted       = errors.New("rabbitmq: channel pool exhausted")
	ErrPublishNotConfirmed = errors.New("rabbitmq: publish not confirmed by broker")
	ErrConfirmTimeout      = errors.New("rabbitmq: timeout waiting for publish confirmation")
)

// ConnectionError describes a failed connection operation.
type ConnectionError struct {
	Op        string
	URL       string // sanitized
	Err       error
	Timestamp time.Time
	Attempts  int
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("rabbitmq: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PublishError describes a failed publish, including where it was headed.
type PublishError struct {
	Exchange   string
	RoutingKey string
	Err        error
	Timestamp  time.Time
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq: publish to %s/%s failed: %v", e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// ConsumerError describes a failed consume operation on a queue.
type ConsumerError struct {
	Queue     string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq: %s failed for queue %s: %v", e.Op, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips credentials from a broker URL before logging.
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
