package rabbitmq

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager owns the broker connection and reconnects with
// exponential backoff when it drops. Channels are handed out through
// the ChannelPool, never directly.
type ConnectionManager struct {
	url            string
	heartbeat      time.Duration
	reconnectDelay time.Duration
	maxRetries     int
	logger         *slog.Logger

	mu          sync.RWMutex
	conn        *amqp.Connection
	connected   bool
	notifyClose chan *amqp.Error
	done        chan struct{}
	closeOnce   sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithHeartbeat sets the AMQP heartbeat interval
func WithHeartbeat(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.heartbeat = interval
	}
}

// WithReconnectDelay sets the base reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnects caps reconnection attempts. Negative means unbounded.
func WithMaxReconnects(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// NewConnectionManager creates a connection manager for the given broker URL.
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		heartbeat:      10 * time.Second,
		reconnectDelay: 5 * time.Second,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection and starts the reconnect
// watchdog.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.connected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.adopt(conn)
	cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))

	go cm.watch()
	return nil
}

// GetConnection returns the live connection or ErrNotConnected.
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.connected || cm.conn == nil {
		return nil, ErrNotConnected
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// IsConnected reports the connection status.
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.connected
}

// Close shuts the connection down and stops the watchdog.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.connected {
		return nil
	}
	cm.connected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	return nil
}

// dial opens one connection attempt bounded by ctx.
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{Heartbeat: cm.heartbeat})
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, err
	case <-dialCtx.Done():
		return nil, ErrConnectionTimeout
	}
}

// adopt installs a fresh connection. Caller holds cm.mu.
func (cm *ConnectionManager) adopt(conn *amqp.Connection) {
	cm.conn = conn
	cm.connected = true
	cm.notifyClose = make(chan *amqp.Error, 1)
	cm.conn.NotifyClose(cm.notifyClose)
}

// watch monitors the connection and reconnects when it drops.
func (cm *ConnectionManager) watch() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case amqpErr := <-notify:
			if amqpErr != nil {
				cm.logger.Error("broker connection lost", "error", amqpErr)
			}

			cm.mu.Lock()
			cm.connected = false
			cm.conn = nil
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries until connected, the retry budget runs out, or the
// manager is closed. Returns false when the watchdog should exit.
func (cm *ConnectionManager) reconnect() bool {
	start := time.Now()

	for attempt := 0; ; attempt++ {
		if cm.maxRetries >= 0 && attempt >= cm.maxRetries {
			cm.logger.Error("giving up on reconnection",
				"attempts", attempt,
				"elapsed", time.Since(start))
			return false
		}

		if attempt > 0 {
			select {
			case <-time.After(cm.backoff(attempt)):
			case <-cm.done:
				return false
			}
		}

		cm.logger.Info("reconnecting to broker", "attempt", attempt+1)

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection attempt failed",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		cm.mu.Lock()
		cm.adopt(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to broker",
			"attempts", attempt+1,
			"elapsed", time.Since(start))
		return true
	}
}

// backoff computes an exponential delay with jitter, capped at 5 minutes.
func (cm *ConnectionManager) backoff(attempt int) time.Duration {
	base := cm.reconnectDelay
	if base <= 0 {
		base = 5 * time.Second
	}

	delay := base << uint(attempt)
	if max := 5 * time.Minute; delay > max || delay <= 0 {
		delay = max
	}

	jitter := time.Duration(rand.Int63n(int64(delay) / 4))
	return delay - delay/8 + jitter
}
