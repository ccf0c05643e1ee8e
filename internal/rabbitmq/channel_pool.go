package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out AMQP channels backed by the managed connection.
// Channels found dead on checkout are replaced transparently, which is
// what makes publishing survive a broker reconnect.
type ChannelPool struct {
	manager *ConnectionManager
	maxSize int

	mu       sync.Mutex
	channels chan *PooledChannel
	active   int
	closed   bool
}

// PooledChannel wraps an AMQP channel with pool bookkeeping.
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithPoolSize sets the maximum number of pooled channels
func WithPoolSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.maxSize = size
	}
}

// NewChannelPool creates a channel pool on top of a connection manager.
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, fmt.Errorf("connection manager cannot be nil")
	}

	cp := &ChannelPool{
		manager: manager,
		maxSize: 10,
	}

	for _, opt := range options {
		opt(cp)
	}

	if cp.maxSize < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", cp.maxSize)
	}

	cp.channels = make(chan *PooledChannel, cp.maxSize)
	return cp, nil
}

// Get checks a channel out of the pool, creating one if below capacity.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	cp.mu.Lock()
	if cp.active < cp.maxSize {
		cp.mu.Unlock()
		return cp.create()
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, ErrPoolExhausted
	}
}

// Put returns a channel to the pool. Dead or surplus channels are closed.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()

	if closed || ch.IsClosed() {
		cp.discard()
		ch.Channel.Close()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		cp.discard()
		ch.Channel.Close()
	}
}

// Execute runs fn with a pooled channel and returns it afterwards.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	ch, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer cp.Put(ch)

	return fn(ch.Channel)
}

// Close drains and closes all pooled channels.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	close(cp.channels)
	for ch := range cp.channels {
		ch.Channel.Close()
	}
	return nil
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	cp.mu.Lock()
	cp.active++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.New().String()[:8],
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	if cp.active > 0 {
		cp.active--
	}
	cp.mu.Unlock()
}
