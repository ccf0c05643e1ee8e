package service

import (
	"log/slog"
	"sync"
	"time"
)

// DedupTable remembers recently seen correlation ids so redelivered
// requests are not answered twice. Entries older than the retention
// window are removed by a background sweep, keeping the table bounded.
type DedupTable struct {
	window        time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	mu   sync.Mutex
	seen map[string]time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// DedupOption configures the DedupTable
type DedupOption func(*DedupTable)

// WithDedupLogger sets the logger
func WithDedupLogger(logger *slog.Logger) DedupOption {
	return func(t *DedupTable) {
		t.logger = logger
	}
}

// WithSweepInterval sets how often expired entries are purged
func WithSweepInterval(interval time.Duration) DedupOption {
	return func(t *DedupTable) {
		t.sweepInterval = interval
	}
}

// NewDedupTable creates a table with the given retention window and
// starts its sweep routine.
func NewDedupTable(window time.Duration, options ...DedupOption) *DedupTable {
	t := &DedupTable{
		window:        window,
		sweepInterval: time.Minute,
		logger:        slog.Default(),
		seen:          make(map[string]time.Time),
		done:          make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	go t.sweepLoop()
	return t
}

// Duplicate records the correlation id and reports whether it was already
// seen within the retention window.
func (t *DedupTable) Duplicate(correlationID string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if last, ok := t.seen[correlationID]; ok && now.Sub(last) < t.window {
		return true
	}
	t.seen[correlationID] = now
	return false
}

// Size reports the number of retained entries.
func (t *DedupTable) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// Close stops the sweep routine.
func (t *DedupTable) Close() {
	t.closeOnce.Do(func() { close(t.done) })
}

func (t *DedupTable) sweepLoop() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := t.sweep(); removed > 0 {
				t.logger.Debug("swept dedup entries", "removed", removed)
			}
		case <-t.done:
			return
		}
	}
}

// sweep removes entries older than the retention window.
func (t *DedupTable) sweep() int {
	cutoff := time.Now().Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, last := range t.seen {
		if last.Before(cutoff) {
			delete(t.seen, id)
			removed++
		}
	}
	return removed
}
