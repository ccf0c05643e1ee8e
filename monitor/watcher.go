// Package monitor samples broker queue depths so operators can spot a
// backed-up service before its callers start timing out.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetbus/fleetbus/metrics"
)

// QueueInspector reports the ready-message count of a queue. Satisfied
// by rabbitmq.TopologyManager.
type QueueInspector interface {
	QueueDepth(ctx context.Context, name string) (int, error)
}

// DepthWatcher polls a fixed set of queues on an interval, exporting
// each depth as a gauge and logging a warning when one crosses the
// alert threshold.
type DepthWatcher struct {
	inspector QueueInspector
	queues    []string
	interval  time.Duration
	threshold int
	logger    *slog.Logger
	collector *metrics.Collector
}

// WatcherOption configures the DepthWatcher
type WatcherOption func(*DepthWatcher)

// WithWatcherLogger sets the logger
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *DepthWatcher) {
		w.logger = logger
	}
}

// WithWatcherMetrics sets the metrics collector
func WithWatcherMetrics(collector *metrics.Collector) WatcherOption {
	return func(w *DepthWatcher) {
		w.collector = collector
	}
}

// WithInterval sets the sampling interval
func WithInterval(interval time.Duration) WatcherOption {
	return func(w *DepthWatcher) {
		w.interval = interval
	}
}

// WithAlertThreshold sets the depth above which a warning is logged.
// Zero disables the warning.
func WithAlertThreshold(depth int) WatcherOption {
	return func(w *DepthWatcher) {
		w.threshold = depth
	}
}

// NewDepthWatcher creates a watcher over the given queues.
func NewDepthWatcher(inspector QueueInspector, queues []string, options ...WatcherOption) *DepthWatcher {
	w := &DepthWatcher{
		inspector: inspector,
		queues:    queues,
		interval:  30 * time.Second,
		threshold: 1000,
		logger:    slog.Default(),
	}

	for _, opt := range options {
		opt(w)
	}

	return w
}

// Watch samples until the context is cancelled.
func (w *DepthWatcher) Watch(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sample(ctx)
		}
	}
}

// sample polls every watched queue once. An inspection failure on one
// queue does not stop the others.
func (w *DepthWatcher) sample(ctx context.Context) {
	for _, queue := range w.queues {
		depth, err := w.inspector.QueueDepth(ctx, queue)
		if err != nil {
			w.logger.Error("failed to inspect queue", "queue", queue, "error", err)
			continue
		}

		if w.collector != nil {
			w.collector.QueueDepth.WithLabelValues(queue).Set(float64(depth))
		}

		if w.threshold > 0 && depth >= w.threshold {
			w.logger.Warn("queue depth above threshold",
				"queue", queue,
				"depth", depth,
				"threshold", w.threshold,
			)
		}
	}
}
