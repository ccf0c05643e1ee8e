// fleetbus-gateway runs the Core side of the fleet messaging layer: it
// declares the shared topology, listens on the response queue and serves
// the routing introspection surface. Business HTTP handlers mount the
// router; this binary carries everything beneath them.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetbus/fleetbus/config"
	"github.com/fleetbus/fleetbus/gateway"
	"github.com/fleetbus/fleetbus/health"
	"github.com/fleetbus/fleetbus/internal/rabbitmq"
	"github.com/fleetbus/fleetbus/metrics"
	"github.com/fleetbus/fleetbus/monitor"
)

// defaultRoutes is the static endpoint ownership map for the fleet
// platform's services.
var defaultRoutes = []gateway.RoutingEntry{
	{Prefix: "/api/vehicles", Queue: "management.requests", RoutingKey: "management.requests"},
	{Prefix: "/api/drivers", Queue: "management.requests", RoutingKey: "management.requests"},
	{Prefix: "/api/tracking", Queue: "gps_queue", RoutingKey: "gps_queue"},
	{Prefix: "/api/locations", Queue: "gps_queue", RoutingKey: "gps_queue"},
	{Prefix: "/api/maintenance", Queue: "maintenance.requests", RoutingKey: "maintenance.requests"},
	{Prefix: "/api/security", Queue: "security.requests", RoutingKey: "security.requests"},
	{Prefix: "/api/trips", Queue: "trips.requests", RoutingKey: "trips.requests"},
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := rabbitmq.NewConnectionManager(cfg.BrokerURL,
		rabbitmq.WithConnectionLogger(logger),
		rabbitmq.WithHeartbeat(cfg.Heartbeat),
	)
	if err := manager.Connect(ctx); err != nil {
		return err
	}
	defer manager.Close()

	pool, err := rabbitmq.NewChannelPool(manager)
	if err != nil {
		return err
	}
	defer pool.Close()

	topology := rabbitmq.NewTopologyManager(pool)
	if err := topology.DeclareTopology(ctx, rabbitmq.FleetTopology(cfg.DeadLetterTTL)); err != nil {
		return err
	}

	collector := metrics.NewCollector()

	consumer := rabbitmq.NewConsumer(pool,
		rabbitmq.WithConsumerLogger(logger),
		rabbitmq.WithPrefetchCount(cfg.PrefetchCount),
	)

	registry := gateway.NewCorrelationRegistry(consumer,
		gateway.WithRegistryLogger(logger),
		gateway.WithRegistryMetrics(collector),
	)
	if err := registry.Start(ctx); err != nil {
		return err
	}
	defer registry.Stop()

	table, err := gateway.NewRoutingTable(defaultRoutes)
	if err != nil {
		return err
	}

	publisher := rabbitmq.NewPublisher(pool)
	router := gateway.NewRequestRouter(table, registry, publisher,
		gateway.WithRouterLogger(logger),
		gateway.WithRouterMetrics(collector),
		gateway.WithRequestTimeout(cfg.RequestTimeout),
	)

	watched := make([]string, 0, len(defaultRoutes)+1)
	seen := make(map[string]bool)
	for _, route := range defaultRoutes {
		if !seen[route.Queue] {
			seen[route.Queue] = true
			watched = append(watched, route.Queue)
		}
	}
	watched = append(watched, rabbitmq.DeadLetterQueue)

	watcher := monitor.NewDepthWatcher(topology, watched,
		monitor.WithWatcherLogger(logger),
		monitor.WithWatcherMetrics(collector),
	)
	go watcher.Watch(ctx)

	checks := health.NewRegistry()
	checks.Register(health.NewBrokerChecker(manager))

	server := &http.Server{
		Addr:    cfg.IntrospectionAddr,
		Handler: gateway.NewIntrospectionHandler(router, registry, collector, gateway.WithHealthChecks(checks)),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("introspection server listening", "addr", cfg.IntrospectionAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
