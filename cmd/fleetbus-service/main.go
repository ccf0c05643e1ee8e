// fleetbus-service runs a minimal fleet backend: it consumes the
// management request queue, answers vehicle lookups from an in-memory
// store and emits domain events for every mutation. It exists to
// exercise the full client wiring against a live broker; real services
// follow the same shape with their own handlers.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fleetbus/fleetbus"
	"github.com/fleetbus/fleetbus/config"
	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/metrics"
)

type vehicle struct {
	ID    string `json:"id"`
	Plate string `json:"plate"`
}

type vehicleStore struct {
	mu       sync.RWMutex
	vehicles map[string]vehicle
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("service exited with error", "error", err)
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

	client, err := fleetbus.NewClient(ctx, cfg,
		fleetbus.WithClientLogger(logger),
		fleetbus.WithCollector(metrics.NewCollector()),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	consumer, handlers, err := client.Service(ctx, "management", "management.requests")
	if err != nil {
		return err
	}

	events := client.EventPublisher("management")
	store := &vehicleStore{vehicles: map[string]vehicle{
		"1": {ID: "1", Plate: "KA-101"},
		"2": {ID: "2", Plate: "KA-102"},
	}}

	getVehicles := func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
		store.mu.RLock()
		defer store.mu.RUnlock()

		id := vehicleID(req.Endpoint)
		if id == "" {
			all := make([]vehicle, 0, len(store.vehicles))
			for _, v := range store.vehicles {
				all = append(all, v)
			}
			return json.Marshal(all)
		}

		v, ok := store.vehicles[id]
		if !ok {
			return nil, contracts.NewRemoteError(contracts.KindNotFound, "vehicle %s not found", id)
		}
		return json.Marshal(v)
	}

	createVehicle := func(ctx context.Context, req *contracts.RequestEnvelope) (json.RawMessage, error) {
		var v vehicle
		if err := json.Unmarshal(req.Data, &v); err != nil || v.ID == "" || v.Plate == "" {
			return nil, contracts.NewRemoteError(contracts.KindValidation, "id and plate are required")
		}

		store.mu.Lock()
		store.vehicles[v.ID] = v
		store.mu.Unlock()

		body, _ := json.Marshal(v)
		if err := events.Emit(ctx, "vehicle.created", body); err != nil {
			logger.Error("failed to emit vehicle.created", "vehicleId", v.ID, "error", err)
		}
		return body, nil
	}

	if err := handlers.Register("vehicles", "GET", getVehicles); err != nil {
		return err
	}
	if err := handlers.Register("vehicles", "POST", createVehicle); err != nil {
		return err
	}

	if err := consumer.Start(ctx); err != nil {
		return err
	}
	defer consumer.Stop()

	logger.Info("management service running")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// vehicleID extracts the id segment from /api/vehicles/{id}, empty for
// collection endpoints.
func vehicleID(endpoint string) string {
	trimmed := strings.TrimPrefix(strings.Trim(endpoint, "/"), "api/")
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 || segments[0] != "vehicles" {
		return ""
	}
	return segments[1]
}
