package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/fleetbus/fleetbus/contracts"
	"github.com/fleetbus/fleetbus/health"
	"github.com/fleetbus/fleetbus/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// StatusFromError translates a remote error kind to the HTTP status the
// gateway returns, so backend failure modes stay legible to API clients
// without leaking transport details.
func StatusFromError(err error) int {
	switch contracts.Kind(err) {
	case contracts.KindValidation:
		return http.StatusBadRequest
	case contracts.KindAuthorization:
		return http.StatusForbidden
	case contracts.KindNotFound:
		return http.StatusNotFound
	case contracts.KindServiceUnavailable, contracts.KindDatabaseUnavailable:
		return http.StatusServiceUnavailable
	case contracts.KindServiceTimeout, contracts.KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IntrospectionOption configures the introspection handler
type IntrospectionOption func(*introspectionConfig)

type introspectionConfig struct {
	checks *health.Registry
}

// WithHealthChecks serves aggregated health checks on /health instead of
// the static response
func WithHealthChecks(checks *health.Registry) IntrospectionOption {
	return func(cfg *introspectionConfig) {
		cfg.checks = checks
	}
}

// NewIntrospectionHandler serves the gateway's operational surface:
// health, the static routing table, endpoint ownership lookups,
// pending-request counts and Prometheus metrics. Everything here is
// read-only.
func NewIntrospectionHandler(router *RequestRouter, registry *CorrelationRegistry, collector *metrics.Collector, options ...IntrospectionOption) http.Handler {
	cfg := &introspectionConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if cfg.checks == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		report := cfg.checks.Check(req.Context())
		status := http.StatusOK
		if report.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	})

	r.Get("/routes", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, router.Table().Entries())
	})

	r.Get("/routes/owner", func(w http.ResponseWriter, req *http.Request) {
		endpoint := req.URL.Query().Get("endpoint")
		if endpoint == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing endpoint parameter"})
			return
		}
		entry, ok := router.Owner(endpoint)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "no service owns this endpoint"})
			return
		}
		writeJSON(w, http.StatusOK, entry)
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"pending_requests": registry.PendingCount(),
			"routes":           len(router.Table().Entries()),
		})
	})

	if collector != nil {
		r.Method(http.MethodGet, "/metrics", collector.Handler())
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
