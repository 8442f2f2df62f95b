// Package httptransport composes the module handlers into one router.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"carevault/internal/audit"
	dErrors "carevault/pkg/domain-errors"
	"carevault/pkg/platform/httputil"
	"carevault/pkg/platform/middleware/metadata"
	"carevault/pkg/platform/middleware/request"
	"carevault/pkg/platform/middleware/requesttime"
)

// Registrar is implemented by every module handler.
type Registrar interface {
	Register(r chi.Router)
}

// HealthReporter reports audit durability for /health.
type HealthReporter interface {
	Health(ctx context.Context) (audit.Health, error)
}

type HealthResponse struct {
	Status string       `json:"status"`
	Audit  audit.Health `json:"audit"`
}

// NewRouter mounts the shared middleware stack, /health, /metrics and each module.
// A nil gatherer leaves /metrics unmounted.
func NewRouter(logger *slog.Logger, health HealthReporter, gatherer prometheus.Gatherer, modules ...Registrar) http.Handler {
	r := chi.NewRouter()
	r.Use(request.RequestID)
	r.Use(requesttime.Middleware)
	r.Use(metadata.ClientMetadata)
	r.Use(request.Recovery(logger))
	r.Use(request.Logger(logger))

	r.Get("/health", healthHandler(health, logger))
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	for _, m := range modules {
		m.Register(r)
	}
	return r
}

// Degraded audit durability is reported with 200: user traffic never fails on ledger trouble.
func healthHandler(health HealthReporter, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		h, err := health.Health(ctx)
		if err != nil {
			logger.ErrorContext(ctx, "health check failed", "error", err)
			httputil.WriteError(w, dErrors.New(dErrors.CodeStorageUnavailable, "audit store unavailable"))
			return
		}
		httputil.WriteJSON(w, http.StatusOK, HealthResponse{Status: h.Status, Audit: h})
	}
}
