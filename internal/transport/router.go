package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/realtime"
	"github.com/pitabwire/caseflow/internal/workflow"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Machine      *workflow.Machine
	Dispatcher   *realtime.Dispatcher
	Bridge       *realtime.Bridge

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware. The WebSocket endpoint is authenticated but
// not subject to the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Method(http.MethodGet, "/health", orDefault(deps.HealthHandler, handleHealth))
	r.Method(http.MethodGet, "/ready", orDefault(deps.ReadyHandler, handleReady))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, orDefault(deps.MetricsHandler, handleMetrics))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(logger))
		r.Use(RequestLogging(logger))

		if deps.Dispatcher != nil {
			r.Get("/ws", handleWebSocket(deps.Dispatcher, cfg.Realtime, logger))
		}

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

			r.Route("/api/v1", func(r chi.Router) {
				if deps.Machine != nil {
					r.Post("/cases/{caseId}/actions", handleCaseAction(deps.Machine))
					r.Get("/cases/{caseId}", handleGetCase(deps.Machine))
					r.Get("/cases/{caseId}/steps", handleGetSteps(deps.Machine))
				}
				if deps.Dispatcher != nil {
					r.Get("/realtime/stats", handleRealtimeStats(deps.Dispatcher))
				}
				if deps.Bridge != nil {
					r.Post("/cases/{caseId}/progress", handleCaseProgress(deps.Bridge))
					r.Post("/alerts", handleSystemAlert(deps.Bridge))
				}
			})
		})
	})

	return r
}

func orDefault(h http.Handler, fallback http.HandlerFunc) http.Handler {
	if h != nil {
		return h
	}
	return fallback
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleReady(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func handleMetrics(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
}
