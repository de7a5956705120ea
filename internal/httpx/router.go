package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/asad/blobgate/internal/blobapi"
	"github.com/asad/blobgate/internal/config"
	"github.com/asad/blobgate/internal/core"
	"github.com/asad/blobgate/internal/logging"
)

// EdgeRouter is the main HTTP router that receives all incoming requests
// and dispatches them to the enabled service modules.
type EdgeRouter struct {
	router chi.Router
	cfg    *config.Config
	logger logging.Logger
}

// NewEdgeRouter creates and configures a new edge router instance.
// It sets up the middleware stack and mounts every enabled service from registry.
// A non-nil metrics handler is served at /metrics.
func NewEdgeRouter(cfg *config.Config, registry *core.Registry, metrics http.Handler, logger logging.Logger) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLoggingMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusNotFound, blobapi.ErrorBody{Error: "Not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusMethodNotAllowed, blobapi.ErrorBody{Error: blobapi.MsgMethodNotAllowed})
	})

	// Health check endpoint - always available regardless of enabled services
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		WriteResponse(w, blobapi.Health())
	})
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}

	for _, service := range registry.Services() {
		if !cfg.IsServiceEnabled(service.Name()) {
			logger.Info("skipping service (not enabled)",
				logging.String("service", service.Name()),
			)
			continue
		}
		logger.Info("registering service routes",
			logging.String("service", service.Name()),
			logging.String("prefix", service.Prefix()),
		)
		r.Route(service.Prefix(), func(r chi.Router) {
			service.RegisterRoutes(r)
		})
	}

	return &EdgeRouter{
		router: r,
		cfg:    cfg,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler interface.
func (er *EdgeRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	er.router.ServeHTTP(w, r)
}

// requestLoggingMiddleware creates middleware that logs HTTP requests with
// structured logging including method, path, status code, and latency.
// Query strings are left out since upload URLs carry signatures.
func requestLoggingMiddleware(logger logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				logging.String("request_id", middleware.GetReqID(r.Context())),
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", ww.Status()),
				logging.Int64("bytes", int64(ww.BytesWritten())),
				logging.Duration("latency", time.Since(start)),
				logging.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}
