package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/GyroZepelix/mithril-media/internal/diskguard"
)

// MediaHandler defines the interface for media HTTP handlers, allowing the
// router to be decoupled from the concrete media implementation.
type MediaHandler interface {
	Upload(w http.ResponseWriter, r *http.Request)
	Delete(w http.ResponseWriter, r *http.Request)
	Serve(w http.ResponseWriter, r *http.Request)
}

// DiskChecker reports storage capacity against the admission threshold.
type DiskChecker interface {
	Admit(ctx context.Context) (diskguard.Usage, error)
}

// DBChecker reports database connectivity.
type DBChecker interface {
	Health(ctx context.Context) error
}

// Dependencies holds all injectable dependencies used by route handlers.
type Dependencies struct {
	Media MediaHandler
	Disk  DiskChecker

	// DB is optional; it is only checked when the audit log is enabled.
	DB DBChecker

	// Metrics serves /metrics when set.
	Metrics http.Handler

	CORSOrigins []string
	DevMode     bool
}

// NewRouter builds the chi router with the full route tree and middleware
// stack.
func NewRouter(deps Dependencies) chi.Router {
	r := chi.NewRouter()

	// --- Global middleware stack ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(deps.DevMode, deps.CORSOrigins))

	// --- Health check ---
	r.Get("/health", healthHandler(deps))

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- Media API ---
	if deps.Media != nil {
		r.Route("/api/media", func(r chi.Router) {
			r.With(requireMultipart).Post("/", deps.Media.Upload)
			r.Delete("/", deps.Media.Delete)
		})

		// --- Public media serving ---
		r.Get("/uploads/*", deps.Media.Serve)
		r.Head("/uploads/*", deps.Media.Serve)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusNotFound, "NOT_FOUND", "resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})

	return r
}

// corsMiddleware returns a CORS middleware configured for the application.
// Dev mode adds the local frontend origins to the configured list. An empty
// list allows no cross-origin callers.
func corsMiddleware(devMode bool, origins []string) func(http.Handler) http.Handler {
	allowedOrigins := append([]string{}, origins...)
	if devMode {
		allowedOrigins = append(allowedOrigins, "http://localhost:5173", "http://localhost:3000")
	}

	return cors.Handler(cors.Options{
		AllowOriginFunc: func(_ *http.Request, origin string) bool {
			return slices.Contains(allowedOrigins, origin)
		},
		AllowedMethods: []string{"GET", "HEAD", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	})
}

type healthStatus struct {
	Status   string           `json:"status"`
	Disk     *diskguard.Usage `json:"disk,omitempty"`
	Database string           `json:"database,omitempty"`
}

// healthHandler reports disk headroom and, when configured, database
// connectivity. A disk below the admission threshold is reported as degraded
// because stored media can still be served.
func healthHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{Status: "ok"}

		if deps.Disk != nil {
			usage, err := deps.Disk.Admit(r.Context())
			switch {
			case errors.Is(err, diskguard.ErrInsufficientSpace):
				status.Status = "degraded"
				status.Disk = &usage
			case err != nil:
				slog.Warn("health: disk check failed", "error", err)
				Error(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "disk health check failed", nil)
				return
			default:
				status.Disk = &usage
			}
		}

		if deps.DB != nil {
			if err := deps.DB.Health(r.Context()); err != nil {
				Error(w, http.StatusServiceUnavailable, "DB_UNHEALTHY", "database health check failed", nil)
				return
			}
			status.Database = "ok"
		}

		JSON(w, http.StatusOK, status)
	}
}
