/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     One slog record per request (with request id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the client app
  6. Metrics:    Prometheus request counter and latency

ROUTE GROUPS:
  /api/users/*     Identity mirror
  /api/chain/*     Per-user chain operations (require X-User-ID)
  /api/admin/*     Grade config and recompute runs
  /api/scenarios/* Demo data loaders (resets the database)
  /metrics         Prometheus scrape endpoint
  /healthz         Liveness

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/chainengine/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chain_http_requests_total",
		Help: "HTTP requests by route and status",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chain_http_request_duration_seconds",
		Help:    "HTTP request latency by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", UserHeader},
		AllowCredentials: true,
	}))
	r.Use(requestMetrics)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api", func(r chi.Router) {
		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Post("/", h.CreateUser)
			r.Get("/{id}", h.GetUser)
		})

		// Chain routes
		r.Route("/chain", func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/events/complete", h.CompleteTask)
			r.Get("/state", h.GetChainState)
			r.Get("/calendar", h.GetCalendar)
			r.Get("/daily", h.GetDaily)
			r.Post("/recompute", h.Recompute)
			r.Get("/sticker-grade", h.GetStickerGrade)
			r.Get("/users/active", h.IsActiveUser)

			r.Route("/analytics", func(r chi.Router) {
				r.Post("/calendar-view", h.RecordCalendarView)
				r.Post("/sticker-exposed", h.RecordStickerExposed)
				r.Post("/app-enter", h.RecordAppEnter)
				r.Post("/app-lifecycle", h.RecordAppLifecycle)
			})
		})

		// Scenario routes (demo/dev)
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/sticker-config", h.GetStickerConfig)
			r.Post("/sticker-config/reload", h.ReloadStickerConfig)
			r.Get("/recompute/runs", h.ListRecomputeRuns)
			r.Post("/recompute/run", h.TriggerRecompute)
		})
	})

	return r
}

// requestLogger emits one structured record per request.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

// requestMetrics records counters keyed by the matched route pattern.
func requestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
