// ABOUTME: HTTP server struct, constructor, and router wiring for the feedback worker.
// ABOUTME: Serves health, metrics, the GitHub issues webhook and the bearer-protected ops API.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/feedback-worker/internal/config"
	"github.com/scarson/feedback-worker/internal/store"
)

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store    *store.Store
	cfg      *config.Config
	limiter  *deliveryLimiter
	validate *validator.Validate
}

// NewServer creates a Server. Close releases its background goroutine.
func NewServer(s *store.Store, cfg *config.Config) *Server {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	// 60 deliveries per minute per source IP, burst of 20.
	return &Server{
		store:    s,
		cfg:      cfg,
		limiter:  newDeliveryLimiter(rate.Limit(1), 20, evictTTL),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Close stops the webhook limiter's sweeper.
func (srv *Server) Close() {
	if srv.limiter != nil {
		srv.limiter.Close()
	}
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	// ── Security headers ─────────────────────────────────────────────────────
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// GitHub caps webhook payloads at 25 MB; issue events are far smaller.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── GitHub webhook (chi, not huma: the signature covers the raw body) ────
	r.With(srv.webhookRateLimit()).Post("/webhooks/github/{project_id}", srv.githubWebhookHandler)

	// ── Ops API v1 with huma (OpenAPI 3.1) ───────────────────────────────────
	if srv.cfg.OpsAPIToken == "" {
		slog.Warn("OPS_API_TOKEN not set; ops API disabled")
		return r
	}
	apiRouter := chi.NewRouter()
	apiRouter.Use(srv.requireOpsToken())
	humaConfig := huma.DefaultConfig("Feedback Worker Ops API", "0.1.0")
	humaConfig.Info.Description = "Job queue inspection and project setup"
	api := humachi.New(apiRouter, humaConfig)
	registerJobRoutes(api, srv.store)
	registerProjectRoutes(api, srv.store)
	r.Mount("/api/v1", apiRouter)

	return r
}

// requireOpsToken rejects requests without "Authorization: Bearer <OPS_API_TOKEN>".
func (srv *Server) requireOpsToken() func(http.Handler) http.Handler {
	want := []byte(srv.cfg.OpsAPIToken)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				w.Header().Set("WWW-Authenticate", `Bearer realm="ops"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, resp)
	}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON: encode failed", "error", err)
	}
}
