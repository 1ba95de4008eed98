package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/walker77/paygate-mcp/internal/audit"
	"github.com/walker77/paygate-mcp/internal/config"
	"github.com/walker77/paygate-mcp/internal/dispatcher"
	"github.com/walker77/paygate-mcp/internal/idempotency"
	"github.com/walker77/paygate-mcp/internal/keygroup"
	"github.com/walker77/paygate-mcp/internal/keystore"
	"github.com/walker77/paygate-mcp/internal/logger"
	"github.com/walker77/paygate-mcp/internal/metrics"
	"github.com/walker77/paygate-mcp/internal/webhookqueue"
)

// Server wires the handler set, middleware chain, and net/http.Server.
type Server struct {
	handlers
	httpServer *http.Server
}

// handlers is the receiver every route method hangs off. Kept as one
// struct (the teacher's own pattern) rather than one struct per concern,
// since a single X-Admin-Key gate covers all of it.
type handlers struct {
	cfg           *config.Config
	dispatcher    *dispatcher.Dispatcher
	keys          *keystore.Store
	groups        *keygroup.Manager
	webhooks      *webhookqueue.Queue
	subscriptions *webhookqueue.Subscriptions
	auditLog      *audit.Log
	metrics       *metrics.Metrics
	idempotency   *idempotency.MemoryStore
	logger        zerolog.Logger
}

// New builds the HTTP server with its fully configured router.
func New(cfg *config.Config, d *dispatcher.Dispatcher, keys *keystore.Store, groups *keygroup.Manager, webhooks *webhookqueue.Queue, subscriptions *webhookqueue.Subscriptions, auditLog *audit.Log, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:           cfg,
			dispatcher:    d,
			keys:          keys,
			groups:        groups,
			webhooks:      webhooks,
			subscriptions: subscriptions,
			auditLog:      auditLog,
			metrics:       metricsCollector,
			idempotency:   idempotency.NewMemoryStore(),
			logger:        appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, &s.handlers)

	return s
}

// ConfigureRouter attaches PayGate's routes to an existing router.
func ConfigureRouter(router chi.Router, h *handlers) {
	if router == nil {
		return
	}
	cfg := h.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers applied first for every response (§6).
	router.Use(securityHeadersMiddleware)

	router.Use(logger.Middleware(h.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	if cfg.Server.MaxRequestBytes > 0 {
		router.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				r.Body = http.MaxBytesReader(w, r.Body, cfg.Server.MaxRequestBytes)
				next.ServeHTTP(w, r)
			})
		})
	}

	// Coarse per-IP rate limiting ahead of the Gate's own per-key limiter —
	// a cheap first line of defense against floods before a call ever
	// reaches key lookup (§6's layered rate-limiting note).
	router.Use(httprate.LimitByIP(600, time.Minute))

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", h.health)
		r.Handle("/metrics", promhttp.Handler())
	})

	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
		r.Post("/mcp", h.mcp)
	})

	router.Route("/admin", func(r chi.Router) {
		r.Use(adminAuth(cfg.Admin.AdminKey))
		r.Use(middleware.Timeout(10 * time.Second))
		r.Use(idempotency.Middleware(h.idempotency, idempotency.DefaultTTL))

		r.Post("/keys", h.createKey)
		r.Get("/keys", h.listKeys)
		r.Get("/keys/{id}", h.getKey)
		r.Post("/keys/{id}/topup", h.topupKey)
		r.Post("/keys/{id}/suspend", h.suspendKey)
		r.Post("/keys/{id}/resume", h.resumeKey)
		r.Post("/keys/{id}/revoke", h.revokeKey)
		r.Post("/keys/{id}/rotate", h.rotateKey)
		r.Post("/keys/{id}/expiry", h.setKeyExpiry)
		r.Post("/keys/bulk", h.bulkKeyOp)

		r.Post("/groups", h.createGroup)
		r.Get("/groups", h.listGroups)
		r.Get("/groups/{id}", h.getGroup)
		r.Put("/groups/{id}", h.updateGroup)
		r.Delete("/groups/{id}", h.deleteGroup)

		r.Post("/webhooks/subscriptions", h.createSubscription)
		r.Get("/webhooks/subscriptions", h.listSubscriptions)
		r.Delete("/webhooks/subscriptions/{id}", h.deleteSubscription)
		r.Get("/webhooks/entries", h.listWebhookEntries)
		r.Post("/webhooks/entries/{id}/retry", h.retryWebhookEntry)

		r.Get("/audit", h.listAuditEvents)

		r.Get("/namespaces", h.listNamespaces)
	})
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok"})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
