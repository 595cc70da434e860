package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pesabridge/server/internal/auth"
	"github.com/pesabridge/server/internal/circuitbreaker"
	"github.com/pesabridge/server/internal/config"
	"github.com/pesabridge/server/internal/gateway"
	"github.com/pesabridge/server/internal/logger"
	"github.com/pesabridge/server/internal/metrics"
	"github.com/pesabridge/server/internal/ratelimit"
	"github.com/pesabridge/server/internal/reconcile"
	"github.com/pesabridge/server/internal/storage"
)

var serverStartTime = time.Now()

// IPNManager is the slice of the gateway client the IPN admin endpoints use.
type IPNManager interface {
	RegisterIPN(ctx context.Context, ipnURL, notificationType string) (*gateway.IPNRegistration, error)
	ListIPNs(ctx context.Context) ([]gateway.IPNRegistration, error)
}

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg      *config.Config
	engine   *reconcile.Engine
	ipn      IPNManager
	store    storage.Store
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	verifier *auth.WebhookVerifier
	logger   zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, engine *reconcile.Engine, ipn IPNManager, store storage.Store, breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	var verifier *auth.WebhookVerifier
	if cfg.Gateway.VerifyIPNSignature {
		verifier = auth.NewWebhookVerifier(cfg.Gateway.ConsumerSecret)
	}

	s := &Server{
		handlers: handlers{
			cfg:      cfg,
			engine:   engine,
			ipn:      ipn,
			store:    store,
			breakers: breakers,
			metrics:  metricsCollector,
			verifier: verifier,
			logger:   appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	s.configureRouter(router)

	return s
}

func (s *Server) configureRouter(router chi.Router) {
	cfg := s.cfg

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Add structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(s.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiting middleware (applied globally)
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.GlobalEnabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.PerIPEnabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       s.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))
	router.Use(ratelimit.IPLimiter(rateLimitCfg))

	// Apply route prefix if configured
	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout (health checks, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/health", s.health)
		r.Get("/ready", s.ready)
		// Prometheus metrics endpoint, protected by optional admin API key
		r.With(adminMetricsAuth(cfg.Server.AdminMetricsAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Payment endpoints with 60s timeout (each may call the gateway)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		// Gateway notification endpoints (keep URLs stable; the gateway
		// has them registered)
		r.Get(prefix+"/payments/callback", s.handleCallback)
		r.Get(prefix+"/ipn", s.handleIPN)
		r.Post(prefix+"/ipn", s.handleIPN)

		// Payment lifecycle
		r.Post(prefix+"/payments", s.createPayment)
		r.Get(prefix+"/payments", s.listPayments)
		r.Get(prefix+"/payments/{orderID}", s.getPayment)
		r.Get(prefix+"/payments/{orderID}/status", s.checkStatus)
		r.Get(prefix+"/payments/{orderID}/summary", s.paymentSummary)
		r.Post(prefix+"/payments/{orderID}/refund", s.refundPayment)
		r.Post(prefix+"/payments/{orderID}/cancel", s.cancelPayment)

		// IPN registration admin
		r.Post(prefix+"/ipn/register", s.registerIPN)
		r.Get(prefix+"/ipn/list", s.listIPNs)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
