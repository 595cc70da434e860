package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/pesabridge/server/internal/circuitbreaker"
	"github.com/pesabridge/server/internal/config"
	"github.com/pesabridge/server/internal/gateway"
	"github.com/pesabridge/server/internal/httpserver"
	"github.com/pesabridge/server/internal/httputil"
	"github.com/pesabridge/server/internal/lifecycle"
	"github.com/pesabridge/server/internal/logger"
	"github.com/pesabridge/server/internal/metrics"
	"github.com/pesabridge/server/internal/payment"
	"github.com/pesabridge/server/internal/reconcile"
	"github.com/pesabridge/server/internal/storage"
	"github.com/pesabridge/server/internal/token"

	"github.com/prometheus/client_golang/prometheus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", envOr("PESA_CONFIG", "config.yaml"), "path to configuration file")
	flag.Parse()

	// .env is optional; environment overrides still apply without it.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := logger.New(logger.Config{Level: "info", Format: "json", Service: "pesabridge"})
		boot.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "pesabridge",
		Environment: cfg.Logging.Environment,
	})

	log.Info().
		Str("gateway_environment", cfg.Gateway.Environment).
		Str("gateway_base_url", cfg.Gateway.APIBaseURL()).
		Str("consumer_key", logger.MaskCredential(cfg.Gateway.ConsumerKey)).
		Msg("Starting pesabridge server")

	resources := lifecycle.NewManager()

	store, err := storage.NewStore(storage.Config{
		Backend:               cfg.Storage.Backend,
		PostgresURL:           cfg.Storage.PostgresURL,
		MongoDBURL:            cfg.Storage.MongoDBURL,
		MongoDBDatabase:       cfg.Storage.MongoDBDatabase,
		PaymentsTableName:     cfg.Storage.SchemaMapping.Payments.TableName,
		TransactionsTableName: cfg.Storage.SchemaMapping.Transactions.TableName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	resources.Register("storage", store)

	if pg, ok := store.(*storage.PostgresStore); ok {
		config.ApplyPostgresPoolSettings(pg.DB(), cfg.Storage.PostgresPool)
	}
	if _, ok := store.(*storage.MemoryStore); ok && cfg.Storage.Backend != "memory" {
		log.Warn().Msg("No persistent storage configured, using in-memory store (data will not survive restarts)")
	}

	collector := metrics.New(prometheus.DefaultRegisterer)
	breakers := circuitbreaker.NewManagerFromConfig(cfg.CircuitBreaker)
	httpClient := httputil.NewClient(cfg.Gateway.Timeout.Duration)

	tokens := token.NewManager(token.Config{
		AuthURL:        cfg.Gateway.APIBaseURL() + "/api/Auth/RequestToken",
		ConsumerKey:    cfg.Gateway.ConsumerKey,
		ConsumerSecret: cfg.Gateway.ConsumerSecret,
		TTL:            cfg.Gateway.TokenTTL.Duration,
		SafetyMargin:   cfg.Gateway.TokenSafetyMargin.Duration,
	}, httpClient, breakers, collector, log)

	// The client captures the gateway config at construction, so the IPN
	// registration that fills in ipn_id has to happen before the client the
	// engine uses is built.
	if cfg.Gateway.IPNID == "" && cfg.Gateway.IPNURL != "" {
		boot := gateway.NewClient(cfg.Gateway, tokens, httpClient, breakers, collector, log)
		registerNotificationURL(cfg, boot, log)
	}

	gw := gateway.NewClient(cfg.Gateway, tokens, httpClient, breakers, collector, log)

	mapper := payment.NewStatusMapper(cfg.Gateway.StatusMapping)
	engine := reconcile.NewEngine(store, gw, *mapper, collector, log)

	server := httpserver.New(cfg, engine, gw, store, breakers, collector, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("HTTP server listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if err := resources.Close(); err != nil {
		log.Error().Err(err).Msg("Resource cleanup error")
	}
	log.Info().Msg("Shutdown complete")
}

// registerNotificationURL registers the configured IPN URL at the gateway on
// startup and stores the returned notification ID for order submissions.
// Registration is idempotent on the gateway side: re-registering an existing
// URL returns the same notification ID.
func registerNotificationURL(cfg *config.Config, gw *gateway.Client, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reg, err := gw.RegisterIPN(ctx, cfg.Gateway.IPNURL, "POST")
	if err != nil {
		log.Fatal().Err(err).Str("ipn_url", cfg.Gateway.IPNURL).Msg("Failed to register notification URL")
	}
	cfg.Gateway.IPNID = reg.NotificationID
	log.Info().
		Str("ipn_id", reg.NotificationID).
		Str("ipn_url", reg.URL).
		Msg("Registered notification URL")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
