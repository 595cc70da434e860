package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Gateway        GatewayConfig        `yaml:"gateway"`
	Storage        StorageConfig        `yaml:"storage"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// GatewayConfig holds payment gateway integration configuration.
type GatewayConfig struct {
	Environment           string            `yaml:"environment"`             // sandbox | production
	BaseURL               string            `yaml:"base_url"`                // Explicit API base URL; overrides environment mapping
	ConsumerKey           string            `yaml:"consumer_key"`
	ConsumerSecret        string            `yaml:"consumer_secret"`
	CallbackURL           string            `yaml:"callback_url"`            // Browser redirect target after checkout
	CancellationURL       string            `yaml:"cancellation_url"`        // Browser redirect target after cancellation
	IPNID                 string            `yaml:"ipn_id"`                  // Pre-registered notification ID
	IPNURL                string            `yaml:"ipn_url"`                 // Registered at startup when ipn_id is empty
	Timeout               Duration          `yaml:"timeout"`                 // Per-request HTTP timeout (default: 30s)
	TokenTTL              Duration          `yaml:"token_ttl"`               // Bearer token lifetime (default: 5m)
	TokenSafetyMargin     Duration          `yaml:"token_safety_margin"`     // Refresh this long before expiry (default: 30s)
	RequireBillingAddress bool              `yaml:"require_billing_address"` // Reject order drafts without billing details
	VerifyIPNSignature    bool              `yaml:"verify_ipn_signature"`    // Require an HMAC signature on inbound notifications
	SupportedCurrencies   []string          `yaml:"supported_currencies"`
	StatusMapping         map[string]string `yaml:"status_mapping"` // Overrides for gateway status code -> canonical status
	RefundUsername        string            `yaml:"refund_username"` // Operator name attached to refund requests
}

// APIBaseURL resolves the gateway API base URL from the explicit setting or
// the environment name.
func (g GatewayConfig) APIBaseURL() string {
	if g.BaseURL != "" {
		return strings.TrimSuffix(g.BaseURL, "/")
	}
	if g.Environment == "production" {
		return "https://pay.pesapal.com/v3"
	}
	return "https://cybqa.pesapal.com/pesapalv3"
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StorageConfig holds storage backend configuration.
type StorageConfig struct {
	Backend         string              `yaml:"backend"`          // "memory", "postgres", or "mongodb"
	PostgresURL     string              `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string              `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string              `yaml:"mongodb_database"` // MongoDB database name
	PostgresPool    PostgresPoolConfig  `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	SchemaMapping   SchemaMappingConfig `yaml:"schema_mapping"`   // Table/collection name mappings
}

// SchemaMappingConfig holds table/collection name mappings for custom schemas.
type SchemaMappingConfig struct {
	Payments     TableMappingConfig `yaml:"payments"`     // Payment aggregates table/collection
	Transactions TableMappingConfig `yaml:"transactions"` // Ledger records table/collection
}

// TableMappingConfig defines a single table/collection mapping.
type TableMappingConfig struct {
	TableName string `yaml:"table_name"` // Custom table/collection name
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-IP rate limiting
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when the gateway is degraded.
type CircuitBreakerConfig struct {
	Enabled     bool                 `yaml:"enabled"`      // Enable circuit breakers (default: true)
	GatewayAuth BreakerServiceConfig `yaml:"gateway_auth"` // Token endpoint circuit breaker
	GatewayAPI  BreakerServiceConfig `yaml:"gateway_api"`  // Transaction endpoints circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
