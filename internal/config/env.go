package config

import (
	"os"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use PESA_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "PESA_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "PESA_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "PESA_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Gateway config
	setIfEnv(&c.Gateway.Environment, "PESA_GATEWAY_ENVIRONMENT")
	setIfEnv(&c.Gateway.BaseURL, "PESA_GATEWAY_BASE_URL")
	setIfEnv(&c.Gateway.ConsumerKey, "PESA_GATEWAY_CONSUMER_KEY")
	setIfEnv(&c.Gateway.ConsumerSecret, "PESA_GATEWAY_CONSUMER_SECRET")
	setIfEnv(&c.Gateway.CallbackURL, "PESA_GATEWAY_CALLBACK_URL")
	setIfEnv(&c.Gateway.CancellationURL, "PESA_GATEWAY_CANCELLATION_URL")
	setIfEnv(&c.Gateway.IPNID, "PESA_GATEWAY_IPN_ID")
	setIfEnv(&c.Gateway.IPNURL, "PESA_GATEWAY_IPN_URL")
	setIfEnv(&c.Gateway.RefundUsername, "PESA_GATEWAY_REFUND_USERNAME")
	setDurationIfEnv(&c.Gateway.Timeout, "PESA_GATEWAY_TIMEOUT")
	setDurationIfEnv(&c.Gateway.TokenTTL, "PESA_GATEWAY_TOKEN_TTL")
	setDurationIfEnv(&c.Gateway.TokenSafetyMargin, "PESA_GATEWAY_TOKEN_SAFETY_MARGIN")
	setBoolIfEnv(&c.Gateway.RequireBillingAddress, "PESA_GATEWAY_REQUIRE_BILLING_ADDRESS")
	setBoolIfEnv(&c.Gateway.VerifyIPNSignature, "PESA_GATEWAY_VERIFY_IPN_SIGNATURE")
	if v := os.Getenv("PESA_GATEWAY_SUPPORTED_CURRENCIES"); v != "" {
		c.Gateway.SupportedCurrencies = splitAndTrim(v)
	}

	// Storage config
	setIfEnv(&c.Storage.Backend, "PESA_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "PESA_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "PESA_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "PESA_STORAGE_MONGODB_DATABASE")
	setIfEnv(&c.Storage.SchemaMapping.Payments.TableName, "PESA_STORAGE_PAYMENTS_TABLE")
	setIfEnv(&c.Storage.SchemaMapping.Transactions.TableName, "PESA_STORAGE_TRANSACTIONS_TABLE")

	// Logging config
	setIfEnv(&c.Logging.Level, "PESA_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "PESA_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "PESA_LOG_ENVIRONMENT")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.GlobalEnabled, "PESA_RATE_LIMIT_GLOBAL_ENABLED")
	setBoolIfEnv(&c.RateLimit.PerIPEnabled, "PESA_RATE_LIMIT_PER_IP_ENABLED")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "PESA_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// splitAndTrim splits a comma separated list and upper-cases each entry.
func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
