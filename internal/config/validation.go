package config

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Gateway.Environment == "" {
		c.Gateway.Environment = "sandbox"
	}
	if c.Gateway.Timeout.Duration <= 0 {
		c.Gateway.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.Gateway.TokenTTL.Duration <= 0 {
		c.Gateway.TokenTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Gateway.TokenSafetyMargin.Duration <= 0 {
		c.Gateway.TokenSafetyMargin = Duration{Duration: 30 * time.Second}
	}
	if len(c.Gateway.SupportedCurrencies) == 0 {
		c.Gateway.SupportedCurrencies = []string{"KES", "TZS", "UGX", "RWF", "USD"}
	}
	for i, cur := range c.Gateway.SupportedCurrencies {
		c.Gateway.SupportedCurrencies[i] = strings.ToUpper(strings.TrimSpace(cur))
	}
	if c.Gateway.StatusMapping == nil {
		c.Gateway.StatusMapping = map[string]string{}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Gateway.Environment {
	case "sandbox", "production":
	default:
		errs = append(errs, fmt.Sprintf("gateway.environment must be 'sandbox' or 'production', got %q", c.Gateway.Environment))
	}

	if c.Gateway.ConsumerKey == "" {
		errs = append(errs, "gateway.consumer_key is required")
	}
	if c.Gateway.ConsumerSecret == "" {
		errs = append(errs, "gateway.consumer_secret is required")
	}
	if c.Gateway.CallbackURL == "" {
		errs = append(errs, "gateway.callback_url is required")
	} else if err := validateHTTPURL(c.Gateway.CallbackURL); err != nil {
		errs = append(errs, fmt.Sprintf("gateway.callback_url: %v", err))
	}
	if c.Gateway.CancellationURL != "" {
		if err := validateHTTPURL(c.Gateway.CancellationURL); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.cancellation_url: %v", err))
		}
	}

	// Either a pre-registered IPN ID or a URL to register at startup.
	if c.Gateway.IPNID == "" && c.Gateway.IPNURL == "" {
		errs = append(errs, "gateway.ipn_id or gateway.ipn_url is required")
	}
	if c.Gateway.IPNURL != "" {
		if err := validateHTTPURL(c.Gateway.IPNURL); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.ipn_url: %v", err))
		}
	}

	if c.Gateway.BaseURL != "" {
		if err := validateHTTPURL(c.Gateway.BaseURL); err != nil {
			errs = append(errs, fmt.Sprintf("gateway.base_url: %v", err))
		}
	}

	switch c.Storage.Backend {
	case "", "memory", "postgres", "mongodb":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend must be 'memory', 'postgres', or 'mongodb', got %q", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBURL == "" {
		errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// validateHTTPURL checks that the value parses as an absolute http(s) URL.
func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https":
	case "":
		return errors.New("missing scheme")
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
