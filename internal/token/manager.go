// Package token owns the gateway bearer credential: acquisition, expiry
// tracking, and proactive refresh. Every outbound gateway call goes through
// Manager.Token, so callers never see an expired credential.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesabridge/server/internal/circuitbreaker"
	"github.com/pesabridge/server/internal/metrics"
)

// Credential is the ephemeral bearer token issued by the gateway. It is
// owned exclusively by the Manager, never persisted, and replaced wholesale
// on refresh.
type Credential struct {
	AccessToken string
	IssuedAt    time.Time
	TTL         time.Duration
}

// FreshAt reports whether the credential is still usable at the given time,
// leaving the configured safety margin before actual expiry.
func (c Credential) FreshAt(now time.Time, margin time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	return now.Before(c.IssuedAt.Add(c.TTL - margin))
}

// AuthError reports an authentication failure against the gateway's token
// endpoint. It is not retried by the Manager; callers decide retry policy.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token: authentication failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("token: authentication failed: %s", e.Message)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Config holds token manager configuration.
type Config struct {
	AuthURL        string
	ConsumerKey    string
	ConsumerSecret string
	TTL            time.Duration // token lifetime reported by the gateway (5m)
	SafetyMargin   time.Duration // refresh this long before expiry (30s)
}

// Manager caches the bearer credential and refreshes it when it comes
// within the safety margin of expiry.
//
// Refresh is single-flight: the mutex is held across the network call, so
// concurrent callers that find the cache stale line up behind the first
// caller's refresh and reuse its result instead of issuing their own.
type Manager struct {
	cfg      Config
	client   *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	mu   sync.Mutex
	cred Credential

	// now is swappable for expiry tests.
	now func() time.Time
}

// NewManager constructs a Manager using the provided HTTP client. Token
// requests run through the gateway_auth circuit breaker when a breaker
// manager is given. The breaker manager and metrics collector may be nil.
func NewManager(cfg Config, client *http.Client, breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 30 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		client:   client,
		breakers: breakers,
		metrics:  metricsCollector,
		logger:   logger,
		now:      time.Now,
	}
}

// Token returns a valid bearer token, refreshing the cached credential if it
// is within the safety margin of expiry. Concurrent callers during a refresh
// block on the same in-flight authenticate call.
func (m *Manager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred.FreshAt(m.now(), m.cfg.SafetyMargin) {
		return m.cred.AccessToken, nil
	}

	trigger := "initial"
	if m.cred.AccessToken != "" {
		trigger = "expiry"
	}

	cred, err := m.authenticate(ctx)
	if err != nil {
		return "", err
	}
	m.cred = cred
	if m.metrics != nil {
		m.metrics.ObserveTokenRefresh(trigger)
	}

	m.logger.Debug().
		Time("issued_at", cred.IssuedAt).
		Dur("ttl", cred.TTL).
		Msg("token.refreshed")
	return cred.AccessToken, nil
}

// Invalidate discards the cached credential so the next Token call performs
// a fresh authenticate. Used for reactive refresh after the gateway rejects
// a token the cache still considered fresh.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{}
}

// do executes the token request through the gateway_auth circuit breaker
// when one is configured, so a flapping token endpoint trips open instead of
// stalling every caller behind the refresh mutex.
func (m *Manager) do(req *http.Request) (*http.Response, error) {
	if m.breakers == nil {
		return m.client.Do(req)
	}
	result, err := m.breakers.Execute(circuitbreaker.ServiceGatewayAuth, func() (interface{}, error) {
		return m.client.Do(req)
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

type authRequest struct {
	ConsumerKey    string `json:"consumer_key"`
	ConsumerSecret string `json:"consumer_secret"`
}

type authResponse struct {
	Token      string `json:"token"`
	ExpiryDate string `json:"expiryDate"`
	Error      *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

// authenticate performs the blocking token request. Called with the mutex
// held; that is what makes refresh single-flight.
func (m *Manager) authenticate(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(authRequest{
		ConsumerKey:    m.cfg.ConsumerKey,
		ConsumerSecret: m.cfg.ConsumerSecret,
	})
	if err != nil {
		return Credential{}, &AuthError{Message: "encode auth request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AuthURL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, &AuthError{Message: "build auth request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.do(req)
	if err != nil {
		return Credential{}, &AuthError{Message: "auth request failed", Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Message: "read auth response", Err: err}
	}

	var parsed authResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Message: "decode auth response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		msg := parsed.Message
		if parsed.Error != nil && parsed.Error.Message != "" {
			msg = parsed.Error.Message
		}
		if msg == "" {
			msg = "check consumer key and secret"
		}
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Message: msg}
	}
	if parsed.Token == "" {
		return Credential{}, &AuthError{StatusCode: resp.StatusCode, Message: "no access token in response"}
	}

	return Credential{
		AccessToken: parsed.Token,
		IssuedAt:    m.now(),
		TTL:         m.cfg.TTL,
	}, nil
}
