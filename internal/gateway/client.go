// Package gateway implements the HTTP client for the payment gateway's
// transaction API: order submission, status queries, refunds, cancellation,
// and IPN endpoint management. Every call authenticates through the token
// manager and classifies failures into a small taxonomy so callers can make
// retry decisions without parsing error strings.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pesabridge/server/internal/circuitbreaker"
	"github.com/pesabridge/server/internal/config"
	"github.com/pesabridge/server/internal/metrics"
	"github.com/pesabridge/server/internal/token"
)

const (
	maxOrderIDLength     = 50
	maxDescriptionLength = 100

	submitOrderPath = "/api/Transactions/SubmitOrderRequest"
	statusPath      = "/api/Transactions/GetTransactionStatus"
	refundPath      = "/api/Transactions/RefundRequest"
	cancelPath      = "/api/Transactions/CancelOrder"
	registerIPNPath = "/api/URLSetup/RegisterIPN"
	listIPNPath     = "/api/URLSetup/GetIpnList"
)

// TokenSource supplies bearer tokens for gateway calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Client wraps the gateway transaction API.
type Client struct {
	cfg      config.GatewayConfig
	baseURL  string
	tokens   TokenSource
	http     *http.Client
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// NewClient builds a gateway client. The breakers manager and metrics
// collector may be nil; calls then run unprotected and unobserved.
func NewClient(cfg config.GatewayConfig, tokens TokenSource, httpClient *http.Client, breakers *circuitbreaker.Manager, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		cfg:      cfg,
		baseURL:  cfg.APIBaseURL(),
		tokens:   tokens,
		http:     httpClient,
		breakers: breakers,
		metrics:  metricsCollector,
		logger:   logger,
	}
}

// SubmitOrder registers an order draft with the gateway and returns the
// tracking ID and redirect URL. Missing callback and notification fields are
// filled from configuration before validation.
func (c *Client) SubmitOrder(ctx context.Context, req SubmitOrderRequest) (*SubmitOrderResponse, error) {
	start := time.Now()

	if req.CallbackURL == "" {
		req.CallbackURL = c.cfg.CallbackURL
	}
	if req.CancellationURL == "" {
		req.CancellationURL = c.cfg.CancellationURL
	}
	if req.NotificationID == "" {
		req.NotificationID = c.cfg.IPNID
	}

	if err := c.validateOrder(req); err != nil {
		return nil, err
	}

	body, err := c.call(ctx, circuitbreaker.ServiceGatewayAPI, "submit_order", http.MethodPost, submitOrderPath, nil, req)
	c.observe("submit_order", start, err)
	if err != nil {
		return nil, err
	}

	var resp SubmitOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: FailureGateway, Operation: "submit_order", Message: "decode response", Err: err}
	}
	if resp.TrackingID == "" {
		return nil, &Error{Kind: FailureGateway, Operation: "submit_order", Message: "no tracking id in response"}
	}

	c.logger.Info().
		Str("order_id", req.ID).
		Str("tracking_id", resp.TrackingID).
		Str("currency", req.Currency).
		Str("amount", req.Amount.String()).
		Msg("gateway.order_submitted")
	return &resp, nil
}

// GetTransactionStatus fetches the authoritative transaction state for a
// tracking ID. The raw response fields are preserved on the result for the
// audit trail.
func (c *Client) GetTransactionStatus(ctx context.Context, trackingID, merchantReference string) (*StatusResponse, error) {
	start := time.Now()

	if trackingID == "" {
		return nil, &Error{Kind: FailureValidation, Operation: "get_status", Message: "tracking id is required"}
	}

	query := url.Values{}
	query.Set("orderTrackingId", trackingID)
	if merchantReference != "" {
		query.Set("merchantReference", merchantReference)
	}

	body, err := c.call(ctx, circuitbreaker.ServiceGatewayAPI, "get_status", http.MethodGet, statusPath, query, nil)
	c.observe("get_status", start, err)
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: FailureGateway, Operation: "get_status", Message: "decode response", Err: err}
	}
	resp.Raw = rawFields(body)
	return &resp, nil
}

// Refund asks the gateway to return funds for a settled transaction. A nil
// amount on the request asks for a full refund.
func (c *Client) Refund(ctx context.Context, req RefundRequest) (*RefundResponse, error) {
	start := time.Now()

	if req.ConfirmationCode == "" {
		return nil, &Error{Kind: FailureValidation, Operation: "refund", Message: "confirmation code is required"}
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		return nil, &Error{Kind: FailureValidation, Operation: "refund", Message: "refund amount must be positive"}
	}

	payload := refundPayload{
		ConfirmationCode: req.ConfirmationCode,
		Username:         req.Username,
		Remarks:          req.Reason,
	}
	if payload.Username == "" {
		payload.Username = c.cfg.RefundUsername
	}
	if req.Amount != nil {
		payload.Amount = req.Amount.String()
	}

	body, err := c.call(ctx, circuitbreaker.ServiceGatewayAPI, "refund", http.MethodPost, refundPath, nil, payload)
	c.observe("refund", start, err)
	if err != nil {
		return nil, err
	}

	var resp RefundResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: FailureGateway, Operation: "refund", Message: "decode response", Err: err}
	}

	c.logger.Info().
		Str("confirmation_code", req.ConfirmationCode).
		Str("status", resp.Status).
		Msg("gateway.refund_requested")
	return &resp, nil
}

// CancelOrder cancels a pending order at the gateway.
func (c *Client) CancelOrder(ctx context.Context, trackingID string) (*CancelResponse, error) {
	start := time.Now()

	if trackingID == "" {
		return nil, &Error{Kind: FailureValidation, Operation: "cancel_order", Message: "tracking id is required"}
	}

	payload := struct {
		OrderTrackingID string `json:"order_tracking_id"`
	}{OrderTrackingID: trackingID}

	body, err := c.call(ctx, circuitbreaker.ServiceGatewayAPI, "cancel_order", http.MethodPost, cancelPath, nil, payload)
	c.observe("cancel_order", start, err)
	if err != nil {
		return nil, err
	}

	var resp CancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: FailureGateway, Operation: "cancel_order", Message: "decode response", Err: err}
	}
	return &resp, nil
}

// RegisterIPN registers a notification URL at the gateway and returns the
// assigned notification ID. notificationType is "GET" or "POST".
func (c *Client) RegisterIPN(ctx context.Context, ipnURL, notificationType string) (*IPNRegistration, error) {
	start := time.Now()

	if ipnURL == "" {
		return nil, &Error{Kind: FailureValidation, Operation: "register_ipn", Message: "ipn url is required"}
	}
	notificationType = strings.ToUpper(notificationType)
	if notificationType != http.MethodGet && notificationType != http.MethodPost {
		return nil, &Error{Kind: FailureValidation, Operation: "register_ipn", Message: "notification type must be GET or POST"}
	}

	payload := struct {
		URL              string `json:"url"`
		NotificationType string `json:"ipn_notification_type"`
	}{URL: ipnURL, NotificationType: notificationType}

	body, err := c.call(ctx, circuitbreaker.ServiceGatewayAPI, "register_ipn", http.MethodPost, registerIPNPath, nil, payload)
	c.observe("register_ipn", start, err)
	if err != nil {
		return nil, err
	}

	var resp IPNRegistration
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: FailureGateway, Operation: "register_ipn", Message: "decode response", Err: err}
	}
	if resp.NotificationID == "" {
		return nil, &Error{Kind: FailureGateway, Operation: "register_ipn", Message: "no notification id in response"}
	}

	c.logger.Info().
		Str("ipn_id", resp.NotificationID).
		Str("url", ipnURL).
		Msg("gateway.ipn_registered")
	return &resp, nil
}

// ListIPNs returns all notification URLs registered for the merchant.
func (c *Client) ListIPNs(ctx context.Context) ([]IPNRegistration, error) {
	start := time.Now()

	body, err := c.call(ctx, circuitbreaker.ServiceGatewayAPI, "list_ipns", http.MethodGet, listIPNPath, nil, nil)
	c.observe("list_ipns", start, err)
	if err != nil {
		return nil, err
	}

	var resp []IPNRegistration
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &Error{Kind: FailureGateway, Operation: "list_ipns", Message: "decode response", Err: err}
	}
	return resp, nil
}

type refundPayload struct {
	ConfirmationCode string `json:"confirmation_code"`
	Amount           string `json:"amount,omitempty"`
	Username         string `json:"username,omitempty"`
	Remarks          string `json:"remarks,omitempty"`
}

// gatewayErrorEnvelope is the error object the gateway embeds in otherwise
// successful responses.
type gatewayErrorEnvelope struct {
	Error *struct {
		ErrorType string `json:"error_type"`
		Code      string `json:"code"`
		Message   string `json:"message"`
	} `json:"error"`
}

func (c *Client) validateOrder(req SubmitOrderRequest) error {
	fail := func(msg string) error {
		return &Error{Kind: FailureValidation, Operation: "submit_order", Message: msg}
	}

	if req.ID == "" {
		return fail("order id is required")
	}
	if len(req.ID) > maxOrderIDLength {
		return fail(fmt.Sprintf("order id exceeds %d characters", maxOrderIDLength))
	}
	if !req.Amount.IsPositive() {
		return fail("amount must be positive")
	}
	if !c.currencySupported(req.Currency) {
		return fail(fmt.Sprintf("unsupported currency %q", req.Currency))
	}
	if req.Description == "" {
		return fail("description is required")
	}
	if len(req.Description) > maxDescriptionLength {
		return fail(fmt.Sprintf("description exceeds %d characters", maxDescriptionLength))
	}
	if req.CallbackURL == "" {
		return fail("callback url is required")
	}
	if req.NotificationID == "" {
		return fail("notification id is required")
	}
	if c.cfg.RequireBillingAddress && len(req.BillingAddress) == 0 {
		return fail("billing address is required")
	}
	return nil
}

func (c *Client) currencySupported(currency string) bool {
	for _, cur := range c.cfg.SupportedCurrencies {
		if strings.EqualFold(cur, currency) {
			return true
		}
	}
	return false
}

// call performs one authenticated request against the gateway and returns
// the response body. A 401 invalidates the cached token and retries exactly
// once with a fresh one; a second 401 is a hard authentication failure.
func (c *Client) call(ctx context.Context, service circuitbreaker.ServiceType, op, method, path string, query url.Values, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &Error{Kind: FailureValidation, Operation: op, Message: "encode request", Err: err}
		}
		body = encoded
	}

	retried := false
	for {
		bearer, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, classifyTokenError(op, err)
		}

		status, respBody, err := c.roundTrip(ctx, service, op, method, path, query, body, bearer)
		if err != nil {
			return nil, err
		}

		if status == http.StatusUnauthorized {
			if retried {
				return nil, &Error{Kind: FailureAuthentication, Operation: op, StatusCode: status, Message: "token rejected after refresh"}
			}
			c.tokens.Invalidate()
			retried = true
			if c.metrics != nil {
				c.metrics.ObserveTokenRefresh("reactive")
			}
			c.logger.Warn().Str("operation", op).Msg("gateway.token_rejected_retrying")
			continue
		}

		return c.checkResponse(op, status, respBody)
	}
}

func (c *Client) roundTrip(ctx context.Context, service circuitbreaker.ServiceType, op, method, path string, query url.Values, body []byte, bearer string) (int, []byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, nil, &Error{Kind: FailureValidation, Operation: op, Message: "build request", Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	exec := func() (interface{}, error) {
		return c.http.Do(req)
	}

	var resp *http.Response
	if c.breakers != nil {
		result, err := c.breakers.Execute(service, exec)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return 0, nil, &Error{Kind: FailureTransport, Operation: op, Message: "circuit breaker open", Err: err}
			}
			return 0, nil, &Error{Kind: FailureTransport, Operation: op, Message: "request failed", Err: err}
		}
		resp = result.(*http.Response)
	} else {
		raw, err := exec()
		if err != nil {
			return 0, nil, &Error{Kind: FailureTransport, Operation: op, Message: "request failed", Err: err}
		}
		resp = raw.(*http.Response)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, &Error{Kind: FailureTransport, Operation: op, StatusCode: resp.StatusCode, Message: "read response", Err: err}
	}
	return resp.StatusCode, respBody, nil
}

// checkResponse maps HTTP status and the gateway's embedded error envelope
// to the failure taxonomy, returning the body on success.
func (c *Client) checkResponse(op string, status int, body []byte) ([]byte, error) {
	if status == http.StatusBadRequest {
		return nil, &Error{Kind: FailureValidation, Operation: op, StatusCode: status, Message: gatewayMessage(body, "request rejected"), Payload: decodePayload(body)}
	}
	if status < 200 || status > 299 {
		return nil, &Error{Kind: FailureGateway, Operation: op, StatusCode: status, Message: gatewayMessage(body, "unexpected response"), Payload: decodePayload(body)}
	}

	// The gateway reports some failures as HTTP 200 with an error object.
	var envelope gatewayErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		if envelope.Error.Code != "" || envelope.Error.Message != "" {
			return nil, &Error{
				Kind:       FailureGateway,
				Operation:  op,
				StatusCode: status,
				Message:    gatewayMessage(body, envelope.Error.Code),
				Payload:    decodePayload(body),
			}
		}
	}
	return body, nil
}

func classifyTokenError(op string, err error) error {
	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		// No HTTP status means the token endpoint was never reached.
		if authErr.StatusCode == 0 && authErr.Err != nil {
			return &Error{Kind: FailureTransport, Operation: op, Message: "token endpoint unreachable", Err: err}
		}
		return &Error{Kind: FailureAuthentication, Operation: op, StatusCode: authErr.StatusCode, Message: authErr.Message, Err: err}
	}
	return &Error{Kind: FailureAuthentication, Operation: op, Message: "acquire token", Err: err}
}

func (c *Client) observe(op string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	kind := ""
	if err != nil {
		if k, ok := KindOf(err); ok {
			kind = string(k)
		} else {
			kind = string(FailureTransport)
		}
	}
	c.metrics.ObserveGatewayCall(op, time.Since(start), kind)
}

// gatewayMessage extracts a human readable message from an error body.
func gatewayMessage(body []byte, fallback string) string {
	var envelope struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error != nil && envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	return fallback
}

// decodePayload keeps the gateway's error body for diagnostics.
func decodePayload(body []byte) map[string]any {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil
	}
	return payload
}

// rawFields flattens a JSON object to string values for audit metadata.
func rawFields(body []byte) map[string]string {
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil
	}
	out := make(map[string]string, len(parsed))
	for k, v := range parsed {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}
