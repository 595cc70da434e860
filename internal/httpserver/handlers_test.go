package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesabridge/server/internal/auth"
	"github.com/pesabridge/server/internal/config"
	"github.com/pesabridge/server/internal/gateway"
	"github.com/pesabridge/server/internal/payment"
	"github.com/pesabridge/server/internal/reconcile"
	"github.com/pesabridge/server/internal/storage"
)

// scriptedGateway serves both the engine's gateway slice and the IPN admin
// interface for handler tests.
type scriptedGateway struct {
	statusCode json.Number
	statusErr  error
}

func (g *scriptedGateway) SubmitOrder(ctx context.Context, req gateway.SubmitOrderRequest) (*gateway.SubmitOrderResponse, error) {
	return &gateway.SubmitOrderResponse{
		TrackingID:  "track-" + req.ID,
		RedirectURL: "https://pay.example/iframe/" + req.ID,
	}, nil
}

func (g *scriptedGateway) GetTransactionStatus(ctx context.Context, trackingID, merchantReference string) (*gateway.StatusResponse, error) {
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return &gateway.StatusResponse{
		TrackingID:        trackingID,
		MerchantReference: merchantReference,
		StatusCode:        g.statusCode,
		StatusDescription: "Completed",
		ConfirmationCode:  "QJI52XW1",
	}, nil
}

func (g *scriptedGateway) Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResponse, error) {
	return &gateway.RefundResponse{Status: "200"}, nil
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, trackingID string) (*gateway.CancelResponse, error) {
	return &gateway.CancelResponse{Status: "200"}, nil
}

func (g *scriptedGateway) RegisterIPN(ctx context.Context, ipnURL, notificationType string) (*gateway.IPNRegistration, error) {
	return &gateway.IPNRegistration{NotificationID: "ipn-99", URL: ipnURL, NotificationType: notificationType}, nil
}

func (g *scriptedGateway) ListIPNs(ctx context.Context) ([]gateway.IPNRegistration, error) {
	return []gateway.IPNRegistration{{NotificationID: "ipn-1", URL: "https://merchant.example/ipn"}}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Address:      ":0",
			ReadTimeout:  config.Duration{Duration: 5 * time.Second},
			WriteTimeout: config.Duration{Duration: 5 * time.Second},
		},
		Gateway: config.GatewayConfig{
			Environment: "sandbox",
			IPNID:       "ipn-1",
		},
	}
}

func newTestServer(t *testing.T) (*Server, *scriptedGateway, storage.Store) {
	t.Helper()
	gw := &scriptedGateway{statusCode: "1"}
	store := storage.NewMemoryStore()
	engine := reconcile.NewEngine(store, gw, *payment.NewStatusMapper(nil), nil, zerolog.Nop())
	srv := New(testConfig(), engine, gw, store, nil, nil, zerolog.Nop())
	return srv, gw, store
}

func doRequest(srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		encoded, _ := json.Marshal(body)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), target); err != nil {
		t.Fatalf("Bad response body %q: %v", w.Body.String(), err)
	}
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decodeBody(t, w, &resp)
	return resp.Error.Code
}

func createTestPayment(t *testing.T, srv *Server, orderID string) {
	t.Helper()
	w := doRequest(srv, http.MethodPost, "/payments", map[string]any{
		"order_id":    orderID,
		"amount":      "1500",
		"currency":    "KES",
		"description": "Test order",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Create returned %d: %s", w.Code, w.Body.String())
	}
}

func TestCreatePayment(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/payments", map[string]any{
		"order_id":    "ORDER-001",
		"amount":      "1500",
		"currency":    "KES",
		"description": "Test order",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var p payment.Payment
	decodeBody(t, w, &p)
	if p.TrackingID != "track-ORDER-001" {
		t.Errorf("Expected tracking ID, got %s", p.TrackingID)
	}
	if p.RedirectURL == "" {
		t.Error("Expected redirect URL in response")
	}

	// Duplicate order ID
	w = doRequest(srv, http.MethodPost, "/payments", map[string]any{
		"order_id": "ORDER-001",
		"amount":   "100",
		"currency": "KES",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for duplicate order, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "duplicate_order" {
		t.Errorf("Expected duplicate_order code, got %s", code)
	}
}

func TestCreatePayment_Validation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing order id", map[string]any{"amount": "100", "currency": "KES"}},
		{"zero amount", map[string]any{"order_id": "X", "amount": "0", "currency": "KES"}},
		{"missing currency", map[string]any{"order_id": "X", "amount": "100"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(srv, http.MethodPost, "/payments", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}

	// Unknown fields are rejected
	w := doRequest(srv, http.MethodPost, "/payments", map[string]any{
		"order_id": "X", "amount": "100", "currency": "KES", "surprise": true,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for unknown field, got %d", w.Code)
	}
}

func TestGetPayment(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodGet, "/payments/ORDER-001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var view reconcile.ReconciledView
	decodeBody(t, w, &view)
	if view.Payment.OrderID != "ORDER-001" {
		t.Errorf("Unexpected payment %+v", view.Payment)
	}
	if len(view.Transactions) != 1 {
		t.Errorf("Expected 1 ledger record, got %d", len(view.Transactions))
	}

	w = doRequest(srv, http.MethodGet, "/payments/ORDER-NOPE", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestListPayments(t *testing.T) {
	srv, _, _ := newTestServer(t)
	for i := 0; i < 3; i++ {
		createTestPayment(t, srv, fmt.Sprintf("ORDER-%03d", i))
	}

	w := doRequest(srv, http.MethodGet, "/payments?limit=2", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Payments []json.RawMessage `json:"payments"`
		Count    int               `json:"count"`
	}
	decodeBody(t, w, &resp)
	if resp.Count != 2 {
		t.Errorf("Expected 2 payments, got %d", resp.Count)
	}

	w = doRequest(srv, http.MethodGet, "/payments?limit=9999", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for out-of-range limit, got %d", w.Code)
	}
	w = doRequest(srv, http.MethodGet, "/payments?offset=-1", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative offset, got %d", w.Code)
	}
}

func TestCallback(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodGet, "/payments/callback?OrderTrackingId=track-ORDER-001&OrderMerchantReference=ORDER-001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view reconcile.ReconciledView
	decodeBody(t, w, &view)
	if view.Payment.Status != payment.StatusCompleted {
		t.Errorf("Expected COMPLETED after callback reconciliation, got %s", view.Payment.Status)
	}
	if !view.Payment.CallbackReceived {
		t.Error("Expected callback flag set")
	}

	w = doRequest(srv, http.MethodGet, "/payments/callback", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing identifiers, got %d", w.Code)
	}
}

func TestIPN_PostAck(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodPost, "/ipn", map[string]string{
		"OrderTrackingId":        "track-ORDER-001",
		"OrderMerchantReference": "ORDER-001",
		"OrderNotificationType":  "IPNCHANGE",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var ack ipnAck
	decodeBody(t, w, &ack)
	if ack.Status != http.StatusOK {
		t.Errorf("Expected ack status 200, got %d", ack.Status)
	}
	if ack.OrderTrackingID != "track-ORDER-001" || ack.OrderMerchantReference != "ORDER-001" {
		t.Errorf("Ack must echo identifiers, got %+v", ack)
	}
	if ack.OrderNotificationType != "IPNCHANGE" {
		t.Errorf("Unexpected notification type %s", ack.OrderNotificationType)
	}
}

func TestIPN_GetQueryParams(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodGet, "/ipn?OrderTrackingId=track-ORDER-001&OrderMerchantReference=ORDER-001", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var ack ipnAck
	decodeBody(t, w, &ack)
	if ack.OrderNotificationType != "IPNCHANGE" {
		t.Errorf("Expected default notification type, got %s", ack.OrderNotificationType)
	}
}

func TestIPN_UnknownOrderFailsAck(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/ipn", map[string]string{
		"OrderTrackingId":        "track-unknown",
		"OrderMerchantReference": "ORDER-UNKNOWN",
	})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("A lookup failure must fail the ack, got %d", w.Code)
	}
	var ack ipnAck
	decodeBody(t, w, &ack)
	if ack.Status != http.StatusInternalServerError {
		t.Errorf("Expected ack status 500, got %d", ack.Status)
	}
	if ack.OrderTrackingID != "track-unknown" || ack.OrderMerchantReference != "ORDER-UNKNOWN" {
		t.Errorf("Failed ack must still echo identifiers, got %+v", ack)
	}
}

func TestIPN_TransientFailureAsksRedelivery(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	gw.statusErr = &gateway.Error{Kind: gateway.FailureTransport, Operation: "get_status", Message: "timeout"}
	w := doRequest(srv, http.MethodPost, "/ipn", map[string]string{
		"OrderTrackingId":        "track-ORDER-001",
		"OrderMerchantReference": "ORDER-001",
	})
	if w.Code != http.StatusInternalServerError {
		t.Errorf("Transient failures must answer 500 for redelivery, got %d", w.Code)
	}
	var ack ipnAck
	decodeBody(t, w, &ack)
	if ack.Status != http.StatusInternalServerError {
		t.Errorf("Expected ack status 500, got %d", ack.Status)
	}
}

func TestIPN_MissingIdentifiers(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/ipn", map[string]string{"OrderNotificationType": "IPNCHANGE"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing identifiers, got %d", w.Code)
	}
}

func newSigningTestServer(t *testing.T, secret string) *Server {
	t.Helper()
	gw := &scriptedGateway{statusCode: "1"}
	store := storage.NewMemoryStore()
	engine := reconcile.NewEngine(store, gw, *payment.NewStatusMapper(nil), nil, zerolog.Nop())
	cfg := testConfig()
	cfg.Gateway.ConsumerSecret = secret
	cfg.Gateway.VerifyIPNSignature = true
	return New(cfg, engine, gw, store, nil, nil, zerolog.Nop())
}

func doSignedIPN(srv *Server, fields map[string]string, signature string) *httptest.ResponseRecorder {
	encoded, _ := json.Marshal(fields)
	req := httptest.NewRequest(http.MethodPost, "/ipn", bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set("X-Pesapal-Signature", signature)
	}
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	return w
}

func TestIPN_SignatureRequired(t *testing.T) {
	srv := newSigningTestServer(t, "sekret")
	createTestPayment(t, srv, "ORDER-001")

	fields := map[string]string{
		"OrderTrackingId":        "track-ORDER-001",
		"OrderMerchantReference": "ORDER-001",
		"OrderNotificationType":  "IPNCHANGE",
	}

	w := doSignedIPN(srv, fields, "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for a missing signature, got %d", w.Code)
	}

	w = doSignedIPN(srv, fields, "deadbeef")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a bad signature, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "invalid_signature" {
		t.Errorf("Expected invalid_signature, got %s", code)
	}

	sig := auth.NewWebhookVerifier("sekret").Sign(fields)
	w = doSignedIPN(srv, fields, sig)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a valid signature, got %d: %s", w.Code, w.Body.String())
	}
	var ack ipnAck
	decodeBody(t, w, &ack)
	if ack.Status != http.StatusOK {
		t.Errorf("Expected ack status 200, got %d", ack.Status)
	}
}

func TestIPN_SignatureInQueryParams(t *testing.T) {
	srv := newSigningTestServer(t, "sekret")
	createTestPayment(t, srv, "ORDER-001")

	fields := map[string]string{
		"OrderTrackingId":        "track-ORDER-001",
		"OrderMerchantReference": "ORDER-001",
	}
	sig := auth.NewWebhookVerifier("sekret").Sign(fields)

	w := doRequest(srv, http.MethodGet,
		"/ipn?OrderTrackingId=track-ORDER-001&OrderMerchantReference=ORDER-001&signature="+sig, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200 for a signed GET delivery, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCheckStatusEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodGet, "/payments/ORDER-001/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var view reconcile.ReconciledView
	decodeBody(t, w, &view)
	if view.Payment.Status != payment.StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", view.Payment.Status)
	}
}

func TestRefundEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	// Not yet completed
	w := doRequest(srv, http.MethodPost, "/payments/ORDER-001/refund", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("Expected 409 for pending payment, got %d", w.Code)
	}

	doRequest(srv, http.MethodGet, "/payments/ORDER-001/status", nil)

	w = doRequest(srv, http.MethodPost, "/payments/ORDER-001/refund", map[string]any{
		"amount": "500",
		"reason": "customer request",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var view reconcile.ReconciledView
	decodeBody(t, w, &view)
	if len(view.Transactions) != 2 {
		t.Errorf("Expected payment and refund records, got %d", len(view.Transactions))
	}

	w = doRequest(srv, http.MethodPost, "/payments/ORDER-001/refund", map[string]any{"amount": "-1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for negative amount, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/payments/ORDER-001/refund", map[string]any{"amount": "99999"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for refund exceeding payment amount, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "invalid_amount" {
		t.Errorf("Expected invalid_amount, got %s", code)
	}
}

func TestCancelEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodPost, "/payments/ORDER-001/cancel", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	// Reconcile to COMPLETED, then cancel must conflict
	if w := doRequest(srv, http.MethodGet, "/payments/ORDER-001/status", nil); w.Code != http.StatusOK {
		t.Fatalf("Status check returned %d", w.Code)
	}
	w = doRequest(srv, http.MethodPost, "/payments/ORDER-001/cancel", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Expected 409 for cancelling a terminal payment, got %d: %s", w.Code, w.Body.String())
	}
	if code := errorCode(t, w); code != "order_already_final" {
		t.Errorf("Expected order_already_final, got %s", code)
	}
}

func TestSummaryEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	createTestPayment(t, srv, "ORDER-001")

	w := doRequest(srv, http.MethodGet, "/payments/ORDER-001/summary", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var summary struct {
		PaymentID string `json:"payment_id"`
		Count     int    `json:"transaction_count"`
	}
	decodeBody(t, w, &summary)
	if summary.PaymentID != "ORDER-001" || summary.Count != 1 {
		t.Errorf("Unexpected summary %+v", summary)
	}
}

func TestIPNAdminEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/ipn/register", map[string]string{
		"url": "https://merchant.example/ipn",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var reg gateway.IPNRegistration
	decodeBody(t, w, &reg)
	if reg.NotificationID != "ipn-99" {
		t.Errorf("Unexpected registration %+v", reg)
	}

	w = doRequest(srv, http.MethodPost, "/ipn/register", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing url, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodGet, "/ipn/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, w, &list)
	if list.Count != 1 {
		t.Errorf("Expected 1 registration, got %d", list.Count)
	}
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodGet, "/ready", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 from /ready, got %d", w.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Storage string `json:"storage"`
	}
	decodeBody(t, w, &body)
	if body.Status != "ok" || body.Storage != "ok" {
		t.Errorf("Unexpected readiness body %+v", body)
	}
}

func TestSecurityHeaders(t *testing.T) {
	srv, _, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", nil)
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("Expected nosniff, got %q", got)
	}
	if got := w.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("Expected DENY, got %q", got)
	}
}

func TestMetricsAuth(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AdminMetricsAPIKey = "sekret"
	gw := &scriptedGateway{statusCode: "1"}
	store := storage.NewMemoryStore()
	engine := reconcile.NewEngine(store, gw, *payment.NewStatusMapper(nil), nil, zerolog.Nop())
	srv := New(cfg, engine, gw, store, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without key, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer sekret")
	w = httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 with key, got %d", w.Code)
	}
}
