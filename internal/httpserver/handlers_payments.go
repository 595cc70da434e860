package httpserver

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	apierrors "github.com/pesabridge/server/internal/errors"
	"github.com/pesabridge/server/internal/logger"
	"github.com/pesabridge/server/internal/reconcile"
	"github.com/pesabridge/server/internal/storage"
	"github.com/pesabridge/server/pkg/responders"
)

type createPaymentRequest struct {
	OrderID        string            `json:"order_id"`
	Amount         decimal.Decimal   `json:"amount"`
	Currency       string            `json:"currency"`
	Description    string            `json:"description"`
	BillingAddress map[string]string `json:"billing_address,omitempty"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// createPayment creates the payment aggregate and submits the order to the
// gateway. Responds 201 with the aggregate including the redirect URL.
func (h handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	if req.OrderID == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "order_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "amount must be positive")
		return
	}
	if req.Currency == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "currency is required")
		return
	}

	p, err := h.engine.CreateAndSubmit(r.Context(), reconcile.CreateRequest{
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Description:    req.Description,
		BillingAddress: req.BillingAddress,
	})
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Str("order_id", req.OrderID).Msg("payment.create_failed")
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusCreated, p)
}

// getPayment returns the payment aggregate and its ledger records.
func (h handlers) getPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	view, err := h.engine.GetPayment(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, view)
}

// listPayments pages payments, optionally filtered by status.
func (h handlers) listPayments(w http.ResponseWriter, r *http.Request) {
	filter := storage.PaymentFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 || limit > 500 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "limit must be between 1 and 500")
			return
		}
		filter.Limit = limit
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil || offset < 0 {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "offset must be non-negative")
			return
		}
		filter.Offset = offset
	}

	payments, err := h.engine.ListPayments(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"payments": payments,
		"count":    len(payments),
		"offset":   filter.Offset,
		"limit":    filter.Limit,
	})
}

// checkStatus triggers an on-demand reconciliation against the gateway.
func (h handlers) checkStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	view, err := h.engine.CheckStatus(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, view)
}

// paymentSummary returns the ledger totals for one payment.
func (h handlers) paymentSummary(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	summary, err := h.engine.Summary(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, summary)
}

// refundPayment requests a refund for a completed payment. The body is
// optional; an empty or absent amount refunds the full payment.
func (h handlers) refundPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	var req refundRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
			return
		}
	}
	if req.Amount != nil && !req.Amount.IsPositive() {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "refund amount must be positive")
		return
	}

	view, err := h.engine.Refund(r.Context(), orderID, req.Amount, req.Reason)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).Str("order_id", orderID).Msg("payment.refund_failed")
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, view)
}

// cancelPayment asks the gateway to cancel a pending order.
func (h handlers) cancelPayment(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")

	resp, err := h.engine.Cancel(r.Context(), orderID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, resp)
}
