// Package reconcile drives payment state from gateway notifications. A
// notification is only ever a trigger: the engine always fetches the
// authoritative status from the gateway before mutating the aggregate, so
// spoofed or stale notification parameters cannot corrupt payment state.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/server/internal/gateway"
	"github.com/pesabridge/server/internal/ledger"
	"github.com/pesabridge/server/internal/metrics"
	"github.com/pesabridge/server/internal/payment"
	"github.com/pesabridge/server/internal/storage"
)

// ErrUnknownOrder is returned when a notification or query references an
// order this service never created.
var ErrUnknownOrder = errors.New("reconcile: unknown order")

// ErrNotSubmitted is returned when an operation needs a gateway tracking ID
// the payment does not have yet.
var ErrNotSubmitted = errors.New("reconcile: payment not submitted to gateway")

// ErrNotRefundable is returned when a refund is requested for a payment
// that never completed.
var ErrNotRefundable = errors.New("reconcile: payment not refundable")

// ErrAlreadyFinal is returned when a cancellation targets a payment already
// in a terminal state.
var ErrAlreadyFinal = errors.New("reconcile: payment already in a terminal state")

// ErrRefundExceedsAmount is returned when a partial refund asks for more
// than the payment amount.
var ErrRefundExceedsAmount = errors.New("reconcile: refund amount exceeds payment amount")

// GatewayAPI is the slice of the gateway client the engine depends on.
type GatewayAPI interface {
	SubmitOrder(ctx context.Context, req gateway.SubmitOrderRequest) (*gateway.SubmitOrderResponse, error)
	GetTransactionStatus(ctx context.Context, trackingID, merchantReference string) (*gateway.StatusResponse, error)
	Refund(ctx context.Context, req gateway.RefundRequest) (*gateway.RefundResponse, error)
	CancelOrder(ctx context.Context, trackingID string) (*gateway.CancelResponse, error)
}

// CreateRequest describes a new payment order.
type CreateRequest struct {
	OrderID        string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	BillingAddress map[string]string
}

// ReconciledView is the result of a reconciliation run: the payment after
// the authoritative status was applied, plus its ledger records.
type ReconciledView struct {
	Payment      *payment.Payment           `json:"payment"`
	Transactions []ledger.TransactionRecord `json:"transactions"`
}

// Engine owns the load-mutate-save cycle for payment aggregates. All writes
// to a payment happen under that order's lock, so concurrent notifications
// for the same order serialize instead of clobbering each other.
type Engine struct {
	store   storage.Store
	gateway GatewayAPI
	mapper  payment.StatusMapper
	metrics *metrics.Metrics
	logger  zerolog.Logger
	locks   *orderLocks
}

// NewEngine wires the reconciliation engine. The metrics collector may be nil.
func NewEngine(store storage.Store, gw GatewayAPI, mapper payment.StatusMapper, metricsCollector *metrics.Metrics, logger zerolog.Logger) *Engine {
	return &Engine{
		store:   store,
		gateway: gw,
		mapper:  mapper,
		metrics: metricsCollector,
		logger:  logger,
		locks:   newOrderLocks(),
	}
}

// CreateAndSubmit creates the payment aggregate, submits the order to the
// gateway, and opens the PAYMENT ledger record keyed by the tracking ID.
// A reused order ID fails with storage.ErrDuplicateOrder before anything is
// sent to the gateway.
func (e *Engine) CreateAndSubmit(ctx context.Context, req CreateRequest) (*payment.Payment, error) {
	if req.OrderID == "" {
		return nil, fmt.Errorf("reconcile: order id is required")
	}

	release := e.locks.lock(req.OrderID)
	defer release()

	p := payment.New(req.OrderID, req.Amount, req.Currency, req.Description)
	p.BillingAddress = req.BillingAddress

	if err := e.store.CreatePayment(ctx, p); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ObservePaymentCreated(req.Currency)
	}

	resp, err := e.gateway.SubmitOrder(ctx, gateway.SubmitOrderRequest{
		ID:             req.OrderID,
		Currency:       req.Currency,
		Amount:         req.Amount,
		Description:    req.Description,
		BillingAddress: req.BillingAddress,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("order_id", req.OrderID).Msg("reconcile.submit_failed")
		return nil, err
	}

	if err := p.SetSubmitted(resp.TrackingID, resp.RedirectURL); err != nil {
		return nil, err
	}
	if err := e.store.SavePayment(ctx, p); err != nil {
		return nil, err
	}

	rec := ledger.NewRecord(req.OrderID, ledger.TypePayment, req.Amount, req.Currency, string(payment.StatusPending), resp.TrackingID, decimal.Zero)
	if err := e.recordTransaction(ctx, rec); err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("order_id", req.OrderID).
		Str("tracking_id", resp.TrackingID).
		Msg("reconcile.payment_created")
	return p.Clone(), nil
}

// HandleCallback processes the synchronous browser redirect notification.
// The callback parameters only identify the order; status comes from the
// gateway's status endpoint.
func (e *Engine) HandleCallback(ctx context.Context, trackingID, merchantReference string) (*ReconciledView, error) {
	return e.reconcileNotification(ctx, payment.SourceCallback, trackingID, merchantReference)
}

// HandleWebhook processes the out-of-band IPN notification. Semantics match
// HandleCallback; only the recorded source differs.
func (e *Engine) HandleWebhook(ctx context.Context, trackingID, merchantReference string) (*ReconciledView, error) {
	return e.reconcileNotification(ctx, payment.SourceWebhook, trackingID, merchantReference)
}

func (e *Engine) reconcileNotification(ctx context.Context, source payment.ChangeSource, trackingID, merchantReference string) (*ReconciledView, error) {
	sourceLabel := sourceLabel(source)

	p, err := e.resolvePayment(ctx, trackingID, merchantReference)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ObserveReconciliation(sourceLabel, "unknown_order")
		}
		return nil, err
	}

	release := e.locks.lock(p.OrderID)
	defer release()

	// Reload under the lock; the copy resolved above may be stale.
	p, err = e.store.GetPayment(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}

	switch source {
	case payment.SourceCallback:
		p.MarkCallbackReceived()
	case payment.SourceWebhook:
		p.MarkWebhookReceived()
	}

	view, err := e.applyGatewayStatus(ctx, p, source)
	if err != nil {
		// The notification receipt is still part of the record even when
		// the status fetch failed.
		if saveErr := e.store.SavePayment(ctx, p); saveErr != nil {
			e.logger.Error().Err(saveErr).Str("order_id", p.OrderID).Msg("reconcile.save_failed")
		}
		if e.metrics != nil {
			e.metrics.ObserveReconciliation(sourceLabel, "gateway_error")
		}
		return nil, err
	}
	return view, nil
}

// CheckStatus fetches the authoritative status on demand, outside any
// notification. Used for polling orders whose notifications went missing.
func (e *Engine) CheckStatus(ctx context.Context, orderID string) (*ReconciledView, error) {
	release := e.locks.lock(orderID)
	defer release()

	p, err := e.store.GetPayment(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}

	view, err := e.applyGatewayStatus(ctx, p, payment.SourceManualCheck)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ObserveReconciliation("manual_check", "gateway_error")
		}
		return nil, err
	}
	return view, nil
}

// applyGatewayStatus runs one reconciliation pass: fetch the authoritative
// status, apply it to the aggregate, sync the PAYMENT ledger record, and
// persist. Caller must hold the order lock.
func (e *Engine) applyGatewayStatus(ctx context.Context, p *payment.Payment, source payment.ChangeSource) (*ReconciledView, error) {
	if p.TrackingID == "" {
		return nil, ErrNotSubmitted
	}
	sourceLabel := sourceLabel(source)

	status, err := e.gateway.GetTransactionStatus(ctx, p.TrackingID, p.OrderID)
	if err != nil {
		e.logger.Error().Err(err).
			Str("order_id", p.OrderID).
			Str("source", sourceLabel).
			Msg("reconcile.status_fetch_failed")
		return nil, err
	}

	previous := p.Status
	historyLen := len(p.StatusHistory)

	newStatus := e.mapper.Map(status.StatusCode.String())
	p.AppendStatusChange(newStatus, source, status.StatusDescription, status.Raw)
	p.MarkStatusChecked()
	if status.PaymentMethod != "" {
		p.PaymentMethod = status.PaymentMethod
	}
	if status.ConfirmationCode != "" {
		p.ConfirmationCode = status.ConfirmationCode
	}

	changed := len(p.StatusHistory) > historyLen
	if err := e.syncPaymentRecord(ctx, p); err != nil {
		return nil, err
	}
	if err := e.store.SavePayment(ctx, p); err != nil {
		return nil, err
	}

	if e.metrics != nil {
		if changed {
			e.metrics.ObserveReconciliation(sourceLabel, "status_changed")
		} else {
			e.metrics.ObserveReconciliation(sourceLabel, "no_change")
			if source == payment.SourceCallback || source == payment.SourceWebhook {
				e.metrics.ObserveDuplicateNotification(sourceLabel)
			}
		}
		if changed && p.Status.IsTerminal() && !previous.IsTerminal() {
			e.metrics.ObservePaymentTerminal(p.Currency, string(p.Status), p.Status == payment.StatusCompleted, time.Since(p.CreatedAt))
		}
	}

	e.logger.Info().
		Str("order_id", p.OrderID).
		Str("source", sourceLabel).
		Str("old_status", string(previous)).
		Str("new_status", string(p.Status)).
		Bool("changed", changed).
		Msg("reconcile.status_applied")

	transactions, err := e.store.ListTransactions(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	return &ReconciledView{Payment: p.Clone(), Transactions: transactions}, nil
}

// syncPaymentRecord mirrors the payment's status onto its PAYMENT ledger
// record. COMPLETED stamps both processed and settled times; other terminal
// states stamp processed only.
func (e *Engine) syncPaymentRecord(ctx context.Context, p *payment.Payment) error {
	records, err := e.store.ListTransactions(ctx, p.OrderID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, rec := range records {
		if rec.Type != ledger.TypePayment || rec.Reference != p.TrackingID {
			continue
		}
		var processedAt, settledAt *time.Time
		if p.Status.IsTerminal() {
			processedAt = &now
		}
		if p.Status == payment.StatusCompleted {
			settledAt = &now
		}
		if err := e.store.UpdateTransaction(ctx, rec.ID, string(p.Status), processedAt, settledAt); err != nil {
			return err
		}
	}
	return nil
}

// Refund requests a refund for a completed payment and opens the REFUND
// ledger record. A nil amount refunds the full payment amount. The refund
// is keyed by the payment's confirmation code, so a retried request dedupes
// on storage.ErrDuplicateReference instead of double-refunding.
func (e *Engine) Refund(ctx context.Context, orderID string, amount *decimal.Decimal, reason string) (*ReconciledView, error) {
	release := e.locks.lock(orderID)
	defer release()

	p, err := e.store.GetPayment(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}
	if p.Status != payment.StatusCompleted {
		return nil, ErrNotRefundable
	}
	if p.ConfirmationCode == "" {
		return nil, fmt.Errorf("reconcile: payment %s has no confirmation code", orderID)
	}

	refundAmount := p.Amount
	if amount != nil {
		if amount.GreaterThan(p.Amount) {
			return nil, ErrRefundExceedsAmount
		}
		refundAmount = *amount
	}

	resp, err := e.gateway.Refund(ctx, gateway.RefundRequest{
		ConfirmationCode: p.ConfirmationCode,
		Amount:           amount,
		Currency:         p.Currency,
		Reason:           reason,
	})
	if err != nil {
		if e.metrics != nil {
			e.metrics.ObserveRefund("error")
		}
		return nil, err
	}

	rec := ledger.NewRecord(orderID, ledger.TypeRefund, refundAmount, p.Currency, resp.Status, p.ConfirmationCode, decimal.Zero)
	if err := e.recordTransaction(ctx, rec); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.ObserveRefund(resp.Status)
	}

	e.logger.Info().
		Str("order_id", orderID).
		Str("amount", refundAmount.String()).
		Str("status", resp.Status).
		Msg("reconcile.refund_requested")

	transactions, err := e.store.ListTransactions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &ReconciledView{Payment: p.Clone(), Transactions: transactions}, nil
}

// Cancel asks the gateway to cancel a pending order. Terminal payments
// cannot be cancelled. The resulting status flows back through the normal
// notification path rather than being assumed here.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*gateway.CancelResponse, error) {
	release := e.locks.lock(orderID)
	defer release()

	p, err := e.store.GetPayment(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}
	if p.TrackingID == "" {
		return nil, ErrNotSubmitted
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: payment %s is %s", ErrAlreadyFinal, orderID, p.Status)
	}

	resp, err := e.gateway.CancelOrder(ctx, p.TrackingID)
	if err != nil {
		return nil, err
	}

	e.logger.Info().
		Str("order_id", orderID).
		Str("status", resp.Status).
		Msg("reconcile.cancel_requested")
	return resp, nil
}

// GetPayment returns the current aggregate and its ledger records.
func (e *Engine) GetPayment(ctx context.Context, orderID string) (*ReconciledView, error) {
	p, err := e.store.GetPayment(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownOrder
		}
		return nil, err
	}
	transactions, err := e.store.ListTransactions(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &ReconciledView{Payment: p, Transactions: transactions}, nil
}

// ListPayments pages payments, optionally filtered by status.
func (e *Engine) ListPayments(ctx context.Context, filter storage.PaymentFilter) ([]*payment.Payment, error) {
	return e.store.ListPayments(ctx, filter)
}

// Summary aggregates a payment's ledger records by transaction type.
func (e *Engine) Summary(ctx context.Context, orderID string) (ledger.Summary, error) {
	if _, err := e.store.GetPayment(ctx, orderID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ledger.Summary{}, ErrUnknownOrder
		}
		return ledger.Summary{}, err
	}
	records, err := e.store.ListTransactions(ctx, orderID)
	if err != nil {
		return ledger.Summary{}, err
	}
	return ledger.Summarize(orderID, records), nil
}

// resolvePayment finds the aggregate for a notification, by merchant
// reference first, then by tracking ID.
func (e *Engine) resolvePayment(ctx context.Context, trackingID, merchantReference string) (*payment.Payment, error) {
	if merchantReference != "" {
		p, err := e.store.GetPayment(ctx, merchantReference)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	if trackingID != "" {
		p, err := e.store.GetPaymentByTrackingID(ctx, trackingID)
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	e.logger.Warn().
		Str("tracking_id", trackingID).
		Str("merchant_reference", merchantReference).
		Msg("reconcile.unknown_order")
	return nil, ErrUnknownOrder
}

func (e *Engine) recordTransaction(ctx context.Context, rec ledger.TransactionRecord) error {
	err := e.store.RecordTransaction(ctx, rec)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateReference) && e.metrics != nil {
			e.metrics.ObserveLedgerConflict()
		}
		return err
	}
	if e.metrics != nil {
		e.metrics.ObserveLedgerRecord(string(rec.Type))
	}
	return nil
}

func sourceLabel(source payment.ChangeSource) string {
	switch source {
	case payment.SourceCallback:
		return "callback"
	case payment.SourceWebhook:
		return "webhook"
	case payment.SourceManualCheck:
		return "manual_check"
	default:
		return "unknown"
	}
}
