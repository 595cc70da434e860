package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// SubmitOrderRequest is the draft sent to the gateway's SubmitOrderRequest
// endpoint. ID is the merchant order reference; NotificationID is the
// registered IPN the gateway will notify.
type SubmitOrderRequest struct {
	ID              string            `json:"id"`
	Currency        string            `json:"currency"`
	Amount          decimal.Decimal   `json:"amount"`
	Description     string            `json:"description"`
	CallbackURL     string            `json:"callback_url"`
	CancellationURL string            `json:"cancellation_url,omitempty"`
	NotificationID  string            `json:"notification_id"`
	BillingAddress  map[string]string `json:"billing_address,omitempty"`
}

// SubmitOrderResponse carries the gateway-assigned tracking ID and the URL
// the payer is redirected to.
type SubmitOrderResponse struct {
	TrackingID        string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
	Status            string `json:"status"`
	Message           string `json:"message,omitempty"`
}

// StatusResponse is the authoritative transaction state fetched from the
// gateway. StatusCode is the opaque code the reconciliation engine maps;
// the raw response fields ride along for the audit trail.
type StatusResponse struct {
	TrackingID        string          `json:"order_tracking_id"`
	MerchantReference string          `json:"merchant_reference"`
	StatusCode        json.Number     `json:"status_code"`
	StatusDescription string          `json:"payment_status_description"`
	PaymentMethod     string          `json:"payment_method"`
	PaymentAccount    string          `json:"payment_account"`
	ConfirmationCode  string          `json:"confirmation_code"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	CreatedDate       string          `json:"created_date"`
	Message           string          `json:"message,omitempty"`

	// Raw is the unmodified gateway response, recorded as status change
	// metadata so the audit trail preserves exactly what the gateway said.
	Raw map[string]string `json:"-"`
}

// RefundRequest asks the gateway to return funds for a completed payment,
// keyed by the confirmation code from the original transaction. A nil
// Amount requests a full refund.
type RefundRequest struct {
	ConfirmationCode string
	Amount           *decimal.Decimal
	Currency         string
	Reason           string
	Username         string
}

// RefundResponse reports the gateway's decision on a refund request.
type RefundResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// CancelResponse reports the gateway's decision on an order cancellation.
type CancelResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// IPNRegistration is a registered notification endpoint at the gateway.
type IPNRegistration struct {
	NotificationID   string `json:"ipn_id"`
	URL              string `json:"url"`
	NotificationType string `json:"ipn_notification_type_description"`
	Status           string `json:"ipn_status_description,omitempty"`
	CreatedDate      string `json:"created_date,omitempty"`
}
