package payment

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ChangeSource identifies where a status transition originated.
type ChangeSource string

const (
	SourceCreation    ChangeSource = "CREATION"
	SourceCallback    ChangeSource = "CALLBACK"
	SourceWebhook     ChangeSource = "WEBHOOK"
	SourceManualCheck ChangeSource = "MANUAL_CHECK"
)

// EventType enumerates the audit events appended to a payment.
type EventType string

const (
	EventCreated                 EventType = "CREATED"
	EventSubmitted               EventType = "SUBMITTED"
	EventCallbackReceived        EventType = "CALLBACK_RECEIVED"
	EventWebhookReceived         EventType = "WEBHOOK_RECEIVED"
	EventStatusChecked           EventType = "STATUS_CHECKED"
	EventStatusUpdatedViaWebhook EventType = "STATUS_UPDATED_VIA_WEBHOOK"
)

// ErrTrackingIDSet is returned when a second submission tries to overwrite
// a gateway tracking ID that was already assigned.
var ErrTrackingIDSet = errors.New("payment: tracking id already set")

// StatusChange is one entry in a payment's append-only status history.
// Entries are immutable once appended.
type StatusChange struct {
	OldStatus Status            `json:"old_status" bson:"old_status"`
	NewStatus Status            `json:"new_status" bson:"new_status"`
	Source    ChangeSource      `json:"source" bson:"source"`
	Reason    string            `json:"reason,omitempty" bson:"reason,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty" bson:"metadata,omitempty"`
	At        time.Time         `json:"at" bson:"at"`
}

// Event is one entry in a payment's append-only event log. Unlike status
// changes, events are appended for every observation, including repeats
// carrying no new information.
type Event struct {
	Type   EventType    `json:"type" bson:"type"`
	Status Status       `json:"status" bson:"status"`
	Source ChangeSource `json:"source" bson:"source"`
	At     time.Time    `json:"at" bson:"at"`
}

// Payment is the authoritative record for one merchant order. It is created
// exactly once, mutated only through its methods, and never deleted - it is
// retained indefinitely as the audit record for the order.
//
// OrderID and TrackingID are immutable after being set. StatusHistory and
// Events only ever grow; Status always equals the NewStatus of the last
// history entry.
type Payment struct {
	OrderID          string            `json:"order_id" bson:"_id"`
	Amount           decimal.Decimal   `json:"amount" bson:"amount"`
	Currency         string            `json:"currency" bson:"currency"`
	Description      string            `json:"description" bson:"description"`
	Status           Status            `json:"status" bson:"status"`
	TrackingID       string            `json:"tracking_id,omitempty" bson:"tracking_id,omitempty"`
	RedirectURL      string            `json:"redirect_url,omitempty" bson:"redirect_url,omitempty"`
	PaymentMethod    string            `json:"payment_method,omitempty" bson:"payment_method,omitempty"`
	ConfirmationCode string            `json:"confirmation_code,omitempty" bson:"confirmation_code,omitempty"`
	BillingAddress   map[string]string `json:"billing_address,omitempty" bson:"billing_address,omitempty"`

	CallbackReceived   bool       `json:"callback_received" bson:"callback_received"`
	CallbackReceivedAt *time.Time `json:"callback_received_at,omitempty" bson:"callback_received_at,omitempty"`
	WebhookReceived    bool       `json:"webhook_received" bson:"webhook_received"`
	WebhookReceivedAt  *time.Time `json:"webhook_received_at,omitempty" bson:"webhook_received_at,omitempty"`
	LastStatusCheck    *time.Time `json:"last_status_check,omitempty" bson:"last_status_check,omitempty"`

	StatusHistory []StatusChange `json:"status_history" bson:"status_history"`
	Events        []Event        `json:"events" bson:"events"`

	CreatedAt time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt time.Time `json:"updated_at" bson:"updated_at"`
}

// New creates a payment in its initial state: status PENDING, one CREATED
// event, and an opening none->PENDING history entry.
func New(orderID string, amount decimal.Decimal, currency, description string) *Payment {
	now := time.Now().UTC()
	p := &Payment{
		OrderID:     orderID,
		Amount:      amount,
		Currency:    currency,
		Description: description,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	p.StatusHistory = append(p.StatusHistory, StatusChange{
		OldStatus: StatusNone,
		NewStatus: StatusPending,
		Source:    SourceCreation,
		Reason:    "payment created",
		At:        now,
	})
	p.Events = append(p.Events, Event{
		Type:   EventCreated,
		Status: StatusPending,
		Source: SourceCreation,
		At:     now,
	})
	return p
}

// SetSubmitted records the gateway's response to order submission. The
// tracking ID is set exactly once; a second submission attempt is rejected.
func (p *Payment) SetSubmitted(trackingID, redirectURL string) error {
	if p.TrackingID != "" && p.TrackingID != trackingID {
		return ErrTrackingIDSet
	}
	now := time.Now().UTC()
	p.TrackingID = trackingID
	p.RedirectURL = redirectURL
	p.Events = append(p.Events, Event{
		Type:   EventSubmitted,
		Status: p.Status,
		Source: SourceCreation,
		At:     now,
	})
	p.UpdatedAt = now
	return nil
}

// AppendStatusChange applies a status transition. The old status is computed
// from current state and the new status plus a matching event are appended
// in one step, so history and current status never diverge.
//
// Duplicate-delivery rule: when the incoming status equals the current one
// and the source is a gateway notification (callback or webhook), no history
// entry is appended - only a STATUS_CHECKED event, keeping the audit trail
// while making repeated notifications idempotent.
func (p *Payment) AppendStatusChange(newStatus Status, source ChangeSource, reason string, metadata map[string]string) {
	now := time.Now().UTC()
	p.UpdatedAt = now

	fromNotification := source == SourceCallback || source == SourceWebhook
	if newStatus == p.Status && fromNotification {
		p.Events = append(p.Events, Event{
			Type:   EventStatusChecked,
			Status: p.Status,
			Source: source,
			At:     now,
		})
		return
	}

	// Terminal states do not regress to PENDING through automatic
	// reconciliation; a late or replayed notification is recorded as an
	// event only.
	if p.Status.IsTerminal() && newStatus == StatusPending && fromNotification {
		p.Events = append(p.Events, Event{
			Type:   EventStatusChecked,
			Status: p.Status,
			Source: source,
			At:     now,
		})
		return
	}

	p.StatusHistory = append(p.StatusHistory, StatusChange{
		OldStatus: p.Status,
		NewStatus: newStatus,
		Source:    source,
		Reason:    reason,
		Metadata:  metadata,
		At:        now,
	})
	p.Status = newStatus

	eventType := EventStatusChecked
	if source == SourceWebhook {
		eventType = EventStatusUpdatedViaWebhook
	}
	p.Events = append(p.Events, Event{
		Type:   eventType,
		Status: newStatus,
		Source: source,
		At:     now,
	})
}

// MarkCallbackReceived flags the synchronous redirect notification. The flag
// is set once; repeats refresh the timestamp only.
func (p *Payment) MarkCallbackReceived() {
	now := time.Now().UTC()
	p.CallbackReceived = true
	p.CallbackReceivedAt = &now
	p.Events = append(p.Events, Event{
		Type:   EventCallbackReceived,
		Status: p.Status,
		Source: SourceCallback,
		At:     now,
	})
	p.UpdatedAt = now
}

// MarkWebhookReceived flags the out-of-band IPN notification. The flag is
// set once; repeats refresh the timestamp only.
func (p *Payment) MarkWebhookReceived() {
	now := time.Now().UTC()
	p.WebhookReceived = true
	p.WebhookReceivedAt = &now
	p.Events = append(p.Events, Event{
		Type:   EventWebhookReceived,
		Status: p.Status,
		Source: SourceWebhook,
		At:     now,
	})
	p.UpdatedAt = now
}

// MarkStatusChecked records the time of an authoritative status fetch.
func (p *Payment) MarkStatusChecked() {
	now := time.Now().UTC()
	p.LastStatusCheck = &now
	p.UpdatedAt = now
}

// Clone returns a deep copy so callers can hand payments across goroutine
// boundaries without exposing the mutable history slices.
func (p *Payment) Clone() *Payment {
	clone := *p
	clone.StatusHistory = append([]StatusChange(nil), p.StatusHistory...)
	clone.Events = append([]Event(nil), p.Events...)
	if p.BillingAddress != nil {
		clone.BillingAddress = make(map[string]string, len(p.BillingAddress))
		for k, v := range p.BillingAddress {
			clone.BillingAddress[k] = v
		}
	}
	if p.CallbackReceivedAt != nil {
		t := *p.CallbackReceivedAt
		clone.CallbackReceivedAt = &t
	}
	if p.WebhookReceivedAt != nil {
		t := *p.WebhookReceivedAt
		clone.WebhookReceivedAt = &t
	}
	if p.LastStatusCheck != nil {
		t := *p.LastStatusCheck
		clone.LastStatusCheck = &t
	}
	return &clone
}
