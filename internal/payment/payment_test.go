package payment

import (
	"testing"

	"github.com/shopspring/decimal"
)

func newTestPayment() *Payment {
	return New("ORDER-001", decimal.NewFromInt(1500), "KES", "Test order")
}

func TestNew_InitialState(t *testing.T) {
	p := newTestPayment()

	if p.Status != StatusPending {
		t.Errorf("Expected status PENDING, got %s", p.Status)
	}
	if len(p.StatusHistory) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(p.StatusHistory))
	}
	first := p.StatusHistory[0]
	if first.OldStatus != StatusNone || first.NewStatus != StatusPending {
		t.Errorf("Expected opening entry none->PENDING, got %s->%s", first.OldStatus, first.NewStatus)
	}
	if first.Source != SourceCreation {
		t.Errorf("Expected source CREATION, got %s", first.Source)
	}
	if len(p.Events) != 1 || p.Events[0].Type != EventCreated {
		t.Errorf("Expected a single CREATED event, got %+v", p.Events)
	}
}

func TestSetSubmitted_SetOnce(t *testing.T) {
	p := newTestPayment()

	if err := p.SetSubmitted("track-123", "https://pay.example/redirect"); err != nil {
		t.Fatalf("First submission failed: %v", err)
	}
	if p.TrackingID != "track-123" {
		t.Errorf("Expected tracking ID track-123, got %s", p.TrackingID)
	}

	// Re-applying the same tracking ID is a retry, not a conflict.
	if err := p.SetSubmitted("track-123", "https://pay.example/redirect"); err != nil {
		t.Errorf("Idempotent re-submission should succeed, got %v", err)
	}

	if err := p.SetSubmitted("track-456", ""); err != ErrTrackingIDSet {
		t.Errorf("Expected ErrTrackingIDSet for conflicting tracking ID, got %v", err)
	}
	if p.TrackingID != "track-123" {
		t.Errorf("Tracking ID must not change on rejected submission, got %s", p.TrackingID)
	}
}

func TestAppendStatusChange_Transition(t *testing.T) {
	p := newTestPayment()

	p.AppendStatusChange(StatusCompleted, SourceWebhook, "payment completed", map[string]string{"code": "1"})

	if p.Status != StatusCompleted {
		t.Errorf("Expected status COMPLETED, got %s", p.Status)
	}
	if len(p.StatusHistory) != 2 {
		t.Fatalf("Expected 2 history entries, got %d", len(p.StatusHistory))
	}
	last := p.StatusHistory[1]
	if last.OldStatus != StatusPending || last.NewStatus != StatusCompleted {
		t.Errorf("Expected PENDING->COMPLETED, got %s->%s", last.OldStatus, last.NewStatus)
	}
	if p.Events[len(p.Events)-1].Type != EventStatusUpdatedViaWebhook {
		t.Errorf("Expected STATUS_UPDATED_VIA_WEBHOOK event, got %s", p.Events[len(p.Events)-1].Type)
	}
}

func TestAppendStatusChange_DuplicateNotification(t *testing.T) {
	p := newTestPayment()
	p.AppendStatusChange(StatusCompleted, SourceWebhook, "payment completed", nil)

	historyBefore := len(p.StatusHistory)
	eventsBefore := len(p.Events)

	// Redelivered webhook carrying the same status
	p.AppendStatusChange(StatusCompleted, SourceWebhook, "payment completed", nil)

	if len(p.StatusHistory) != historyBefore {
		t.Errorf("Duplicate notification must not grow history: %d -> %d", historyBefore, len(p.StatusHistory))
	}
	if len(p.Events) != eventsBefore+1 {
		t.Errorf("Duplicate notification must append exactly one event: %d -> %d", eventsBefore, len(p.Events))
	}
	if p.Events[len(p.Events)-1].Type != EventStatusChecked {
		t.Errorf("Expected STATUS_CHECKED event for duplicate, got %s", p.Events[len(p.Events)-1].Type)
	}
}

func TestAppendStatusChange_TerminalDoesNotRegress(t *testing.T) {
	p := newTestPayment()
	p.AppendStatusChange(StatusCompleted, SourceCallback, "payment completed", nil)

	historyBefore := len(p.StatusHistory)

	// Late notification observing a stale PENDING state
	p.AppendStatusChange(StatusPending, SourceWebhook, "pending", nil)

	if p.Status != StatusCompleted {
		t.Errorf("Terminal status must not regress, got %s", p.Status)
	}
	if len(p.StatusHistory) != historyBefore {
		t.Errorf("Regression attempt must not grow history: %d -> %d", historyBefore, len(p.StatusHistory))
	}
}

func TestAppendStatusChange_ManualCheckSameStatus(t *testing.T) {
	p := newTestPayment()
	historyBefore := len(p.StatusHistory)

	// A manual check observing the current status still records a history
	// entry: the operator asked and the answer belongs in the record.
	p.AppendStatusChange(StatusPending, SourceManualCheck, "status check", nil)

	if len(p.StatusHistory) != historyBefore+1 {
		t.Errorf("Manual check should append history, got %d entries", len(p.StatusHistory))
	}
}

func TestMarkCallbackAndWebhookReceived(t *testing.T) {
	p := newTestPayment()

	p.MarkCallbackReceived()
	if !p.CallbackReceived || p.CallbackReceivedAt == nil {
		t.Error("Expected callback flag and timestamp to be set")
	}
	p.MarkWebhookReceived()
	if !p.WebhookReceived || p.WebhookReceivedAt == nil {
		t.Error("Expected webhook flag and timestamp to be set")
	}

	firstAt := *p.CallbackReceivedAt
	p.MarkCallbackReceived()
	if p.CallbackReceivedAt.Before(firstAt) {
		t.Error("Repeat callback should refresh the timestamp")
	}
}

func TestClone_Independence(t *testing.T) {
	p := newTestPayment()
	p.BillingAddress = map[string]string{"email_address": "buyer@example.com"}
	clone := p.Clone()

	clone.AppendStatusChange(StatusFailed, SourceWebhook, "failed", nil)
	clone.BillingAddress["email_address"] = "other@example.com"

	if p.Status != StatusPending {
		t.Errorf("Mutating clone changed original status: %s", p.Status)
	}
	if len(p.StatusHistory) != 1 {
		t.Errorf("Mutating clone changed original history: %d entries", len(p.StatusHistory))
	}
	if p.BillingAddress["email_address"] != "buyer@example.com" {
		t.Error("Mutating clone changed original billing address")
	}
}
