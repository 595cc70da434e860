package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesabridge/server/internal/ledger"
	"github.com/pesabridge/server/internal/payment"
)

func TestMemoryStore_CreateAndGetPayment(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := payment.New("ORDER-001", decimal.NewFromInt(2500), "KES", "Test")
	if err := store.CreatePayment(ctx, p); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}

	got, err := store.GetPayment(ctx, "ORDER-001")
	if err != nil {
		t.Fatalf("GetPayment failed: %v", err)
	}
	if got.OrderID != "ORDER-001" || got.Status != payment.StatusPending {
		t.Errorf("Unexpected payment: %+v", got)
	}

	// Stored copy must be isolated from caller mutations
	p.AppendStatusChange(payment.StatusFailed, payment.SourceWebhook, "failed", nil)
	got, _ = store.GetPayment(ctx, "ORDER-001")
	if got.Status != payment.StatusPending {
		t.Errorf("Store returned caller-mutated state: %s", got.Status)
	}
}

func TestMemoryStore_DuplicateOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := payment.New("ORDER-001", decimal.NewFromInt(100), "KES", "")
	if err := store.CreatePayment(ctx, p); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if err := store.CreatePayment(ctx, payment.New("ORDER-001", decimal.NewFromInt(200), "KES", "")); err != ErrDuplicateOrder {
		t.Errorf("Expected ErrDuplicateOrder, got %v", err)
	}
}

func TestMemoryStore_GetPaymentByTrackingID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	p := payment.New("ORDER-001", decimal.NewFromInt(100), "KES", "")
	if err := store.CreatePayment(ctx, p); err != nil {
		t.Fatalf("CreatePayment failed: %v", err)
	}
	if _, err := store.GetPaymentByTrackingID(ctx, "track-1"); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound before submission, got %v", err)
	}

	if err := p.SetSubmitted("track-1", ""); err != nil {
		t.Fatalf("SetSubmitted failed: %v", err)
	}
	if err := store.SavePayment(ctx, p); err != nil {
		t.Fatalf("SavePayment failed: %v", err)
	}

	got, err := store.GetPaymentByTrackingID(ctx, "track-1")
	if err != nil {
		t.Fatalf("GetPaymentByTrackingID failed: %v", err)
	}
	if got.OrderID != "ORDER-001" {
		t.Errorf("Expected ORDER-001, got %s", got.OrderID)
	}
}

func TestMemoryStore_SavePayment_UnknownOrder(t *testing.T) {
	store := NewMemoryStore()
	p := payment.New("ORDER-X", decimal.NewFromInt(100), "KES", "")

	if err := store.SavePayment(context.Background(), p); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for unsaved order, got %v", err)
	}
}

func TestMemoryStore_ListPayments(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		p := payment.New(fmt.Sprintf("ORDER-%03d", i), decimal.NewFromInt(100), "KES", "")
		if i%2 == 0 {
			p.AppendStatusChange(payment.StatusCompleted, payment.SourceWebhook, "done", nil)
		}
		if err := store.CreatePayment(ctx, p); err != nil {
			t.Fatalf("CreatePayment %d failed: %v", i, err)
		}
		time.Sleep(time.Millisecond)
	}

	all, err := store.ListPayments(ctx, PaymentFilter{})
	if err != nil {
		t.Fatalf("ListPayments failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("Expected 5 payments, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].CreatedAt.After(all[i-1].CreatedAt) {
			t.Error("Expected newest-first ordering")
		}
	}

	completed, _ := store.ListPayments(ctx, PaymentFilter{Status: "COMPLETED"})
	if len(completed) != 3 {
		t.Errorf("Expected 3 completed payments, got %d", len(completed))
	}

	page, _ := store.ListPayments(ctx, PaymentFilter{Offset: 3, Limit: 10})
	if len(page) != 2 {
		t.Errorf("Expected 2 payments after offset 3, got %d", len(page))
	}
	limited, _ := store.ListPayments(ctx, PaymentFilter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("Expected limit 2 to return 2, got %d", len(limited))
	}
	empty, _ := store.ListPayments(ctx, PaymentFilter{Offset: 100})
	if len(empty) != 0 {
		t.Errorf("Expected empty page past the end, got %d", len(empty))
	}
}

func TestMemoryStore_RecordTransaction_DuplicateReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := ledger.NewRecord("ORDER-001", ledger.TypePayment, decimal.NewFromInt(100), "KES", "PENDING", "track-1", decimal.Zero)
	if err := store.RecordTransaction(ctx, rec); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	// Same (payment, type, reference) tuple with a new record ID
	dup := ledger.NewRecord("ORDER-001", ledger.TypePayment, decimal.NewFromInt(100), "KES", "PENDING", "track-1", decimal.Zero)
	if err := store.RecordTransaction(ctx, dup); err != ErrDuplicateReference {
		t.Errorf("Expected ErrDuplicateReference, got %v", err)
	}

	// Different type with the same reference is a distinct financial event
	refund := ledger.NewRecord("ORDER-001", ledger.TypeRefund, decimal.NewFromInt(50), "KES", "PENDING", "track-1", decimal.Zero)
	if err := store.RecordTransaction(ctx, refund); err != nil {
		t.Errorf("Refund with same reference should record, got %v", err)
	}

	records, err := store.ListTransactions(ctx, "ORDER-001")
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("Expected 2 records, got %d", len(records))
	}
}

func TestMemoryStore_UpdateTransaction(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	rec := ledger.NewRecord("ORDER-001", ledger.TypePayment, decimal.NewFromInt(100), "KES", "PENDING", "track-1", decimal.Zero)
	if err := store.RecordTransaction(ctx, rec); err != nil {
		t.Fatalf("RecordTransaction failed: %v", err)
	}

	now := time.Now().UTC()
	if err := store.UpdateTransaction(ctx, rec.ID, "COMPLETED", &now, &now); err != nil {
		t.Fatalf("UpdateTransaction failed: %v", err)
	}

	records, _ := store.ListTransactions(ctx, "ORDER-001")
	if records[0].Status != "COMPLETED" {
		t.Errorf("Expected status COMPLETED, got %s", records[0].Status)
	}
	if records[0].ProcessedAt == nil || records[0].SettledAt == nil {
		t.Error("Expected processed and settled timestamps to be set")
	}

	if err := store.UpdateTransaction(ctx, "missing-id", "COMPLETED", nil, nil); err != ErrNotFound {
		t.Errorf("Expected ErrNotFound for unknown record, got %v", err)
	}
}
