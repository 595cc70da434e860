package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewRecord(t *testing.T) {
	rec := NewRecord("ORDER-001", TypePayment, decimal.NewFromInt(1000), "KES", "PENDING", "track-1", decimal.NewFromInt(30))

	if rec.ID == "" {
		t.Error("Expected a generated record ID")
	}
	if !rec.NetAmount.Equal(decimal.NewFromInt(970)) {
		t.Errorf("Expected net amount 970, got %s", rec.NetAmount)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Error("Expected timestamps to be set")
	}
}

func TestSummarize(t *testing.T) {
	records := []TransactionRecord{
		NewRecord("ORDER-001", TypePayment, decimal.NewFromInt(1000), "KES", "COMPLETED", "track-1", decimal.Zero),
		NewRecord("ORDER-001", TypeRefund, decimal.NewFromInt(300), "KES", "COMPLETED", "conf-1", decimal.Zero),
		NewRecord("ORDER-001", TypeFee, decimal.NewFromInt(30), "KES", "COMPLETED", "fee-1", decimal.Zero),
		NewRecord("ORDER-OTHER", TypePayment, decimal.NewFromInt(9999), "KES", "COMPLETED", "track-2", decimal.Zero),
	}

	s := Summarize("ORDER-001", records)

	if s.Count != 3 {
		t.Errorf("Expected 3 records counted, got %d", s.Count)
	}
	if !s.Net.Equal(decimal.NewFromInt(670)) {
		t.Errorf("Expected net 670, got %s", s.Net)
	}
	if !s.TotalByType[TypeRefund].Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected refund total 300, got %s", s.TotalByType[TypeRefund])
	}
}

func TestSummarize_Empty(t *testing.T) {
	s := Summarize("ORDER-001", nil)
	if s.Count != 0 || !s.Net.Equal(decimal.Zero) {
		t.Errorf("Expected empty summary, got %+v", s)
	}
}
