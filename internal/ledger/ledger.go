package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TypePayment    TransactionType = "PAYMENT"
	TypeRefund     TransactionType = "REFUND"
	TypeChargeback TransactionType = "CHARGEBACK"
	TypeReversal   TransactionType = "REVERSAL"
	TypeFee        TransactionType = "FEE"
	TypeSettlement TransactionType = "SETTLEMENT"
)

// TransactionRecord is one financial event in the ledger. Records are
// created once per financial event; afterwards only Status, ProcessedAt and
// SettledAt may change - never the type, amount, or owning payment.
type TransactionRecord struct {
	ID          string          `json:"id" bson:"_id"`
	PaymentID   string          `json:"payment_id" bson:"payment_id"`
	Type        TransactionType `json:"transaction_type" bson:"transaction_type"`
	Amount      decimal.Decimal `json:"amount" bson:"amount"`
	Currency    string          `json:"currency" bson:"currency"`
	Status      string          `json:"status" bson:"status"`
	Reference   string          `json:"transaction_reference,omitempty" bson:"transaction_reference,omitempty"`
	Fees        decimal.Decimal `json:"fees" bson:"fees"`
	NetAmount   decimal.Decimal `json:"net_amount" bson:"net_amount"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty" bson:"processed_at,omitempty"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" bson:"settled_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at" bson:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" bson:"updated_at"`
}

// NewRecord builds a ledger record with a fresh id and computed net amount.
func NewRecord(paymentID string, txType TransactionType, amount decimal.Decimal, currency, status, reference string, fees decimal.Decimal) TransactionRecord {
	now := time.Now().UTC()
	return TransactionRecord{
		ID:        uuid.NewString(),
		PaymentID: paymentID,
		Type:      txType,
		Amount:    amount,
		Currency:  currency,
		Status:    status,
		Reference: reference,
		Fees:      fees,
		NetAmount: amount.Sub(fees),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Summary aggregates a payment's ledger records by type. The net position
// is payments minus refunds, chargebacks, reversals, and fees.
type Summary struct {
	PaymentID   string                              `json:"payment_id"`
	Count       int                                 `json:"transaction_count"`
	TotalByType map[TransactionType]decimal.Decimal `json:"totals_by_type"`
	Net         decimal.Decimal                     `json:"net"`
}

// Summarize computes totals over records belonging to one payment.
func Summarize(paymentID string, records []TransactionRecord) Summary {
	s := Summary{
		PaymentID:   paymentID,
		TotalByType: make(map[TransactionType]decimal.Decimal),
	}
	for _, rec := range records {
		if rec.PaymentID != paymentID {
			continue
		}
		s.Count++
		s.TotalByType[rec.Type] = s.TotalByType[rec.Type].Add(rec.Amount)
		switch rec.Type {
		case TypePayment, TypeSettlement:
			s.Net = s.Net.Add(rec.Amount)
		case TypeRefund, TypeChargeback, TypeReversal, TypeFee:
			s.Net = s.Net.Sub(rec.Amount)
		}
	}
	return s
}
