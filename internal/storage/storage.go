package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pesabridge/server/internal/ledger"
	"github.com/pesabridge/server/internal/payment"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrDuplicateOrder is returned when a payment is created with an order ID
// that already exists. Order creation is idempotent-guarded, not last-write-wins.
var ErrDuplicateOrder = errors.New("storage: duplicate order id")

// ErrDuplicateReference is returned when a ledger record with an identical
// (payment_id, type, reference) tuple already exists. This makes record
// creation safe to retry.
var ErrDuplicateReference = errors.New("storage: duplicate transaction reference")

// Store captures the persistence requirements for payments and the ledger.
//
// Payments serialize as one document per order with the status history and
// event log embedded; ledger records are independent documents referencing
// the payment by order ID.
type Store interface {
	// Payment aggregate operations
	CreatePayment(ctx context.Context, p *payment.Payment) error
	GetPayment(ctx context.Context, orderID string) (*payment.Payment, error)
	GetPaymentByTrackingID(ctx context.Context, trackingID string) (*payment.Payment, error)
	// SavePayment persists the full aggregate after mutation. Callers must
	// hold the order-level reconciliation lock; the store does not merge
	// concurrent writes to the same order.
	SavePayment(ctx context.Context, p *payment.Payment) error
	ListPayments(ctx context.Context, filter PaymentFilter) ([]*payment.Payment, error)

	// Ledger operations
	// RecordTransaction fails with ErrDuplicateReference when a record with
	// the same (payment_id, type, reference) tuple exists.
	RecordTransaction(ctx context.Context, rec ledger.TransactionRecord) error
	UpdateTransaction(ctx context.Context, recordID, status string, processedAt, settledAt *time.Time) error
	ListTransactions(ctx context.Context, paymentID string) ([]ledger.TransactionRecord, error)

	// Ping verifies backend connectivity for readiness probes.
	Ping(ctx context.Context) error

	Close() error
}

// PaymentFilter narrows and pages ListPayments results.
type PaymentFilter struct {
	Status string
	Offset int
	Limit  int
}

// Config holds storage backend configuration.
type Config struct {
	Backend         string // "memory", "postgres", or "mongodb"
	PostgresURL     string
	MongoDBURL      string
	MongoDBDatabase string

	// Table names for Postgres, collection names for MongoDB
	PaymentsTableName     string // Default: "payments"
	TransactionsTableName string // Default: "transactions"
}

// NewStore creates a Store based on the provided configuration. With no
// explicit backend, configuration decides: postgres > mongodb > memory.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "":
		if cfg.PostgresURL != "" {
			store, err := NewPostgresStore(cfg.PostgresURL)
			if err != nil {
				return nil, err
			}
			return store.WithTableNames(cfg.PaymentsTableName, cfg.TransactionsTableName), nil
		}
		if cfg.MongoDBURL != "" {
			if cfg.MongoDBDatabase == "" {
				cfg.MongoDBDatabase = "pesabridge"
			}
			return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
		}
		// No persistence configured - fall back to memory. The audit trail
		// does not survive restarts on this backend.
		return NewMemoryStore(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		store, err := NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		return store.WithTableNames(cfg.PaymentsTableName, cfg.TransactionsTableName), nil
	case "mongodb":
		if cfg.MongoDBURL == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_url")
		}
		if cfg.MongoDBDatabase == "" {
			return nil, fmt.Errorf("mongodb backend requires mongodb_database")
		}
		return NewMongoDBStore(cfg.MongoDBURL, cfg.MongoDBDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// MemoryStore is an in-memory Store implementation suitable for tests and
// single-instance development deployments.
type MemoryStore struct {
	mu                   sync.RWMutex
	payments             map[string]*payment.Payment // orderID -> payment
	paymentsByTrackingID map[string]string           // trackingID -> orderID (secondary index)
	transactions         map[string]ledger.TransactionRecord
	transactionOrder     []string                       // record IDs in creation order
	transactionRefs      map[transactionRefKey]struct{} // duplicate-reference guard
}

type transactionRefKey struct {
	paymentID string
	txType    ledger.TransactionType
	reference string
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:             make(map[string]*payment.Payment),
		paymentsByTrackingID: make(map[string]string),
		transactions:         make(map[string]ledger.TransactionRecord),
		transactionRefs:      make(map[transactionRefKey]struct{}),
	}
}

// CreatePayment stores a new payment, rejecting duplicate order IDs.
func (m *MemoryStore) CreatePayment(_ context.Context, p *payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.OrderID]; exists {
		return ErrDuplicateOrder
	}
	m.payments[p.OrderID] = p.Clone()
	if p.TrackingID != "" {
		m.paymentsByTrackingID[p.TrackingID] = p.OrderID
	}
	return nil
}

// GetPayment retrieves a payment by merchant order ID.
func (m *MemoryStore) GetPayment(_ context.Context, orderID string) (*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.payments[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// GetPaymentByTrackingID retrieves a payment by its gateway tracking ID.
func (m *MemoryStore) GetPaymentByTrackingID(_ context.Context, trackingID string) (*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	orderID, ok := m.paymentsByTrackingID[trackingID]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := m.payments[orderID]
	if !ok {
		// Index out of sync (should never happen, but handle gracefully)
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// SavePayment persists the mutated aggregate.
func (m *MemoryStore) SavePayment(_ context.Context, p *payment.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.payments[p.OrderID]; !exists {
		return ErrNotFound
	}
	m.payments[p.OrderID] = p.Clone()
	if p.TrackingID != "" {
		m.paymentsByTrackingID[p.TrackingID] = p.OrderID
	}
	return nil
}

// ListPayments returns payments sorted by creation time, newest first.
func (m *MemoryStore) ListPayments(_ context.Context, filter PaymentFilter) ([]*payment.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matched := make([]*payment.Payment, 0, len(m.payments))
	for _, p := range m.payments {
		if filter.Status != "" && string(p.Status) != filter.Status {
			continue
		}
		matched = append(matched, p.Clone())
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}

// RecordTransaction appends a ledger record, enforcing the duplicate
// reference guard.
func (m *MemoryStore) RecordTransaction(_ context.Context, rec ledger.TransactionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := transactionRefKey{paymentID: rec.PaymentID, txType: rec.Type, reference: rec.Reference}
	if _, exists := m.transactionRefs[key]; exists {
		return ErrDuplicateReference
	}
	m.transactions[rec.ID] = rec
	m.transactionOrder = append(m.transactionOrder, rec.ID)
	m.transactionRefs[key] = struct{}{}
	return nil
}

// UpdateTransaction mutates only the mutable fields of a ledger record.
func (m *MemoryStore) UpdateTransaction(_ context.Context, recordID, status string, processedAt, settledAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.transactions[recordID]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if processedAt != nil {
		rec.ProcessedAt = processedAt
	}
	if settledAt != nil {
		rec.SettledAt = settledAt
	}
	rec.UpdatedAt = time.Now().UTC()
	m.transactions[recordID] = rec
	return nil
}

// ListTransactions returns a payment's ledger records in creation order.
func (m *MemoryStore) ListTransactions(_ context.Context, paymentID string) ([]ledger.TransactionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var records []ledger.TransactionRecord
	for _, id := range m.transactionOrder {
		rec := m.transactions[id]
		if rec.PaymentID == paymentID {
			records = append(records, rec)
		}
	}
	return records, nil
}

// Ping always succeeds for the memory backend.
func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}

// Close is a no-op for the memory backend.
func (m *MemoryStore) Close() error {
	return nil
}
