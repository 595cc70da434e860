package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/pesabridge/server/internal/ledger"
	"github.com/pesabridge/server/internal/payment"
)

// pqUniqueViolation is the PostgreSQL error code for unique constraint violations.
const pqUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL. The embedded status
// history and event log serialize as JSONB columns on the payments row.
type PostgresStore struct {
	db                    *sql.DB
	paymentsTableName     string
	transactionsTableName string
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		// Close errors during failed initialization are not actionable; the
		// original connection failure is what the caller needs.
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresStore{
		db:                    db,
		paymentsTableName:     "payments",
		transactionsTableName: "transactions",
	}

	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// DB exposes the underlying connection handle so callers can apply pool
// settings after construction.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// WithTableNames sets custom table names and ensures they exist.
func (s *PostgresStore) WithTableNames(payments, transactions string) *PostgresStore {
	if payments != "" {
		s.paymentsTableName = payments
	}
	if transactions != "" {
		s.transactionsTableName = transactions
	}
	_ = s.createTables()
	return s
}

// createTables creates the tables if they don't exist. Amounts use NUMERIC
// so stored values round-trip without floating point drift; the compound
// unique constraint on transactions is the duplicate-reference guard.
func (s *PostgresStore) createTables() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			order_id TEXT PRIMARY KEY,
			amount NUMERIC(20, 4) NOT NULL,
			currency TEXT NOT NULL,
			description TEXT NOT NULL,
			status TEXT NOT NULL,
			tracking_id TEXT,
			redirect_url TEXT,
			payment_method TEXT,
			confirmation_code TEXT,
			billing_address JSONB,
			callback_received BOOLEAN NOT NULL DEFAULT FALSE,
			callback_received_at TIMESTAMPTZ,
			webhook_received BOOLEAN NOT NULL DEFAULT FALSE,
			webhook_received_at TIMESTAMPTZ,
			last_status_check TIMESTAMPTZ,
			status_history JSONB NOT NULL DEFAULT '[]',
			events JSONB NOT NULL DEFAULT '[]',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS %s_tracking_id_idx
			ON %s (tracking_id) WHERE tracking_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS %s_status_idx ON %s (status);

		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payment_id TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			amount NUMERIC(20, 4) NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			transaction_reference TEXT NOT NULL DEFAULT '',
			fees NUMERIC(20, 4) NOT NULL DEFAULT 0,
			net_amount NUMERIC(20, 4) NOT NULL,
			processed_at TIMESTAMPTZ,
			settled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			UNIQUE (payment_id, transaction_type, transaction_reference)
		);

		CREATE INDEX IF NOT EXISTS %s_payment_id_idx ON %s (payment_id, created_at);
	`,
		pq.QuoteIdentifier(s.paymentsTableName),
		s.paymentsTableName, pq.QuoteIdentifier(s.paymentsTableName),
		s.paymentsTableName, pq.QuoteIdentifier(s.paymentsTableName),
		pq.QuoteIdentifier(s.transactionsTableName),
		s.transactionsTableName, pq.QuoteIdentifier(s.transactionsTableName),
	)

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && string(pqErr.Code) == pqUniqueViolation
}

type historyColumns struct {
	statusHistory []byte
	events        []byte
}

func marshalHistory(p *payment.Payment) (historyColumns, error) {
	history, err := json.Marshal(p.StatusHistory)
	if err != nil {
		return historyColumns{}, fmt.Errorf("marshal status history: %w", err)
	}
	events, err := json.Marshal(p.Events)
	if err != nil {
		return historyColumns{}, fmt.Errorf("marshal events: %w", err)
	}
	return historyColumns{statusHistory: history, events: events}, nil
}

func marshalBillingAddress(p *payment.Payment) ([]byte, error) {
	if p.BillingAddress == nil {
		return nil, nil
	}
	return json.Marshal(p.BillingAddress)
}

// CreatePayment inserts a new payment row, rejecting duplicate order IDs.
func (s *PostgresStore) CreatePayment(ctx context.Context, p *payment.Payment) error {
	cols, err := marshalHistory(p)
	if err != nil {
		return err
	}
	billing, err := marshalBillingAddress(p)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (
			order_id, amount, currency, description, status,
			tracking_id, redirect_url, payment_method, confirmation_code, billing_address,
			callback_received, callback_received_at, webhook_received, webhook_received_at,
			last_status_check, status_history, events, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`, pq.QuoteIdentifier(s.paymentsTableName))

	_, err = s.db.ExecContext(ctx, query,
		p.OrderID, p.Amount.String(), p.Currency, p.Description, string(p.Status),
		nullString(p.TrackingID), nullString(p.RedirectURL), nullString(p.PaymentMethod), nullString(p.ConfirmationCode), billing,
		p.CallbackReceived, p.CallbackReceivedAt, p.WebhookReceived, p.WebhookReceivedAt,
		p.LastStatusCheck, cols.statusHistory, cols.events, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

const paymentSelectColumns = `
	order_id, amount, currency, description, status,
	tracking_id, redirect_url, payment_method, confirmation_code, billing_address,
	callback_received, callback_received_at, webhook_received, webhook_received_at,
	last_status_check, status_history, events, created_at, updated_at`

func (s *PostgresStore) scanPayment(row interface{ Scan(...any) error }) (*payment.Payment, error) {
	var (
		p              payment.Payment
		amountStr      string
		statusStr      string
		trackingID     sql.NullString
		redirectURL    sql.NullString
		paymentMethod  sql.NullString
		confirmation   sql.NullString
		billingAddress []byte
		statusHistory  []byte
		events         []byte
	)

	err := row.Scan(
		&p.OrderID, &amountStr, &p.Currency, &p.Description, &statusStr,
		&trackingID, &redirectURL, &paymentMethod, &confirmation, &billingAddress,
		&p.CallbackReceived, &p.CallbackReceivedAt, &p.WebhookReceived, &p.WebhookReceivedAt,
		&p.LastStatusCheck, &statusHistory, &events, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", amountStr, err)
	}
	p.Amount = amount
	p.Status = payment.Status(statusStr)
	p.TrackingID = trackingID.String
	p.RedirectURL = redirectURL.String
	p.PaymentMethod = paymentMethod.String
	p.ConfirmationCode = confirmation.String

	if len(billingAddress) > 0 {
		if err := json.Unmarshal(billingAddress, &p.BillingAddress); err != nil {
			return nil, fmt.Errorf("unmarshal billing address: %w", err)
		}
	}
	if err := json.Unmarshal(statusHistory, &p.StatusHistory); err != nil {
		return nil, fmt.Errorf("unmarshal status history: %w", err)
	}
	if err := json.Unmarshal(events, &p.Events); err != nil {
		return nil, fmt.Errorf("unmarshal events: %w", err)
	}
	return &p, nil
}

// GetPayment retrieves a payment by merchant order ID.
func (s *PostgresStore) GetPayment(ctx context.Context, orderID string) (*payment.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE order_id = $1`,
		paymentSelectColumns, pq.QuoteIdentifier(s.paymentsTableName))
	return s.scanPayment(s.db.QueryRowContext(ctx, query, orderID))
}

// GetPaymentByTrackingID retrieves a payment by its gateway tracking ID.
func (s *PostgresStore) GetPaymentByTrackingID(ctx context.Context, trackingID string) (*payment.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE tracking_id = $1`,
		paymentSelectColumns, pq.QuoteIdentifier(s.paymentsTableName))
	return s.scanPayment(s.db.QueryRowContext(ctx, query, trackingID))
}

// SavePayment persists the mutated aggregate.
func (s *PostgresStore) SavePayment(ctx context.Context, p *payment.Payment) error {
	cols, err := marshalHistory(p)
	if err != nil {
		return err
	}
	billing, err := marshalBillingAddress(p)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2, tracking_id = $3, redirect_url = $4, payment_method = $5,
			confirmation_code = $6, billing_address = $7,
			callback_received = $8, callback_received_at = $9,
			webhook_received = $10, webhook_received_at = $11,
			last_status_check = $12, status_history = $13, events = $14, updated_at = $15
		WHERE order_id = $1
	`, pq.QuoteIdentifier(s.paymentsTableName))

	result, err := s.db.ExecContext(ctx, query,
		p.OrderID, string(p.Status), nullString(p.TrackingID), nullString(p.RedirectURL), nullString(p.PaymentMethod),
		nullString(p.ConfirmationCode), billing,
		p.CallbackReceived, p.CallbackReceivedAt,
		p.WebhookReceived, p.WebhookReceivedAt,
		p.LastStatusCheck, cols.statusHistory, cols.events, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPayments returns payments sorted by creation time, newest first.
func (s *PostgresStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*payment.Payment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s`, paymentSelectColumns, pq.QuoteIdentifier(s.paymentsTableName))
	args := []any{}
	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET %d`, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var payments []*payment.Payment
	for rows.Next() {
		p, err := s.scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, rows.Err()
}

// RecordTransaction inserts a ledger record; the unique constraint turns a
// replayed insert into ErrDuplicateReference.
func (s *PostgresStore) RecordTransaction(ctx context.Context, rec ledger.TransactionRecord) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, payment_id, transaction_type, amount, currency, status,
			transaction_reference, fees, net_amount, processed_at, settled_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, pq.QuoteIdentifier(s.transactionsTableName))

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.PaymentID, string(rec.Type), rec.Amount.String(), rec.Currency, rec.Status,
		rec.Reference, rec.Fees.String(), rec.NetAmount.String(), rec.ProcessedAt, rec.SettledAt,
		rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateReference
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// UpdateTransaction mutates only the mutable fields of a ledger record.
func (s *PostgresStore) UpdateTransaction(ctx context.Context, recordID, status string, processedAt, settledAt *time.Time) error {
	query := fmt.Sprintf(`
		UPDATE %s SET
			status = $2,
			processed_at = COALESCE($3, processed_at),
			settled_at = COALESCE($4, settled_at),
			updated_at = $5
		WHERE id = $1
	`, pq.QuoteIdentifier(s.transactionsTableName))

	result, err := s.db.ExecContext(ctx, query, recordID, status, processedAt, settledAt, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTransactions returns a payment's ledger records in creation order.
func (s *PostgresStore) ListTransactions(ctx context.Context, paymentID string) ([]ledger.TransactionRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, payment_id, transaction_type, amount, currency, status,
			transaction_reference, fees, net_amount, processed_at, settled_at,
			created_at, updated_at
		FROM %s WHERE payment_id = $1 ORDER BY created_at ASC
	`, pq.QuoteIdentifier(s.transactionsTableName))

	rows, err := s.db.QueryContext(ctx, query, paymentID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var records []ledger.TransactionRecord
	for rows.Next() {
		var (
			rec       ledger.TransactionRecord
			typeStr   string
			amountStr string
			feesStr   string
			netStr    string
		)
		err := rows.Scan(
			&rec.ID, &rec.PaymentID, &typeStr, &amountStr, &rec.Currency, &rec.Status,
			&rec.Reference, &feesStr, &netStr, &rec.ProcessedAt, &rec.SettledAt,
			&rec.CreatedAt, &rec.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		rec.Type = ledger.TransactionType(typeStr)
		if rec.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse stored amount %q: %w", amountStr, err)
		}
		if rec.Fees, err = decimal.NewFromString(feesStr); err != nil {
			return nil, fmt.Errorf("parse stored fees %q: %w", feesStr, err)
		}
		if rec.NetAmount, err = decimal.NewFromString(netStr); err != nil {
			return nil, fmt.Errorf("parse stored net amount %q: %w", netStr, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Ping verifies the PostgreSQL connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
