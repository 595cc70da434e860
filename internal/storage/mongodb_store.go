package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pesabridge/server/internal/ledger"
	"github.com/pesabridge/server/internal/payment"
)

const mongoQueryTimeout = 5 * time.Second

// MongoDBStore implements Store using MongoDB. One document per payment
// (history and events embedded), one document per ledger record.
type MongoDBStore struct {
	client       *mongo.Client
	payments     *mongo.Collection
	transactions *mongo.Collection
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(connectionString, database string) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		// Disconnect errors during failed initialization are not actionable;
		// the original connection failure is what the caller needs.
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	db := client.Database(database)
	store := &MongoDBStore{
		client:       client,
		payments:     db.Collection("payments"),
		transactions: db.Collection("transactions"),
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// createIndexes creates the lookup indexes both notification paths need.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	// Payments: _id is the order ID (automatically unique); tracking_id gets
	// its own index because webhooks arrive keyed by it. Sparse because the
	// tracking ID is only set after submission.
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "tracking_id", Value: 1}}, Options: options.Index().SetUnique(true).SetSparse(true)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create payments indexes: %w", err)
	}

	// Transactions: the compound unique index is the duplicate-reference
	// guard that makes ledger writes idempotent under retries.
	_, err = s.transactions.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "payment_id", Value: 1},
				{Key: "transaction_type", Value: 1},
				{Key: "transaction_reference", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "payment_id", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create transactions indexes: %w", err)
	}
	return nil
}

func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, mongoQueryTimeout)
}

// paymentDoc is the MongoDB shape of a payment. Amounts travel as strings so
// the stored value round-trips without floating point drift.
type paymentDoc struct {
	OrderID          string            `bson:"_id"`
	Amount           string            `bson:"amount"`
	Currency         string            `bson:"currency"`
	Description      string            `bson:"description"`
	Status           string            `bson:"status"`
	TrackingID       string            `bson:"tracking_id,omitempty"`
	RedirectURL      string            `bson:"redirect_url,omitempty"`
	PaymentMethod    string            `bson:"payment_method,omitempty"`
	ConfirmationCode string            `bson:"confirmation_code,omitempty"`
	BillingAddress   map[string]string `bson:"billing_address,omitempty"`

	CallbackReceived   bool       `bson:"callback_received"`
	CallbackReceivedAt *time.Time `bson:"callback_received_at,omitempty"`
	WebhookReceived    bool       `bson:"webhook_received"`
	WebhookReceivedAt  *time.Time `bson:"webhook_received_at,omitempty"`
	LastStatusCheck    *time.Time `bson:"last_status_check,omitempty"`

	StatusHistory []statusChangeDoc `bson:"status_history"`
	Events        []eventDoc        `bson:"events"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type statusChangeDoc struct {
	OldStatus string            `bson:"old_status"`
	NewStatus string            `bson:"new_status"`
	Source    string            `bson:"source"`
	Reason    string            `bson:"reason,omitempty"`
	Metadata  map[string]string `bson:"metadata,omitempty"`
	At        time.Time         `bson:"at"`
}

type eventDoc struct {
	Type   string    `bson:"type"`
	Status string    `bson:"status"`
	Source string    `bson:"source"`
	At     time.Time `bson:"at"`
}

type transactionDoc struct {
	ID          string     `bson:"_id"`
	PaymentID   string     `bson:"payment_id"`
	Type        string     `bson:"transaction_type"`
	Amount      string     `bson:"amount"`
	Currency    string     `bson:"currency"`
	Status      string     `bson:"status"`
	Reference   string     `bson:"transaction_reference"`
	Fees        string     `bson:"fees"`
	NetAmount   string     `bson:"net_amount"`
	ProcessedAt *time.Time `bson:"processed_at,omitempty"`
	SettledAt   *time.Time `bson:"settled_at,omitempty"`
	CreatedAt   time.Time  `bson:"created_at"`
	UpdatedAt   time.Time  `bson:"updated_at"`
}

func toPaymentDoc(p *payment.Payment) paymentDoc {
	doc := paymentDoc{
		OrderID:            p.OrderID,
		Amount:             p.Amount.String(),
		Currency:           p.Currency,
		Description:        p.Description,
		Status:             string(p.Status),
		TrackingID:         p.TrackingID,
		RedirectURL:        p.RedirectURL,
		PaymentMethod:      p.PaymentMethod,
		ConfirmationCode:   p.ConfirmationCode,
		BillingAddress:     p.BillingAddress,
		CallbackReceived:   p.CallbackReceived,
		CallbackReceivedAt: p.CallbackReceivedAt,
		WebhookReceived:    p.WebhookReceived,
		WebhookReceivedAt:  p.WebhookReceivedAt,
		LastStatusCheck:    p.LastStatusCheck,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	}
	for _, sc := range p.StatusHistory {
		doc.StatusHistory = append(doc.StatusHistory, statusChangeDoc{
			OldStatus: string(sc.OldStatus),
			NewStatus: string(sc.NewStatus),
			Source:    string(sc.Source),
			Reason:    sc.Reason,
			Metadata:  sc.Metadata,
			At:        sc.At,
		})
	}
	for _, ev := range p.Events {
		doc.Events = append(doc.Events, eventDoc{
			Type:   string(ev.Type),
			Status: string(ev.Status),
			Source: string(ev.Source),
			At:     ev.At,
		})
	}
	return doc
}

func fromPaymentDoc(doc paymentDoc) (*payment.Payment, error) {
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return nil, fmt.Errorf("parse stored amount %q: %w", doc.Amount, err)
	}
	p := &payment.Payment{
		OrderID:            doc.OrderID,
		Amount:             amount,
		Currency:           doc.Currency,
		Description:        doc.Description,
		Status:             payment.Status(doc.Status),
		TrackingID:         doc.TrackingID,
		RedirectURL:        doc.RedirectURL,
		PaymentMethod:      doc.PaymentMethod,
		ConfirmationCode:   doc.ConfirmationCode,
		BillingAddress:     doc.BillingAddress,
		CallbackReceived:   doc.CallbackReceived,
		CallbackReceivedAt: doc.CallbackReceivedAt,
		WebhookReceived:    doc.WebhookReceived,
		WebhookReceivedAt:  doc.WebhookReceivedAt,
		LastStatusCheck:    doc.LastStatusCheck,
		CreatedAt:          doc.CreatedAt,
		UpdatedAt:          doc.UpdatedAt,
	}
	for _, sc := range doc.StatusHistory {
		p.StatusHistory = append(p.StatusHistory, payment.StatusChange{
			OldStatus: payment.Status(sc.OldStatus),
			NewStatus: payment.Status(sc.NewStatus),
			Source:    payment.ChangeSource(sc.Source),
			Reason:    sc.Reason,
			Metadata:  sc.Metadata,
			At:        sc.At,
		})
	}
	for _, ev := range doc.Events {
		p.Events = append(p.Events, payment.Event{
			Type:   payment.EventType(ev.Type),
			Status: payment.Status(ev.Status),
			Source: payment.ChangeSource(ev.Source),
			At:     ev.At,
		})
	}
	return p, nil
}

func toTransactionDoc(rec ledger.TransactionRecord) transactionDoc {
	return transactionDoc{
		ID:          rec.ID,
		PaymentID:   rec.PaymentID,
		Type:        string(rec.Type),
		Amount:      rec.Amount.String(),
		Currency:    rec.Currency,
		Status:      rec.Status,
		Reference:   rec.Reference,
		Fees:        rec.Fees.String(),
		NetAmount:   rec.NetAmount.String(),
		ProcessedAt: rec.ProcessedAt,
		SettledAt:   rec.SettledAt,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func fromTransactionDoc(doc transactionDoc) (ledger.TransactionRecord, error) {
	amount, err := decimal.NewFromString(doc.Amount)
	if err != nil {
		return ledger.TransactionRecord{}, fmt.Errorf("parse stored amount %q: %w", doc.Amount, err)
	}
	fees, err := decimal.NewFromString(doc.Fees)
	if err != nil {
		return ledger.TransactionRecord{}, fmt.Errorf("parse stored fees %q: %w", doc.Fees, err)
	}
	net, err := decimal.NewFromString(doc.NetAmount)
	if err != nil {
		return ledger.TransactionRecord{}, fmt.Errorf("parse stored net amount %q: %w", doc.NetAmount, err)
	}
	return ledger.TransactionRecord{
		ID:          doc.ID,
		PaymentID:   doc.PaymentID,
		Type:        ledger.TransactionType(doc.Type),
		Amount:      amount,
		Currency:    doc.Currency,
		Status:      doc.Status,
		Reference:   doc.Reference,
		Fees:        fees,
		NetAmount:   net,
		ProcessedAt: doc.ProcessedAt,
		SettledAt:   doc.SettledAt,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// CreatePayment inserts a new payment document, rejecting duplicate order IDs.
func (s *MongoDBStore) CreatePayment(ctx context.Context, p *payment.Payment) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.payments.InsertOne(ctx, toPaymentDoc(p))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateOrder
	}
	return err
}

// GetPayment retrieves a payment by merchant order ID.
func (s *MongoDBStore) GetPayment(ctx context.Context, orderID string) (*payment.Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc paymentDoc
	err := s.payments.FindOne(ctx, bson.M{"_id": orderID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPaymentDoc(doc)
}

// GetPaymentByTrackingID retrieves a payment by its gateway tracking ID.
func (s *MongoDBStore) GetPaymentByTrackingID(ctx context.Context, trackingID string) (*payment.Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc paymentDoc
	err := s.payments.FindOne(ctx, bson.M{"tracking_id": trackingID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return fromPaymentDoc(doc)
}

// SavePayment replaces the stored document with the mutated aggregate.
func (s *MongoDBStore) SavePayment(ctx context.Context, p *payment.Payment) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.payments.ReplaceOne(ctx, bson.M{"_id": p.OrderID}, toPaymentDoc(p))
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPayments returns payments sorted by creation time, newest first.
func (s *MongoDBStore) ListPayments(ctx context.Context, filter PaymentFilter) ([]*payment.Payment, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := bson.M{}
	if filter.Status != "" {
		query["status"] = filter.Status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}

	cursor, err := s.payments.Find(ctx, query, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var payments []*payment.Payment
	for cursor.Next(ctx) {
		var doc paymentDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		p, err := fromPaymentDoc(doc)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, cursor.Err()
}

// RecordTransaction inserts a ledger record; the compound unique index
// turns a replayed insert into ErrDuplicateReference.
func (s *MongoDBStore) RecordTransaction(ctx context.Context, rec ledger.TransactionRecord) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.transactions.InsertOne(ctx, toTransactionDoc(rec))
	if mongo.IsDuplicateKeyError(err) {
		return ErrDuplicateReference
	}
	return err
}

// UpdateTransaction mutates only the mutable fields of a ledger record.
func (s *MongoDBStore) UpdateTransaction(ctx context.Context, recordID, status string, processedAt, settledAt *time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	set := bson.M{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if processedAt != nil {
		set["processed_at"] = *processedAt
	}
	if settledAt != nil {
		set["settled_at"] = *settledAt
	}

	result, err := s.transactions.UpdateOne(ctx, bson.M{"_id": recordID}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// ListTransactions returns a payment's ledger records in creation order.
func (s *MongoDBStore) ListTransactions(ctx context.Context, paymentID string) ([]ledger.TransactionRecord, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.transactions.Find(ctx, bson.M{"payment_id": paymentID}, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var records []ledger.TransactionRecord
	for cursor.Next(ctx) {
		var doc transactionDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		rec, err := fromTransactionDoc(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, cursor.Err()
}

// Ping verifies the MongoDB connection.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects from MongoDB.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
