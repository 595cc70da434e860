package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payment bridge.
type Metrics struct {
	// Payment metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec

	// Reconciliation metrics
	ReconciliationsTotal *prometheus.CounterVec
	DuplicateNotifsTotal *prometheus.CounterVec

	// Gateway call metrics
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	GatewayErrorsTotal  *prometheus.CounterVec

	// Token metrics
	TokenRefreshesTotal *prometheus.CounterVec

	// Refund metrics
	RefundsTotal *prometheus.CounterVec

	// Ledger metrics
	LedgerRecordsTotal   *prometheus.CounterVec
	LedgerConflictsTotal prometheus.Counter

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Payment metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_payments_total",
				Help: "Total number of payment orders created",
			},
			[]string{"currency"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_payments_success_total",
				Help: "Total number of payments that reached COMPLETED",
			},
			[]string{"currency"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_payments_failed_total",
				Help: "Total number of payments that reached a failed terminal state",
			},
			[]string{"currency", "status"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pesabridge_payment_duration_seconds",
				Help:    "Time from order creation to terminal status (supports p50, p95, p99 percentiles)",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"currency"},
		),

		// Reconciliation metrics
		ReconciliationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_reconciliations_total",
				Help: "Total number of reconciliation runs by trigger source",
			},
			[]string{"source", "outcome"},
		),
		DuplicateNotifsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_duplicate_notifications_total",
				Help: "Total number of notifications that carried no new status",
			},
			[]string{"source"},
		),

		// Gateway call metrics
		GatewayCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_gateway_calls_total",
				Help: "Total number of calls to the payment gateway",
			},
			[]string{"operation"},
		),
		GatewayCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pesabridge_gateway_call_duration_seconds",
				Help:    "Duration of gateway calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"operation"},
		),
		GatewayErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_gateway_errors_total",
				Help: "Total number of gateway call failures by kind",
			},
			[]string{"operation", "kind"},
		),

		// Token metrics
		TokenRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_token_refreshes_total",
				Help: "Total number of bearer token refreshes",
			},
			[]string{"trigger"},
		),

		// Refund metrics
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_refunds_total",
				Help: "Total number of refund requests",
			},
			[]string{"status"},
		),

		// Ledger metrics
		LedgerRecordsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_ledger_records_total",
				Help: "Total number of ledger records written",
			},
			[]string{"transaction_type"},
		),
		LedgerConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "pesabridge_ledger_conflicts_total",
				Help: "Total number of duplicate ledger references rejected",
			},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pesabridge_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type"},
		),
	}
}

// ObservePaymentCreated records a new payment order.
func (m *Metrics) ObservePaymentCreated(currency string) {
	m.PaymentsTotal.WithLabelValues(currency).Inc()
}

// ObservePaymentTerminal records a payment reaching a terminal status.
func (m *Metrics) ObservePaymentTerminal(currency, status string, success bool, age time.Duration) {
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(currency).Inc()
	} else {
		m.PaymentsFailedTotal.WithLabelValues(currency, status).Inc()
	}
	m.PaymentDuration.WithLabelValues(currency).Observe(age.Seconds())
}

// ObserveReconciliation records a reconciliation run and its outcome.
func (m *Metrics) ObserveReconciliation(source, outcome string) {
	m.ReconciliationsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveDuplicateNotification records a notification that produced no status change.
func (m *Metrics) ObserveDuplicateNotification(source string) {
	m.DuplicateNotifsTotal.WithLabelValues(source).Inc()
}

// ObserveGatewayCall records a gateway call and its duration.
func (m *Metrics) ObserveGatewayCall(operation string, duration time.Duration, failureKind string) {
	m.GatewayCallsTotal.WithLabelValues(operation).Inc()
	m.GatewayCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if failureKind != "" {
		m.GatewayErrorsTotal.WithLabelValues(operation, failureKind).Inc()
	}
}

// ObserveTokenRefresh records a bearer token refresh. Trigger is "initial",
// "expiry" (refresh inside the safety margin), or "reactive" (gateway
// rejected a token the cache considered fresh).
func (m *Metrics) ObserveTokenRefresh(trigger string) {
	m.TokenRefreshesTotal.WithLabelValues(trigger).Inc()
}

// ObserveRefund records a refund request outcome.
func (m *Metrics) ObserveRefund(status string) {
	m.RefundsTotal.WithLabelValues(status).Inc()
}

// ObserveLedgerRecord records a ledger write.
func (m *Metrics) ObserveLedgerRecord(transactionType string) {
	m.LedgerRecordsTotal.WithLabelValues(transactionType).Inc()
}

// ObserveLedgerConflict records a rejected duplicate reference.
func (m *Metrics) ObserveLedgerConflict() {
	m.LedgerConflictsTotal.Inc()
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType).Inc()
}
