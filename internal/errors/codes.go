package errors

// ErrorCode represents a machine-readable error identifier for client error handling.
type ErrorCode string

// Validation Errors (Request input validation)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidAmount ErrorCode = "invalid_amount"
)

// Authorization Errors (Inbound request authentication)
const (
	ErrCodeInvalidSignature ErrorCode = "invalid_signature"
)

// Resource/State Errors (Resource not found or in wrong state)
const (
	ErrCodeOrderNotFound ErrorCode = "order_not_found"

	ErrCodeDuplicateOrder     ErrorCode = "duplicate_order"
	ErrCodeDuplicateReference ErrorCode = "duplicate_transaction_reference"
	ErrCodeOrderNotSubmitted  ErrorCode = "order_not_submitted"
	ErrCodeOrderNotRefundable ErrorCode = "order_not_refundable"
	ErrCodeOrderAlreadyFinal  ErrorCode = "order_already_final"
)

// External Service Errors (gateway, network)
const (
	ErrCodeAuthenticationFailed ErrorCode = "authentication_failed"
	ErrCodeGatewayError         ErrorCode = "gateway_error"
	ErrCodeNetworkError         ErrorCode = "network_error"
)

// Internal/System Errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	// Network errors are retryable; the reconciliation operations behind
	// them are idempotent.
	case ErrCodeNetworkError:
		return true

	// Validation, state, and permanent failures are NOT retryable
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - Client validation errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount:
		return 400

	// 401 Unauthorized - Inbound request failed authentication
	case ErrCodeInvalidSignature:
		return 401

	// 404 Not Found - Resource not found
	case ErrCodeOrderNotFound:
		return 404

	// 409 Conflict - State conflicts and idempotence rejections
	case ErrCodeDuplicateOrder,
		ErrCodeDuplicateReference,
		ErrCodeOrderNotSubmitted,
		ErrCodeOrderNotRefundable,
		ErrCodeOrderAlreadyFinal:
		return 409

	// 502 Bad Gateway - the payment gateway rejected or misbehaved
	case ErrCodeAuthenticationFailed,
		ErrCodeGatewayError:
		return 502

	// 504 Gateway Timeout - the gateway was unreachable
	case ErrCodeNetworkError:
		return 504

	// 500 Internal Server Error - System/internal errors
	default:
		return 500
	}
}
