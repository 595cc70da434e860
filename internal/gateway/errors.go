package gateway

import (
	"errors"
	"fmt"

	"github.com/pesabridge/server/internal/token"
)

// FailureKind classifies gateway client failures. The taxonomy decides
// retry policy: transport failures are safe to retry because the core
// operations are idempotent, gateway rejections are not.
type FailureKind string

const (
	// FailureValidation - malformed input rejected before or by the gateway.
	FailureValidation FailureKind = "validation"
	// FailureAuthentication - unrecoverable auth error (already retried once
	// with a fresh token inside the client).
	FailureAuthentication FailureKind = "authentication"
	// FailureGateway - the gateway rejected the request; the remote error
	// payload is attached.
	FailureGateway FailureKind = "gateway"
	// FailureTransport - network-level error or timeout; no remote side
	// effects are assumed.
	FailureTransport FailureKind = "transport"
)

// Error is the gateway client's uniform failure value.
type Error struct {
	Kind       FailureKind
	Operation  string
	StatusCode int
	Message    string
	Payload    map[string]any // gateway error body, when one was returned
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("gateway: %s: %s failure (status %d): %s", e.Operation, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s failure: %s", e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the failure kind from an error chain. Token manager auth
// errors count as authentication failures; anything unrecognized maps to
// transport so callers err on the retryable side only for genuinely
// unclassified network-ish errors.
func KindOf(err error) (FailureKind, bool) {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind, true
	}
	var authErr *token.AuthError
	if errors.As(err, &authErr) {
		return FailureAuthentication, true
	}
	return "", false
}

// IsKind reports whether err carries the given failure kind.
func IsKind(err error, kind FailureKind) bool {
	got, ok := KindOf(err)
	return ok && got == kind
}
