package errors

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestErrorCode_HTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeMissingField, 400},
		{ErrCodeInvalidAmount, 400},
		{ErrCodeInvalidSignature, 401},
		{ErrCodeOrderNotFound, 404},
		{ErrCodeDuplicateOrder, 409},
		{ErrCodeOrderNotRefundable, 409},
		{ErrCodeOrderAlreadyFinal, 409},
		{ErrCodeAuthenticationFailed, 502},
		{ErrCodeGatewayError, 502},
		{ErrCodeNetworkError, 504},
		{ErrCodeInternalError, 500},
		{ErrorCode("unknown_code"), 500},
	}
	for _, tt := range tests {
		if got := tt.code.HTTPStatus(); got != tt.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestErrorCode_IsRetryable(t *testing.T) {
	if !ErrCodeNetworkError.IsRetryable() {
		t.Error("network_error must be retryable")
	}
	notRetryable := []ErrorCode{
		ErrCodeMissingField,
		ErrCodeDuplicateOrder,
		ErrCodeAuthenticationFailed,
		ErrCodeGatewayError,
		ErrCodeInternalError,
	}
	for _, code := range notRetryable {
		if code.IsRetryable() {
			t.Errorf("%s must not be retryable", code)
		}
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteErrorWithDetail(w, ErrCodeOrderNotFound, "order not found", "order_id", "ORDER-001")

	if w.Code != 404 {
		t.Errorf("Expected 404, got %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Bad response body: %v", err)
	}
	if resp.Error.Code != ErrCodeOrderNotFound {
		t.Errorf("Unexpected code %s", resp.Error.Code)
	}
	if resp.Error.Retryable {
		t.Error("order_not_found must not be retryable")
	}
	if resp.Error.Details["order_id"] != "ORDER-001" {
		t.Errorf("Unexpected details %v", resp.Error.Details)
	}
}
