package httpserver

import (
	"errors"
	"net/http"

	apierrors "github.com/pesabridge/server/internal/errors"
	"github.com/pesabridge/server/internal/gateway"
	"github.com/pesabridge/server/internal/reconcile"
	"github.com/pesabridge/server/internal/storage"
)

// writeDomainError translates engine, storage, and gateway failures into the
// standard error envelope. Gateway failures keep their classification so
// clients can distinguish a rejection (no retry) from a network error (retry).
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrUnknownOrder), errors.Is(err, storage.ErrNotFound):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotFound, "order not found")
		return
	case errors.Is(err, storage.ErrDuplicateOrder):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDuplicateOrder, "order id already exists")
		return
	case errors.Is(err, storage.ErrDuplicateReference):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeDuplicateReference, "transaction already recorded")
		return
	case errors.Is(err, reconcile.ErrNotSubmitted):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotSubmitted, "order was never submitted to the gateway")
		return
	case errors.Is(err, reconcile.ErrNotRefundable):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderNotRefundable, "only completed payments can be refunded")
		return
	case errors.Is(err, reconcile.ErrAlreadyFinal):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeOrderAlreadyFinal, "payment is already in a terminal state")
		return
	case errors.Is(err, reconcile.ErrRefundExceedsAmount):
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidAmount, "refund amount exceeds payment amount")
		return
	}

	if kind, ok := gateway.KindOf(err); ok {
		switch kind {
		case gateway.FailureValidation:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		case gateway.FailureAuthentication:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeAuthenticationFailed, "gateway authentication failed")
		case gateway.FailureGateway:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeGatewayError, err.Error())
		case gateway.FailureTransport:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeNetworkError, "payment gateway unreachable")
		default:
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
		}
		return
	}

	apierrors.WriteSimpleError(w, apierrors.ErrCodeInternalError, "internal error")
}
