package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apierrors "github.com/pesabridge/server/internal/errors"
	"github.com/pesabridge/server/internal/logger"
	"github.com/pesabridge/server/internal/reconcile"
	"github.com/pesabridge/server/pkg/responders"
)

// ipnNotification carries the identifying fields of a gateway notification.
// GET deliveries put them in the query string, POST deliveries in a JSON
// body; field names follow the gateway's casing.
type ipnNotification struct {
	OrderTrackingID   string
	MerchantReference string
	NotificationType  string
}

// ipnAck is the acknowledgement the gateway expects back. Status 200 tells
// the gateway to stop retrying; 500 asks for redelivery.
type ipnAck struct {
	OrderNotificationType  string `json:"orderNotificationType"`
	OrderTrackingID        string `json:"orderTrackingId"`
	OrderMerchantReference string `json:"orderMerchantReference"`
	Status                 int    `json:"status"`
}

// handleCallback processes the browser redirect after checkout. The redirect
// parameters only identify the order; the engine fetches the authoritative
// status before answering.
func (h handlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	trackingID := r.URL.Query().Get("OrderTrackingId")
	merchantReference := r.URL.Query().Get("OrderMerchantReference")
	if trackingID == "" && merchantReference == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "OrderTrackingId or OrderMerchantReference is required")
		return
	}

	view, err := h.engine.HandleCallback(r.Context(), trackingID, merchantReference)
	if err != nil {
		log := logger.FromContext(r.Context())
		log.Warn().Err(err).
			Str("tracking_id", trackingID).
			Str("merchant_reference", merchantReference).
			Msg("callback.failed")
		writeDomainError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, view)
}

// handleIPN processes the out-of-band payment notification. The gateway
// delivers it as GET with query parameters or POST with a JSON body,
// depending on how the IPN was registered. A lookup or persistence failure
// is answered with a failed ack so the gateway redelivers and the miss is
// visible on its side too.
func (h handlers) handleIPN(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	notif, fields, err := h.decodeIPN(r)
	if err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, err.Error())
		return
	}

	if h.verifier != nil {
		sig, err := h.verifier.ExtractSignature(r)
		if err != nil {
			apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, err.Error())
			return
		}
		if err := h.verifier.Verify(fields, sig); err != nil {
			log.Warn().
				Str("tracking_id", notif.OrderTrackingID).
				Str("merchant_reference", notif.MerchantReference).
				Msg("ipn.signature_rejected")
			apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidSignature, "notification signature verification failed")
			return
		}
	}

	if notif.OrderTrackingID == "" && notif.MerchantReference == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "OrderTrackingId or OrderMerchantReference is required")
		return
	}

	ack := ipnAck{
		OrderNotificationType:  notif.NotificationType,
		OrderTrackingID:        notif.OrderTrackingID,
		OrderMerchantReference: notif.MerchantReference,
	}
	if ack.OrderNotificationType == "" {
		ack.OrderNotificationType = "IPNCHANGE"
	}

	_, err = h.engine.HandleWebhook(r.Context(), notif.OrderTrackingID, notif.MerchantReference)
	switch {
	case err == nil:
		ack.Status = http.StatusOK
		responders.JSON(w, http.StatusOK, ack)
	case errors.Is(err, reconcile.ErrUnknownOrder):
		log.Warn().
			Str("tracking_id", notif.OrderTrackingID).
			Str("merchant_reference", notif.MerchantReference).
			Msg("ipn.unknown_order")
		ack.Status = http.StatusInternalServerError
		responders.JSON(w, http.StatusInternalServerError, ack)
	default:
		// Transient failure: answer 500 so the gateway redelivers.
		log.Error().Err(err).
			Str("tracking_id", notif.OrderTrackingID).
			Msg("ipn.reconcile_failed")
		ack.Status = http.StatusInternalServerError
		responders.JSON(w, http.StatusInternalServerError, ack)
	}
}

// decodeIPN extracts the notification fields from either delivery shape.
// The returned map holds every delivered field except the signature itself
// and is the input to signature verification.
func (h handlers) decodeIPN(r *http.Request) (ipnNotification, map[string]string, error) {
	fields := make(map[string]string)

	if r.Method == http.MethodPost && r.ContentLength != 0 {
		defer r.Body.Close()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return ipnNotification{}, nil, errors.New("read notification body: " + err.Error())
		}
		var parsed map[string]any
		if err := json.Unmarshal(body, &parsed); err != nil {
			return ipnNotification{}, nil, errors.New("invalid notification body: " + err.Error())
		}
		for k, v := range parsed {
			if v == nil {
				continue
			}
			fields[k] = fmt.Sprint(v)
		}
	} else {
		for k, vals := range r.URL.Query() {
			if len(vals) > 0 {
				fields[k] = vals[0]
			}
		}
	}

	// The signature never covers itself.
	delete(fields, "signature")

	return ipnNotification{
		OrderTrackingID:   fields["OrderTrackingId"],
		MerchantReference: fields["OrderMerchantReference"],
		NotificationType:  fields["OrderNotificationType"],
	}, fields, nil
}
