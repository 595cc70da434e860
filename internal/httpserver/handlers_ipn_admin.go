package httpserver

import (
	"net/http"

	apierrors "github.com/pesabridge/server/internal/errors"
	"github.com/pesabridge/server/pkg/responders"
)

type registerIPNRequest struct {
	URL              string `json:"url"`
	NotificationType string `json:"notification_type"`
}

// registerIPN registers a new notification URL at the gateway.
func (h handlers) registerIPN(w http.ResponseWriter, r *http.Request) {
	var req registerIPNRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeInvalidField, "invalid request body: "+err.Error())
		return
	}
	if req.URL == "" {
		apierrors.WriteSimpleError(w, apierrors.ErrCodeMissingField, "url is required")
		return
	}
	if req.NotificationType == "" {
		req.NotificationType = http.MethodGet
	}

	registration, err := h.ipn.RegisterIPN(r.Context(), req.URL, req.NotificationType)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusCreated, registration)
}

// listIPNs lists the notification URLs registered for the merchant.
func (h handlers) listIPNs(w http.ResponseWriter, r *http.Request) {
	registrations, err := h.ipn.ListIPNs(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	responders.JSON(w, http.StatusOK, map[string]any{
		"registrations": registrations,
		"count":         len(registrations),
	})
}
