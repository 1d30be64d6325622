package checkout_api

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/mpesa"
)

// WebhookError represents an error that occurred during callback processing
type WebhookError struct {
	Category      string // "validation", "processing"
	StatusCode    int    // HTTP status code
	Ack           models.CallbackAck
	InternalError string // Detailed error for logs only
	OriginalErr   error  // Underlying error
}

func (e *WebhookError) Error() string {
	return e.InternalError
}

func (e *WebhookError) Unwrap() error {
	return e.OriginalErr
}

// processCallback stores the callback and classifies any failure. Malformed
// bodies are acknowledged with 200 since a Daraja retry cannot fix them;
// storage failures answer 500 so the delivery can be retried.
func (h *Handler) processCallback(r *http.Request) (models.CallbackAck, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return mpesa.AckFailed, &WebhookError{
			Category:      "validation",
			StatusCode:    http.StatusOK,
			Ack:           mpesa.AckFailed,
			InternalError: fmt.Sprintf("Failed to read callback payload: %v", err),
			OriginalErr:   err,
		}
	}

	ack, err := h.Gateway.HandleCallback(r.Context(), raw)
	if err == nil {
		return ack, nil
	}
	if errors.Is(err, checkout.ErrCallbackNotStored) {
		return ack, &WebhookError{
			Category:      "processing",
			StatusCode:    http.StatusInternalServerError,
			Ack:           ack,
			InternalError: err.Error(),
			OriginalErr:   err,
		}
	}
	return ack, &WebhookError{
		Category:      "validation",
		StatusCode:    http.StatusOK,
		Ack:           ack,
		InternalError: fmt.Sprintf("%v (body %d bytes)", err, len(raw)),
		OriginalErr:   err,
	}
}

// MpesaCallback receives STK and C2B confirmations from Daraja. It always
// answers with the acknowledgement body Daraja expects.
func (h *Handler) MpesaCallback(w http.ResponseWriter, r *http.Request) {
	h.Logger.Info("API", "MpesaCallback: received callback")

	ack, err := h.processCallback(r)
	if err != nil {
		var webhookErr *WebhookError
		if errors.As(err, &webhookErr) {
			h.Logger.Error("API", fmt.Sprintf("MpesaCallback: category=%s, status=%d: %s",
				webhookErr.Category, webhookErr.StatusCode, webhookErr.InternalError))
			h.respond(w, "MpesaCallback", webhookErr.StatusCode, webhookErr.Ack)
			return
		}
		h.respond(w, "MpesaCallback", http.StatusOK, mpesa.AckFailed)
		return
	}

	h.respond(w, "MpesaCallback", http.StatusOK, ack)
}
