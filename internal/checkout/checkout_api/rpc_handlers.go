package checkout_api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"ms-mpesa/internal/models"
	"ms-mpesa/internal/mpesa"
	"ms-mpesa/internal/utils"
)

func (h *Handler) StkPush(w http.ResponseWriter, r *http.Request) {
	var req models.StkPushRequest
	if !h.decode(w, r, "StkPush", &req) {
		return
	}
	h.Logger.Info("API", fmt.Sprintf("StkPush: ref=%s amount=%s", req.OrderReference, req.Amount.StringFixed(2)))

	res, err := h.Gateway.InitiatePush(r.Context(), req)
	if err != nil {
		// The terminal shows the message and the operator decides what next.
		if !errors.Is(err, mpesa.ErrNotConfigured) {
			h.Logger.Error("API", fmt.Sprintf("StkPush: %v", err))
		}
		res = models.StkPushResult{Success: false, Message: err.Error()}
	}
	h.respond(w, "StkPush", http.StatusOK, res)
}

func (h *Handler) CheckStatus(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if !h.decode(w, r, "CheckStatus", &req) {
		return
	}
	if strings.TrimSpace(req.CheckoutRequestID) == "" {
		h.respond(w, "CheckStatus", http.StatusBadRequest, utils.ErrorResponse("checkout_request_id is required", ""))
		return
	}

	res, err := h.Gateway.CheckStatus(r.Context(), req.CheckoutRequestID)
	if err != nil {
		// Transport faults become a retryable status for the poller.
		h.Logger.Warn("API", fmt.Sprintf("CheckStatus %s: %v", req.CheckoutRequestID, err))
		res = models.StatusResult{Success: false, Status: mpesa.StatusError, Error: err.Error()}
	}
	h.respond(w, "CheckStatus", http.StatusOK, res)
}

func (h *Handler) CheckCallbackReceived(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if !h.decode(w, r, "CheckCallbackReceived", &req) {
		return
	}
	if strings.TrimSpace(req.CheckoutRequestID) == "" {
		h.respond(w, "CheckCallbackReceived", http.StatusBadRequest, utils.ErrorResponse("checkout_request_id is required", ""))
		return
	}

	res, err := h.Gateway.CheckCallbackReceived(r.Context(), req.CheckoutRequestID)
	if err != nil {
		h.fail(w, "CheckCallbackReceived", err)
		return
	}
	h.respond(w, "CheckCallbackReceived", http.StatusOK, res)
}

func (h *Handler) SearchUnreconciled(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if !h.decode(w, r, "SearchUnreconciled", &req) {
		return
	}

	res, err := h.Gateway.SearchUnreconciled(r.Context(), req)
	if err != nil {
		h.fail(w, "SearchUnreconciled", err)
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("SearchUnreconciled: %d candidates for KES %s", res.Count, req.Amount.StringFixed(2)))
	h.respond(w, "SearchUnreconciled", http.StatusOK, res)
}

func (h *Handler) ReconcileCallback(w http.ResponseWriter, r *http.Request) {
	var req models.ReconcileRequest
	if !h.decode(w, r, "ReconcileCallback", &req) {
		return
	}
	if req.CallbackID <= 0 || strings.TrimSpace(req.OrderID) == "" {
		h.respond(w, "ReconcileCallback", http.StatusBadRequest, utils.ErrorResponse("callback_id and order_id are required", ""))
		return
	}

	res, err := h.Gateway.ReconcileCallback(r.Context(), req)
	if err != nil {
		h.fail(w, "ReconcileCallback", err)
		return
	}
	h.respond(w, "ReconcileCallback", http.StatusOK, res)
}

func (h *Handler) RegisterC2BURLs(w http.ResponseWriter, r *http.Request) {
	if h.Registrar == nil {
		h.unavailable(w, "RegisterC2BURLs", "M-Pesa")
		return
	}

	resp, err := h.Registrar.RegisterC2BURLs(r.Context())
	if err != nil {
		h.Logger.Error("API", fmt.Sprintf("RegisterC2BURLs: %v", err))
		h.respond(w, "RegisterC2BURLs", http.StatusBadGateway, utils.ErrorResponse("C2B URL registration failed", err.Error()))
		return
	}
	h.Logger.Info("API", fmt.Sprintf("RegisterC2BURLs: %s", resp.ResponseDescription))
	h.respond(w, "RegisterC2BURLs", http.StatusOK, utils.SuccessResponse("C2B URLs registered", resp))
}
