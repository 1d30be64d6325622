package checkout_api

import (
	"errors"
	"fmt"
	"net/http"

	"ms-mpesa/internal/models"
	"ms-mpesa/internal/order"
	"ms-mpesa/internal/order/db"
	"ms-mpesa/internal/receipt"
	"ms-mpesa/internal/utils"

	"github.com/go-chi/chi/v5"
)

func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req models.OrderRequest
	if !h.decode(w, r, "CreateOrder", &req) {
		return
	}
	h.Logger.Debug("API", fmt.Sprintf("CreateOrder: reference=%s amount=%s", req.Reference, req.Amount.StringFixed(2)))

	resp, err := h.Orders.FinalizeOrder(r.Context(), req)
	if errors.Is(err, order.ErrMissingReference) || errors.Is(err, order.ErrInvalidAmount) {
		h.respond(w, "CreateOrder", http.StatusBadRequest, utils.ErrorResponse("Invalid order", err.Error()))
		return
	}
	if err != nil {
		h.fail(w, "CreateOrder", err)
		return
	}

	h.Logger.Info("API", fmt.Sprintf("CreateOrder: order %s created for %s", resp.OrderID, resp.Reference))
	h.respond(w, "CreateOrder", http.StatusCreated, utils.SuccessResponse("Order finalized", resp))
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	h.Logger.Info("API", fmt.Sprintf("GetOrder: orderId=%s", orderID))

	o, err := h.Orders.GetOrder(r.Context(), orderID)
	if errors.Is(err, db.ErrOrderNotFound) {
		h.respond(w, "GetOrder", http.StatusNotFound, utils.ErrorResponse("Order not found", ""))
		return
	}
	if err != nil {
		h.fail(w, "GetOrder", err)
		return
	}
	h.respond(w, "GetOrder", http.StatusOK, utils.SuccessResponse("Order found", o))
}

// ReceiptQR renders an encrypted proof-of-payment QR for a reconciled receipt.
func (h *Handler) ReceiptQR(w http.ResponseWriter, r *http.Request) {
	if h.Receipts == nil || h.QR == nil {
		h.unavailable(w, "ReceiptQR", "Receipt QR")
		return
	}
	number := chi.URLParam(r, "receipt")

	n, err := h.Receipts.GetNotificationByReceipt(r.Context(), number)
	if errors.Is(err, db.ErrNotificationNotFound) {
		h.respond(w, "ReceiptQR", http.StatusNotFound, utils.ErrorResponse("Receipt not found", ""))
		return
	}
	if err != nil {
		h.fail(w, "ReceiptQR", err)
		return
	}

	payload, err := receipt.PayloadFor(n)
	if err != nil {
		h.respond(w, "ReceiptQR", http.StatusConflict, utils.ErrorResponse("Receipt not reconciled", err.Error()))
		return
	}
	png, err := h.QR.GenerateEncryptedQR(payload)
	if err != nil {
		h.fail(w, "ReceiptQR", err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if _, err := w.Write(png); err != nil {
		h.Logger.Error("API", fmt.Sprintf("ReceiptQR: failed to write image: %v", err))
	}
}
