package checkout_api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/order"
	"ms-mpesa/internal/receipt"
	"ms-mpesa/internal/sse"
	"ms-mpesa/internal/utils"

	"github.com/go-chi/chi/v5"
)

const maxBodyBytes = 1 << 20

// C2BRegistrar registers the confirmation URLs for direct payments.
type C2BRegistrar interface {
	RegisterC2BURLs(ctx context.Context) (models.DarajaResponse, error)
}

// ReceiptLookup finds the callback behind an M-Pesa receipt.
type ReceiptLookup interface {
	GetNotificationByReceipt(ctx context.Context, receipt string) (*models.Notification, error)
}

type Handler struct {
	Gateway      *checkout.Gateway
	Orders       *order.OrderService
	Orchestrator *checkout.Orchestrator
	Events       *sse.PaymentEventEmitter
	Logger       *logger.Logger

	// Optional collaborators; their routes answer 503 when unset.
	Registrar C2BRegistrar
	Receipts  ReceiptLookup
	QR        *receipt.QRGenerator
	Lock      checkout.Guard

	// WaitBudget caps how long a push-and-wait request may hold its
	// connection. waitBudget never lets it fall below the poll window.
	WaitBudget time.Duration
}

// pollMargin covers the push and the final status query around the poll
// window.
const pollMargin = time.Minute

func NewHandler(gateway *checkout.Gateway, orders *order.OrderService, orchestrator *checkout.Orchestrator, events *sse.PaymentEventEmitter, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Discard()
	}
	return &Handler{
		Gateway:      gateway,
		Orders:       orders,
		Orchestrator: orchestrator,
		Events:       events,
		Logger:       log,
	}
}

func (h *Handler) waitBudget() time.Duration {
	floor := h.Orchestrator.Poller.Window() + pollMargin
	if h.WaitBudget < floor {
		return floor
	}
	return h.WaitBudget
}

// RegisterRoutes mounts the operator API. The Daraja callback is mounted
// separately because it cannot carry operator credentials.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/mpesa/stk_push", h.StkPush)
	r.Post("/mpesa/check_status", h.CheckStatus)
	r.Post("/mpesa/check_callback_received", h.CheckCallbackReceived)
	r.Post("/mpesa/search_unreconciled_callbacks", h.SearchUnreconciled)
	r.Post("/mpesa/reconcile_callback", h.ReconcileCallback)
	r.Post("/mpesa/register_c2b_urls", h.RegisterC2BURLs)
	r.Post("/mpesa/checkout", h.PushAndWait)
	r.Get("/mpesa/stream/{checkoutRequestId}", h.StreamPayment)
	r.Get("/mpesa/receipts/{receipt}/qr", h.ReceiptQR)

	r.Post("/api/orders", h.CreateOrder)
	r.Get("/api/orders/{orderId}", h.GetOrder)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, op string, v interface{}) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && err != io.EOF {
		h.Logger.Error("API", fmt.Sprintf("%s: failed to decode request body: %v", op, err))
		h.respond(w, op, http.StatusBadRequest, utils.ErrorResponse("Invalid request body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) respond(w http.ResponseWriter, op string, status int, v interface{}) {
	if err := utils.WriteJSON(w, status, v); err != nil {
		h.Logger.Error("API", fmt.Sprintf("%s: failed to encode response: %v", op, err))
	}
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	h.Logger.Error("API", fmt.Sprintf("%s: %v", op, err))
	h.respond(w, op, http.StatusInternalServerError, utils.ErrorResponse(op+" failed", err.Error()))
}

func (h *Handler) unavailable(w http.ResponseWriter, op, what string) {
	h.Logger.Warn("API", fmt.Sprintf("%s: %s not configured", op, what))
	h.respond(w, op, http.StatusServiceUnavailable, utils.ErrorResponse(what+" not configured", ""))
}
