package checkout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/metrics"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/mpesa"
	"ms-mpesa/internal/order/db"

	"github.com/shopspring/decimal"
)

const defaultMaxAgeMinutes = 10

// Daraja is the part of the M-Pesa API the gateway calls.
type Daraja interface {
	STKPush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error)
	STKQuery(ctx context.Context, checkoutRequestID string) (models.StatusResult, error)
}

// NotificationStore persists callbacks and their links to orders.
type NotificationStore interface {
	SaveNotification(ctx context.Context, n *models.Notification) (bool, error)
	LatestSTKByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Notification, error)
	SearchUnreconciled(ctx context.Context, amount decimal.Decimal, since time.Time) ([]models.Notification, error)
	ReconcileNotification(ctx context.Context, notificationID int64, orderID, reconciledBy string, at time.Time) (*models.Notification, error)
}

// EventPublisher announces stored and reconciled callbacks.
type EventPublisher interface {
	PublishCallbackReceived(ctx context.Context, event models.PaymentEvent) error
	PublishPaymentReconciled(ctx context.Context, event models.PaymentEvent) error
}

// Gateway is the server-side Backend: Daraja for pushes and status queries,
// the callback store for everything else.
type Gateway struct {
	Daraja Daraja
	Store  NotificationStore
	Events EventPublisher
	Logger *logger.Logger

	// Operator names who reconciled a payment; it reads the caller's
	// identity from the request context.
	Operator func(ctx context.Context) string

	now func() time.Time
}

func NewGateway(daraja Daraja, store NotificationStore, events EventPublisher, log *logger.Logger) *Gateway {
	if log == nil {
		log = logger.Discard()
	}
	return &Gateway{Daraja: daraja, Store: store, Events: events, Logger: log, now: time.Now}
}

func (g *Gateway) InitiatePush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error) {
	return g.Daraja.STKPush(ctx, req)
}

func (g *Gateway) CheckStatus(ctx context.Context, checkoutRequestID string) (models.StatusResult, error) {
	return g.Daraja.STKQuery(ctx, checkoutRequestID)
}

func (g *Gateway) CheckCallbackReceived(ctx context.Context, checkoutRequestID string) (models.CallbackCheckResult, error) {
	n, err := g.Store.LatestSTKByCheckoutRequestID(ctx, checkoutRequestID)
	if err != nil {
		return models.CallbackCheckResult{}, fmt.Errorf("lookup callback for %s: %w", checkoutRequestID, err)
	}
	if n == nil {
		return models.CallbackCheckResult{CallbackReceived: false}, nil
	}
	return models.CallbackCheckResult{
		CallbackReceived: true,
		CallbackID:       n.ID,
		Status:           n.Status,
		ReceiptNumber:    n.ReceiptNumber,
		ResultDesc:       n.ResultDesc,
		Amount:           n.Amount,
	}, nil
}

func (g *Gateway) SearchUnreconciled(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	if !req.Amount.IsPositive() {
		return models.SearchResult{Success: false, Message: "Invalid amount", Callbacks: []models.CandidateView{}}, nil
	}
	minutes := req.MaxAgeMinutes
	if minutes <= 0 {
		minutes = defaultMaxAgeMinutes
	}

	since := g.now().Add(-time.Duration(minutes) * time.Minute)
	found, err := g.Store.SearchUnreconciled(ctx, req.Amount, since)
	if err != nil {
		return models.SearchResult{}, fmt.Errorf("search unreconciled callbacks: %w", err)
	}

	views := make([]models.CandidateView, 0, len(found))
	for _, n := range found {
		views = append(views, models.NewCandidateView(n))
	}
	return models.SearchResult{Success: true, Callbacks: views, Count: len(views)}, nil
}

// ReconcileCallback links a callback to an order. Business failures are
// reported in the result with a Code; the error is for storage failures.
func (g *Gateway) ReconcileCallback(ctx context.Context, req models.ReconcileRequest) (models.ReconcileResult, error) {
	by := ""
	if g.Operator != nil {
		by = g.Operator(ctx)
	}

	n, err := g.Store.ReconcileNotification(ctx, req.CallbackID, req.OrderID, by, g.now())
	switch {
	case errors.Is(err, db.ErrNotificationNotFound):
		metrics.Reconciliations.WithLabelValues(models.ReconcileNotFound).Inc()
		return models.ReconcileResult{Message: "Callback not found", Code: models.ReconcileNotFound}, nil
	case errors.Is(err, db.ErrAlreadyReconciled):
		metrics.Reconciliations.WithLabelValues(models.ReconcileAlreadyReconciled).Inc()
		g.Logger.LogReconcile(req.CallbackID, req.OrderID, "rejected: already reconciled")
		return models.ReconcileResult{Message: "Callback already reconciled", Code: models.ReconcileAlreadyReconciled}, nil
	case errors.Is(err, db.ErrOrderNotFound):
		metrics.Reconciliations.WithLabelValues(models.ReconcileOrderNotFound).Inc()
		return models.ReconcileResult{Message: "Order not found", Code: models.ReconcileOrderNotFound}, nil
	case err != nil:
		metrics.Reconciliations.WithLabelValues("error").Inc()
		return models.ReconcileResult{}, fmt.Errorf("reconcile callback %d: %w", req.CallbackID, err)
	}

	metrics.Reconciliations.WithLabelValues("success").Inc()
	g.Logger.LogReconcile(n.ID, req.OrderID, fmt.Sprintf("linked receipt %s", n.ReceiptNumber))
	g.publish(ctx, n, true)

	return models.ReconcileResult{
		Success:       true,
		Message:       "Callback reconciled successfully",
		ReceiptNumber: n.ReceiptNumber,
	}, nil
}

// HandleCallback stores a Daraja confirmation and returns the body Daraja
// expects back. The error explains a non-accepted acknowledgement.
func (g *Gateway) HandleCallback(ctx context.Context, raw []byte) (models.CallbackAck, error) {
	n, err := mpesa.ParseCallback(raw, g.now())
	if errors.Is(err, mpesa.ErrUnknownCallback) {
		metrics.CallbacksReceived.WithLabelValues("unknown", "rejected").Inc()
		return mpesa.AckUnknown, err
	}
	if err != nil {
		metrics.CallbacksReceived.WithLabelValues("unknown", "invalid").Inc()
		return mpesa.AckFailed, err
	}

	created, err := g.Store.SaveNotification(ctx, n)
	if err != nil {
		metrics.CallbacksReceived.WithLabelValues(string(n.CallbackType), "error").Inc()
		return mpesa.AckFailed, fmt.Errorf("%w: %w", ErrCallbackNotStored, err)
	}
	if !created {
		g.Logger.Info("CALLBACK", fmt.Sprintf("Duplicate %s callback %s ignored", n.CallbackType, n.TransID))
		return mpesa.AckAccepted, nil
	}

	metrics.CallbacksReceived.WithLabelValues(string(n.CallbackType), string(n.Status)).Inc()
	g.Logger.LogPayment("CALLBACK_"+string(n.CallbackType), n.CheckoutRequestID,
		fmt.Sprintf("id=%d status=%s amount=%s receipt=%s", n.ID, n.Status, n.Amount.StringFixed(2), n.ReceiptNumber))
	g.publish(ctx, n, false)
	return mpesa.AckAccepted, nil
}

func (g *Gateway) publish(ctx context.Context, n *models.Notification, reconciled bool) {
	if g.Events == nil {
		return
	}
	event := models.PaymentEvent{
		NotificationID:    n.ID,
		CallbackType:      n.CallbackType,
		CheckoutRequestID: n.CheckoutRequestID,
		Status:            n.Status,
		Amount:            n.Amount,
		ReceiptNumber:     n.ReceiptNumber,
		OrderID:           n.ReconciledOrderID,
		Timestamp:         g.now(),
	}

	// Publish even if the caller has gone away.
	ctx = context.WithoutCancel(ctx)
	var err error
	if reconciled {
		err = g.Events.PublishPaymentReconciled(ctx, event)
	} else {
		err = g.Events.PublishCallbackReceived(ctx, event)
	}
	if err != nil {
		g.Logger.Warn("KAFKA", fmt.Sprintf("Failed to publish event for notification %d: %v", n.ID, err))
	}
}
