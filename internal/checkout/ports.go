package checkout

import (
	"context"
	"ms-mpesa/internal/models"
)

// PushGateway sends a single STK push.
type PushGateway interface {
	InitiatePush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error)
}

// NotificationLookup is the cheap, unrate-limited local callback check.
type NotificationLookup interface {
	CheckCallbackReceived(ctx context.Context, checkoutRequestID string) (models.CallbackCheckResult, error)
}

// StatusQuerier is the rate-limited remote STK status query.
type StatusQuerier interface {
	CheckStatus(ctx context.Context, checkoutRequestID string) (models.StatusResult, error)
}

// NotificationSearcher finds unreconciled direct payments.
type NotificationSearcher interface {
	SearchUnreconciled(ctx context.Context, req models.SearchRequest) (models.SearchResult, error)
}

// Reconciler links a notification to a finalized order.
type Reconciler interface {
	ReconcileCallback(ctx context.Context, req models.ReconcileRequest) (models.ReconcileResult, error)
}

// Backend is everything the checkout flow needs from the payment service.
// It is implemented in-process by Gateway and over HTTP by client.Client.
type Backend interface {
	PushGateway
	NotificationLookup
	StatusQuerier
	NotificationSearcher
	Reconciler
}

// Finalizer persists the order and returns its identifier. It is supplied by
// the point of sale and is the only way this package touches orders.
type Finalizer func(ctx context.Context) (orderID string, err error)
