package checkout

import (
	"context"
	"fmt"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"
)

type CommitResult struct {
	Success           bool
	AlreadyReconciled bool
	ReceiptNumber     string
	Message           string
	Err               error
}

// Committer links a notification to a finalized order. Failures are reported,
// never rolled back against the order.
type Committer struct {
	reconciler Reconciler
	logger     *logger.Logger
}

func NewCommitter(reconciler Reconciler, log *logger.Logger) *Committer {
	if log == nil {
		log = logger.Discard()
	}
	return &Committer{reconciler: reconciler, logger: log}
}

func (c *Committer) Commit(ctx context.Context, notificationID int64, orderID string) CommitResult {
	if orderID == "" {
		return CommitResult{Message: ErrOrderNotFinalized.Error(), Err: ErrOrderNotFinalized}
	}

	res, err := c.reconciler.ReconcileCallback(ctx, models.ReconcileRequest{CallbackID: notificationID, OrderID: orderID})
	if err != nil {
		c.logger.Error("RECONCILE", fmt.Sprintf("callback %d -> order %s failed: %v", notificationID, orderID, err))
		return CommitResult{Message: fmt.Sprintf("Reconciliation failed: %v", err), Err: err}
	}
	if !res.Success {
		out := CommitResult{Message: res.Message, Err: fmt.Errorf("reconcile callback %d: %s", notificationID, res.Message)}
		if res.Code == models.ReconcileAlreadyReconciled {
			out.AlreadyReconciled = true
			out.Err = ErrAlreadyReconciled
		}
		c.logger.Warn("RECONCILE", fmt.Sprintf("callback %d -> order %s rejected: %s", notificationID, orderID, res.Message))
		return out
	}

	c.logger.LogReconcile(notificationID, orderID, "receipt "+res.ReceiptNumber)
	return CommitResult{Success: true, ReceiptNumber: res.ReceiptNumber, Message: res.Message}
}
