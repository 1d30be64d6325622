package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

var (
	ErrNotificationNotFound = errors.New("callback not found")
	ErrAlreadyReconciled    = errors.New("callback already reconciled")
	ErrOrderNotFound        = errors.New("order not found")
)

type DB struct {
	Bun *bun.DB
}

// ---------------- ORDERS ----------------

// CreateOrder → insert a finalized order
func (d *DB) CreateOrder(ctx context.Context, order models.Order) error {
	_, err := d.Bun.NewInsert().Model(&order).Exec(ctx)
	return err
}

// GetOrderByID → fetch one order by its ID
func (d *DB) GetOrderByID(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("order_id = ?", id).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// ---------------- CALLBACK ENTRIES ----------------

// SaveNotification stores a callback. A C2B confirmation Daraja delivers twice
// is stored once; the existing row is returned with created=false.
func (d *DB) SaveNotification(ctx context.Context, n *models.Notification) (created bool, err error) {
	if n.TransID != "" {
		existing := new(models.Notification)
		err := d.Bun.NewSelect().
			Model(existing).
			Where("trans_id = ?", n.TransID).
			Limit(1).
			Scan(ctx)
		if err == nil {
			*n = *existing
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, err
		}
	}

	if n.ReceivedAt.IsZero() {
		n.ReceivedAt = time.Now()
	}
	n.ReceivedAt = n.ReceivedAt.UTC()
	if _, err := d.Bun.NewInsert().Model(n).Returning("id").Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// GetNotification → fetch one callback entry by ID
func (d *DB) GetNotification(ctx context.Context, id int64) (*models.Notification, error) {
	n := new(models.Notification)
	err := d.Bun.NewSelect().Model(n).Where("id = ?", id).Limit(1).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// GetNotificationByReceipt → fetch the successful callback carrying an M-Pesa receipt
func (d *DB) GetNotificationByReceipt(ctx context.Context, receipt string) (*models.Notification, error) {
	n := new(models.Notification)
	err := d.Bun.NewSelect().
		Model(n).
		Where("mpesa_receipt_number = ?", receipt).
		Where("status = ?", models.NotificationSuccess).
		OrderExpr("id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotificationNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// LatestSTKByCheckoutRequestID returns the newest STK callback for a push,
// or nil when none has arrived yet.
func (d *DB) LatestSTKByCheckoutRequestID(ctx context.Context, checkoutRequestID string) (*models.Notification, error) {
	n := new(models.Notification)
	err := d.Bun.NewSelect().
		Model(n).
		Where("checkout_request_id = ?", checkoutRequestID).
		Where("callback_type = ?", models.CallbackSTK).
		OrderExpr("create_date DESC, id DESC").
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// SearchUnreconciled returns successful C2B payments of exactly amount that
// arrived at or after since and are not linked to an order, newest first.
func (d *DB) SearchUnreconciled(ctx context.Context, amount decimal.Decimal, since time.Time) ([]models.Notification, error) {
	var out []models.Notification
	err := d.Bun.NewSelect().
		Model(&out).
		Where("callback_type = ?", models.CallbackC2B).
		Where("status = ?", models.NotificationSuccess).
		Where("pos_order_id IS NULL").
		Where("amount = ?", amount).
		Where("create_date >= ?", since.UTC()).
		OrderExpr("create_date DESC, id DESC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReconcileNotification links a callback to an order and copies the payment
// details onto the order. The link is written with a conditional update so
// two terminals racing for the same payment cannot both win.
func (d *DB) ReconcileNotification(ctx context.Context, notificationID int64, orderID, reconciledBy string, at time.Time) (*models.Notification, error) {
	var linked *models.Notification
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		n := new(models.Notification)
		err := tx.NewSelect().Model(n).Where("id = ?", notificationID).Limit(1).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotificationNotFound
		}
		if err != nil {
			return err
		}
		if n.IsReconciled() {
			return ErrAlreadyReconciled
		}

		order := new(models.Order)
		err = tx.NewSelect().Model(order).Where("order_id = ?", orderID).Limit(1).Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}

		n.ReconciledOrderID = orderID
		n.ReconciledBy = reconciledBy
		n.ReconciledAt = at.UTC()
		res, err := tx.NewUpdate().
			Model(n).
			Column("pos_order_id", "reconciled_by", "reconciled_date").
			Where("id = ?", n.ID).
			Where("pos_order_id IS NULL").
			Exec(ctx)
		if err != nil {
			return err
		}
		if rows, err := res.RowsAffected(); err != nil {
			return err
		} else if rows == 0 {
			return ErrAlreadyReconciled
		}

		order.MpesaReceiptNumber = n.ReceiptNumber
		order.MpesaPhoneNumber = n.PhoneNumber
		order.MpesaTransactionDate = n.TransactionDate
		order.MpesaCallbackID = n.ID
		columns := []string{"mpesa_receipt_number", "mpesa_phone_number", "mpesa_transaction_date", "mpesa_callback_id"}
		if n.CallbackType == models.CallbackC2B {
			order.MpesaCustomerName = n.CustomerName
			columns = append(columns, "mpesa_customer_name")
		}
		if _, err := tx.NewUpdate().Model(order).Column(columns...).WherePK().Exec(ctx); err != nil {
			return err
		}

		linked = n
		return nil
	})
	if err != nil {
		return nil, err
	}
	return linked, nil
}
