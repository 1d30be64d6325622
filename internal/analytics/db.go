package analytics

import (
	"context"
	"time"

	"ms-mpesa/internal/models"

	"github.com/uptrace/bun"
)

// DB handles analytics database operations
type DB struct {
	bun *bun.DB
}

// NewDB creates a new analytics DB handler
func NewDB(db *bun.DB) *DB {
	return &DB{bun: db}
}

// GetCallbacksBetween retrieves every callback received in [from, to)
func (db *DB) GetCallbacksBetween(ctx context.Context, from, to time.Time) ([]models.Notification, error) {
	var callbacks []models.Notification
	err := db.bun.NewSelect().
		Model(&callbacks).
		ExcludeColumn("raw_callback_data").
		Where("create_date >= ?", from).
		Where("create_date < ?", to).
		Order("create_date ASC").
		Scan(ctx)

	return callbacks, err
}

// GetStaleUnreconciled retrieves successful direct payments older than
// before that no order has claimed yet
func (db *DB) GetStaleUnreconciled(ctx context.Context, before time.Time, limit int) ([]models.Notification, error) {
	var callbacks []models.Notification
	err := db.bun.NewSelect().
		Model(&callbacks).
		ExcludeColumn("raw_callback_data").
		Where("callback_type = ?", models.CallbackC2B).
		Where("status = ?", models.NotificationSuccess).
		Where("pos_order_id IS NULL").
		Where("create_date < ?", before).
		Order("create_date DESC").
		Limit(limit).
		Scan(ctx)

	return callbacks, err
}
