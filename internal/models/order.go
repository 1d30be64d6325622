package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

const (
	OrderStatusPaid = "paid"
)

// Order is the finalized POS order. Only the identifier is relevant to
// reconciliation; the remaining fields are kept for operator lookups.
type Order struct {
	bun.BaseModel `bun:"table:pos_orders"`

	OrderID       string          `bun:"order_id,pk" json:"order_id"`
	Reference     string          `bun:"reference,notnull" json:"reference"`
	Amount        decimal.Decimal `bun:"amount,type:decimal(12,2),notnull" json:"amount"`
	PaymentMethod string          `bun:"payment_method,notnull" json:"payment_method"`
	Status        string          `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time       `bun:"created_at,notnull" json:"created_at"`

	// M-Pesa details copied from the reconciled callback.
	MpesaReceiptNumber   string `bun:"mpesa_receipt_number,nullzero" json:"mpesa_receipt_number,omitempty"`
	MpesaPhoneNumber     string `bun:"mpesa_phone_number,nullzero" json:"mpesa_phone_number,omitempty"`
	MpesaCustomerName    string `bun:"mpesa_customer_name,nullzero" json:"mpesa_customer_name,omitempty"`
	MpesaTransactionDate string `bun:"mpesa_transaction_date,nullzero" json:"mpesa_transaction_date,omitempty"`
	MpesaCallbackID      int64  `bun:"mpesa_callback_id,nullzero" json:"mpesa_callback_id,omitempty"`
}

type OrderRequest struct {
	Reference     string          `json:"reference"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"payment_method"`
}

type OrderResponse struct {
	OrderID   string `json:"order_id"`
	Reference string `json:"reference"`
	Status    string `json:"status"`
}
