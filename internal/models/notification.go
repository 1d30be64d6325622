package models

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/uptrace/bun"
)

type CallbackType string

const (
	CallbackSTK CallbackType = "stk"
	CallbackC2B CallbackType = "c2b"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSuccess   NotificationStatus = "success"
	NotificationCancelled NotificationStatus = "cancelled"
	NotificationFailed    NotificationStatus = "failed"
)

// Notification is one asynchronously delivered M-Pesa confirmation, either the
// result of an STK push or a direct C2B payment made by the customer.
type Notification struct {
	bun.BaseModel `bun:"table:mpesa_callback_entries"`

	ID                int64              `bun:"id,pk,autoincrement" json:"id"`
	CallbackType      CallbackType       `bun:"callback_type,notnull" json:"callback_type"`
	MerchantRequestID string             `bun:"merchant_request_id,nullzero" json:"merchant_request_id,omitempty"`
	CheckoutRequestID string             `bun:"checkout_request_id,nullzero" json:"checkout_request_id,omitempty"`
	ResultCode        string             `bun:"result_code,nullzero" json:"result_code,omitempty"`
	ResultDesc        string             `bun:"result_desc,nullzero" json:"result_desc,omitempty"`
	TransID           string             `bun:"trans_id,nullzero,unique" json:"trans_id,omitempty"`
	CustomerName      string             `bun:"customer_name,nullzero" json:"customer_name,omitempty"`
	BillRefNumber     string             `bun:"bill_ref_number,nullzero" json:"bill_ref_number,omitempty"`
	TransactionType   string             `bun:"transaction_type,nullzero" json:"transaction_type,omitempty"`
	Status            NotificationStatus `bun:"status,notnull" json:"status"`
	Amount            decimal.Decimal    `bun:"amount,type:decimal(12,2),notnull" json:"amount"`
	ReceiptNumber     string             `bun:"mpesa_receipt_number,nullzero" json:"mpesa_receipt_number,omitempty"`
	TransactionDate   string             `bun:"transaction_date,nullzero" json:"transaction_date,omitempty"`
	PhoneNumber       string             `bun:"phone_number,nullzero" json:"phone_number,omitempty"`
	ReconciledOrderID string             `bun:"pos_order_id,nullzero" json:"pos_order_id,omitempty"`
	ReconciledBy      string             `bun:"reconciled_by,nullzero" json:"reconciled_by,omitempty"`
	ReconciledAt      time.Time          `bun:"reconciled_date,nullzero" json:"reconciled_date,omitempty"`
	RawCallbackData   string             `bun:"raw_callback_data,nullzero" json:"-"`
	ReceivedAt        time.Time          `bun:"create_date,notnull" json:"create_date"`
}

// IsReconciled reports whether the notification is already linked to an order.
func (n *Notification) IsReconciled() bool {
	return n.ReconciledOrderID != ""
}

// StatusFromResultCode maps an STK result code onto a notification status.
// C2B confirmations are only delivered for completed payments.
func StatusFromResultCode(callbackType CallbackType, resultCode string) NotificationStatus {
	if callbackType == CallbackC2B {
		return NotificationSuccess
	}
	switch resultCode {
	case "0":
		return NotificationSuccess
	case "1032":
		return NotificationCancelled
	case "1", "2032":
		return NotificationFailed
	default:
		return NotificationPending
	}
}
