package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentRequest is an accepted STK push. It is immutable once created.
type PaymentRequest struct {
	CheckoutRequestID string          `json:"checkout_request_id"`
	MerchantRequestID string          `json:"merchant_request_id,omitempty"`
	PhoneNumber       string          `json:"phone_number"`
	Amount            decimal.Decimal `json:"amount"`
	OrderReference    string          `json:"order_reference"`
	CreatedAt         time.Time       `json:"created_at"`
}

// PaymentEvent is published to Kafka whenever a callback is stored or reconciled.
type PaymentEvent struct {
	Type              string             `json:"type"`
	NotificationID    int64              `json:"notification_id"`
	CallbackType      CallbackType       `json:"callback_type"`
	CheckoutRequestID string             `json:"checkout_request_id,omitempty"`
	Status            NotificationStatus `json:"status"`
	Amount            decimal.Decimal    `json:"amount"`
	ReceiptNumber     string             `json:"receipt_number,omitempty"`
	OrderID           string             `json:"order_id,omitempty"`
	Timestamp         time.Time          `json:"timestamp"`
}

const (
	EventCallbackReceived  = "callback_received"
	EventPaymentReconciled = "payment_reconciled"
)

// ---------------- RPC BODIES ----------------

type StkPushRequest struct {
	PhoneNumber    string          `json:"phone_number"`
	Amount         decimal.Decimal `json:"amount"`
	OrderReference string          `json:"order_reference"`
}

type StkPushResult struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	CheckoutRequestID string `json:"checkout_request_id,omitempty"`
	MerchantRequestID string `json:"merchant_request_id,omitempty"`
}

type CheckoutRequest struct {
	CheckoutRequestID string `json:"checkout_request_id"`
}

type StatusResult struct {
	Success     bool   `json:"success"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	RateLimited bool   `json:"rate_limited,omitempty"`
}

type CallbackCheckResult struct {
	CallbackReceived bool               `json:"callback_received"`
	CallbackID       int64              `json:"callback_id,omitempty"`
	Status           NotificationStatus `json:"status,omitempty"`
	ReceiptNumber    string             `json:"receipt_number,omitempty"`
	ResultDesc       string             `json:"result_desc,omitempty"`
	Amount           decimal.Decimal    `json:"amount"`
}

type SearchRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	MaxAgeMinutes int             `json:"max_age_minutes"`
}

// CandidateView is a notification as presented to the operator for selection.
type CandidateView struct {
	ID            int64           `json:"id"`
	TransID       string          `json:"trans_id"`
	ReceiptNumber string          `json:"mpesa_receipt_number"`
	PhoneNumber   string          `json:"phone_number"`
	CustomerName  string          `json:"customer_name"`
	Amount        decimal.Decimal `json:"amount"`
	TransactionAt string          `json:"transaction_date"`
	CreateDate    string          `json:"create_date"`
	BillRefNumber string          `json:"bill_ref_number"`
}

type SearchResult struct {
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Callbacks []CandidateView `json:"callbacks"`
	Count     int             `json:"count"`
}

type ReconcileRequest struct {
	CallbackID int64  `json:"callback_id"`
	OrderID    string `json:"order_id"`
}

// Reconcile failure codes.
const (
	ReconcileNotFound          = "not_found"
	ReconcileAlreadyReconciled = "already_reconciled"
	ReconcileOrderNotFound     = "order_not_found"
)

type ReconcileResult struct {
	Success       bool   `json:"success"`
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	ReceiptNumber string `json:"receipt_number,omitempty"`
}

// NewCandidateView formats a stored notification for the selection prompt.
func NewCandidateView(n Notification) CandidateView {
	name := n.CustomerName
	if name == "" {
		name = "Unknown"
	}
	created := ""
	if !n.ReceivedAt.IsZero() {
		created = n.ReceivedAt.Format("2006-01-02 15:04:05")
	}
	return CandidateView{
		ID:            n.ID,
		TransID:       n.TransID,
		ReceiptNumber: n.ReceiptNumber,
		PhoneNumber:   n.PhoneNumber,
		CustomerName:  name,
		Amount:        n.Amount,
		TransactionAt: n.TransactionDate,
		CreateDate:    created,
		BillRefNumber: n.BillRefNumber,
	}
}
