package mpesa

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
)

var ErrUnknownCallback = errors.New("unknown callback format")

// Acknowledgements returned to Daraja.
var (
	AckAccepted = models.CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
	AckUnknown  = models.CallbackAck{ResultCode: 1, ResultDesc: "Unknown callback format"}
	AckFailed   = models.CallbackAck{ResultCode: 1, ResultDesc: "Failed"}
)

// ParseCallback turns an STK or C2B confirmation body into an unsaved
// notification. The raw body is kept for auditing.
func ParseCallback(raw []byte, receivedAt time.Time) (*models.Notification, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode callback: %w", err)
	}

	switch {
	case envelope["Body"] != nil:
		return parseSTK(raw, receivedAt)
	case envelope["TransID"] != nil:
		return parseC2B(raw, receivedAt)
	default:
		return nil, ErrUnknownCallback
	}
}

func parseSTK(raw []byte, receivedAt time.Time) (*models.Notification, error) {
	var env models.STKCallbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode stk callback: %w", err)
	}
	cb := env.Body.STKCallback
	if cb == nil || cb.CheckoutRequestID == "" {
		return nil, ErrUnknownCallback
	}

	code := cb.ResultCode.String()
	n := &models.Notification{
		CallbackType:      models.CallbackSTK,
		MerchantRequestID: cb.MerchantRequestID,
		CheckoutRequestID: cb.CheckoutRequestID,
		ResultCode:        code,
		ResultDesc:        cb.ResultDesc,
		Status:            models.StatusFromResultCode(models.CallbackSTK, code),
		Amount:            decimal.Zero,
		RawCallbackData:   string(raw),
		ReceivedAt:        receivedAt,
	}

	if cb.CallbackMetadata != nil {
		for _, item := range cb.CallbackMetadata.Item {
			switch item.Name {
			case "Amount":
				if amt, err := decimal.NewFromString(scalar(item.Value)); err == nil {
					n.Amount = amt
				}
			case "MpesaReceiptNumber":
				n.ReceiptNumber = scalar(item.Value)
			case "TransactionDate":
				n.TransactionDate = scalar(item.Value)
			case "PhoneNumber":
				n.PhoneNumber = scalar(item.Value)
			}
		}
	}
	return n, nil
}

func parseC2B(raw []byte, receivedAt time.Time) (*models.Notification, error) {
	var cb models.C2BCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("decode c2b callback: %w", err)
	}
	if cb.TransID == "" {
		return nil, ErrUnknownCallback
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(cb.TransAmount))
	if err != nil {
		return nil, fmt.Errorf("invalid TransAmount %q: %w", cb.TransAmount, err)
	}

	var parts []string
	for _, p := range []string{cb.FirstName, cb.MiddleName, cb.LastName} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}

	return &models.Notification{
		CallbackType:    models.CallbackC2B,
		TransID:         cb.TransID,
		ReceiptNumber:   cb.TransID,
		TransactionDate: cb.TransTime,
		TransactionType: cb.TransactionType,
		BillRefNumber:   cb.BillRefNumber,
		PhoneNumber:     cb.MSISDN,
		CustomerName:    strings.Join(parts, " "),
		Amount:          amount,
		Status:          models.StatusFromResultCode(models.CallbackC2B, ""),
		RawCallbackData: string(raw),
		ReceivedAt:      receivedAt,
	}, nil
}

// scalar renders a metadata value that Daraja sends as either a JSON number
// or a string.
func scalar(v json.RawMessage) string {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || string(v) == "null" {
		return ""
	}
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			return s
		}
	}
	return string(v)
}
