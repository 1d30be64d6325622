package checkout

import (
	"context"
	"fmt"
	"time"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
)

type InitiationResult struct {
	Success bool
	Message string
	Request *models.PaymentRequest
	Err     error
}

// Initiator sends exactly one STK push per call and never retries: a second
// prompt on the customer's phone is worse than a failure the operator sees.
type Initiator struct {
	gateway PushGateway
	logger  *logger.Logger
	now     func() time.Time
}

func NewInitiator(gateway PushGateway, log *logger.Logger) *Initiator {
	if log == nil {
		log = logger.Discard()
	}
	return &Initiator{gateway: gateway, logger: log, now: time.Now}
}

// Initiate expects a phone number that already passed phone.Valid.
func (i *Initiator) Initiate(ctx context.Context, phoneNumber string, amount decimal.Decimal, orderReference string) InitiationResult {
	if !amount.IsPositive() {
		return InitiationResult{Message: ErrInvalidAmount.Error(), Err: ErrInvalidAmount}
	}

	res, err := i.gateway.InitiatePush(ctx, models.StkPushRequest{
		PhoneNumber:    phoneNumber,
		Amount:         amount,
		OrderReference: orderReference,
	})
	if err != nil {
		i.logger.Error("PAYMENT", fmt.Sprintf("STK push for %s failed: %v", orderReference, err))
		return InitiationResult{
			Message: fmt.Sprintf("STK Push failed: %v", err),
			Err:     fmt.Errorf("%w: %v", ErrInitiation, err),
		}
	}
	if !res.Success || res.CheckoutRequestID == "" {
		msg := res.Message
		if msg == "" {
			msg = "Unknown error"
		}
		i.logger.Warn("PAYMENT", fmt.Sprintf("STK push for %s rejected: %s", orderReference, msg))
		return InitiationResult{
			Message: "STK Push failed: " + msg,
			Err:     fmt.Errorf("%w: %s", ErrInitiation, msg),
		}
	}

	i.logger.LogPayment("STK_PUSH", res.CheckoutRequestID, fmt.Sprintf("sent KES %s for %s", amount.StringFixed(2), orderReference))
	msg := res.Message
	if msg == "" {
		msg = "Payment request sent. Please check your phone."
	}
	return InitiationResult{
		Success: true,
		Message: msg,
		Request: &models.PaymentRequest{
			CheckoutRequestID: res.CheckoutRequestID,
			MerchantRequestID: res.MerchantRequestID,
			PhoneNumber:       phoneNumber,
			Amount:            amount,
			OrderReference:    orderReference,
			CreatedAt:         i.now(),
		},
	}
}
