package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"

	"github.com/google/uuid"
)

var (
	ErrMissingReference = errors.New("order reference is required")
	ErrInvalidAmount    = errors.New("order amount must be positive")
)

type DBLayer interface {
	CreateOrder(ctx context.Context, order models.Order) error
	GetOrderByID(ctx context.Context, id string) (*models.Order, error)
}

type OrderService struct {
	DB     DBLayer
	Logger *logger.Logger
	now    func() time.Time
}

func NewOrderService(db DBLayer, log *logger.Logger) *OrderService {
	if log == nil {
		log = logger.Discard()
	}
	return &OrderService{DB: db, Logger: log, now: time.Now}
}

// ---------------- ORDERS ----------------

// FinalizeOrder records a paid order and returns its new identifier.
func (s *OrderService) FinalizeOrder(ctx context.Context, req models.OrderRequest) (*models.OrderResponse, error) {
	if strings.TrimSpace(req.Reference) == "" {
		return nil, ErrMissingReference
	}
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	method := req.PaymentMethod
	if method == "" {
		method = "mpesa"
	}

	order := models.Order{
		OrderID:       uuid.NewString(),
		Reference:     req.Reference,
		Amount:        req.Amount,
		PaymentMethod: method,
		Status:        models.OrderStatusPaid,
		CreatedAt:     s.now(),
	}
	if err := s.DB.CreateOrder(ctx, order); err != nil {
		s.Logger.LogDatabase("INSERT", "pos_orders", fmt.Sprintf("failed for %s: %v", req.Reference, err))
		return nil, fmt.Errorf("failed to finalize order %s: %w", req.Reference, err)
	}

	s.Logger.Info("ORDER", fmt.Sprintf("Order %s finalized as %s (KES %s)", req.Reference, order.OrderID, req.Amount.StringFixed(2)))
	return &models.OrderResponse{
		OrderID:   order.OrderID,
		Reference: order.Reference,
		Status:    order.Status,
	}, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.DB.GetOrderByID(ctx, id)
}

// Finalizer binds req so the checkout flow can finalize the order once the
// payment decision is made.
func (s *OrderService) Finalizer(req models.OrderRequest) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		resp, err := s.FinalizeOrder(ctx, req)
		if err != nil {
			return "", err
		}
		return resp.OrderID, nil
	}
}
