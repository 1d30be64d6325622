package checkout

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"
)

// Guard is an optional lock shared between processes so that two terminals
// working the same checkout cannot push concurrently.
type Guard interface {
	Acquire(ctx context.Context, sessionID string) (bool, error)
	Release(ctx context.Context, sessionID string) error
}

// PaymentLine is the M-Pesa payment line of an order.
type PaymentLine struct {
	Amount decimal.Decimal
}

// Session is the per-checkout state handed to the orchestrator.
type Session struct {
	ID             string
	OrderReference string
	// MpesaLine is nil when the order is not paid with M-Pesa.
	MpesaLine   *PaymentLine
	PushEnabled bool
	Finalize    Finalizer
	Guard       Guard

	inFlight atomic.Bool
}

func NewSession(id, orderReference string, finalize Finalizer) *Session {
	return &Session{ID: id, OrderReference: orderReference, Finalize: finalize}
}

// InFlight reports whether a push is outstanding for this checkout.
func (s *Session) InFlight() bool {
	return s.inFlight.Load()
}

func (s *Session) TogglePush() bool {
	s.PushEnabled = !s.PushEnabled
	return s.PushEnabled
}

func (s *Session) acquire(ctx context.Context) (bool, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false, nil
	}
	if s.Guard == nil {
		return true, nil
	}
	ok, err := s.Guard.Acquire(ctx, s.ID)
	if err != nil || !ok {
		s.inFlight.Store(false)
		return false, err
	}
	return true, nil
}

func (s *Session) release(ctx context.Context) error {
	defer s.inFlight.Store(false)
	if s.Guard == nil {
		return nil
	}
	return s.Guard.Release(context.WithoutCancel(ctx), s.ID)
}
