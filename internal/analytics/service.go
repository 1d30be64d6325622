package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
)

var ErrInvalidRange = errors.New("report range must end after it starts")

// Store is the read side the reconciliation report needs.
type Store interface {
	GetCallbacksBetween(ctx context.Context, from, to time.Time) ([]models.Notification, error)
	GetStaleUnreconciled(ctx context.Context, before time.Time, limit int) ([]models.Notification, error)
}

// Service builds reconciliation reports for the back office
type Service struct {
	store Store
	now   func() time.Time

	// StaleAfter is how old an unmatched payment must be before the report
	// lists it for manual follow-up.
	StaleAfter time.Duration
	StaleLimit int
}

// NewService creates a new analytics service
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now, StaleAfter: 10 * time.Minute, StaleLimit: 50}
}

// ReconciliationReport summarizes callbacks received between two instants
type ReconciliationReport struct {
	From       time.Time              `json:"from"`
	To         time.Time              `json:"to"`
	Totals     Totals                 `json:"totals"`
	Daily      []DailySummary         `json:"daily"`
	ByOperator []OperatorSummary      `json:"by_operator"`
	Stale      []models.CandidateView `json:"stale_unreconciled"`
}

// Totals counts successful payments; failed and cancelled pushes are only
// counted.
type Totals struct {
	Received           int             `json:"received"`
	ReceivedAmount     decimal.Decimal `json:"received_amount"`
	Reconciled         int             `json:"reconciled"`
	ReconciledAmount   decimal.Decimal `json:"reconciled_amount"`
	Unreconciled       int             `json:"unreconciled"`
	UnreconciledAmount decimal.Decimal `json:"unreconciled_amount"`
	Failed             int             `json:"failed"`
	Cancelled          int             `json:"cancelled"`
}

// DailySummary contains the totals for one day and callback type
type DailySummary struct {
	Date         string              `json:"date"`
	CallbackType models.CallbackType `json:"callback_type"`
	Totals
}

// OperatorSummary tracks how many payments each cashier matched
type OperatorSummary struct {
	Operator string          `json:"operator"`
	Count    int             `json:"count"`
	Amount   decimal.Decimal `json:"amount"`
}

func (t *Totals) add(n models.Notification) {
	switch n.Status {
	case models.NotificationSuccess:
		t.Received++
		t.ReceivedAmount = t.ReceivedAmount.Add(n.Amount)
		if n.IsReconciled() {
			t.Reconciled++
			t.ReconciledAmount = t.ReconciledAmount.Add(n.Amount)
		} else {
			t.Unreconciled++
			t.UnreconciledAmount = t.UnreconciledAmount.Add(n.Amount)
		}
	case models.NotificationFailed:
		t.Failed++
	case models.NotificationCancelled:
		t.Cancelled++
	}
}

// GetReconciliationReport aggregates the callbacks received in [from, to)
func (s *Service) GetReconciliationReport(ctx context.Context, from, to time.Time) (*ReconciliationReport, error) {
	if !to.After(from) {
		return nil, ErrInvalidRange
	}

	callbacks, err := s.store.GetCallbacksBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("load callbacks: %w", err)
	}

	report := &ReconciliationReport{From: from, To: to, Daily: []DailySummary{}, ByOperator: []OperatorSummary{}}

	type dayKey struct {
		date string
		kind models.CallbackType
	}
	daily := make(map[dayKey]*DailySummary)
	operators := make(map[string]*OperatorSummary)

	for _, n := range callbacks {
		report.Totals.add(n)

		key := dayKey{date: n.ReceivedAt.In(from.Location()).Format("2006-01-02"), kind: n.CallbackType}
		day, ok := daily[key]
		if !ok {
			day = &DailySummary{Date: key.date, CallbackType: key.kind}
			daily[key] = day
		}
		day.add(n)

		if n.IsReconciled() && n.Status == models.NotificationSuccess {
			name := n.ReconciledBy
			if name == "" {
				name = "unknown"
			}
			op, ok := operators[name]
			if !ok {
				op = &OperatorSummary{Operator: name}
				operators[name] = op
			}
			op.Count++
			op.Amount = op.Amount.Add(n.Amount)
		}
	}

	for _, day := range daily {
		report.Daily = append(report.Daily, *day)
	}
	sort.Slice(report.Daily, func(i, j int) bool {
		if report.Daily[i].Date != report.Daily[j].Date {
			return report.Daily[i].Date < report.Daily[j].Date
		}
		return report.Daily[i].CallbackType < report.Daily[j].CallbackType
	})

	for _, op := range operators {
		report.ByOperator = append(report.ByOperator, *op)
	}
	sort.Slice(report.ByOperator, func(i, j int) bool {
		if report.ByOperator[i].Count != report.ByOperator[j].Count {
			return report.ByOperator[i].Count > report.ByOperator[j].Count
		}
		return report.ByOperator[i].Operator < report.ByOperator[j].Operator
	})

	stale, err := s.store.GetStaleUnreconciled(ctx, s.now().Add(-s.StaleAfter), s.StaleLimit)
	if err != nil {
		return nil, fmt.Errorf("load stale payments: %w", err)
	}
	report.Stale = make([]models.CandidateView, 0, len(stale))
	for _, n := range stale {
		report.Stale = append(report.Stale, models.NewCandidateView(n))
	}

	return report, nil
}
