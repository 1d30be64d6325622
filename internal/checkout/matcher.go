package checkout

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
)

type CandidateResult struct {
	Success    bool
	Message    string
	Candidates []models.CandidateView
	// Err is set when the search could not be performed at all.
	Err error
}

// Matcher looks up unreconciled direct payments for an expected amount.
type Matcher struct {
	searcher NotificationSearcher
	window   time.Duration
	logger   *logger.Logger
}

func NewMatcher(searcher NotificationSearcher, window time.Duration, log *logger.Logger) *Matcher {
	if window <= 0 {
		window = 10 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Matcher{searcher: searcher, window: window, logger: log}
}

// FindCandidates returns payments of exactly amount received within maxAge,
// newest first. A non-positive maxAge uses the configured window. No matches
// is a successful, empty result.
func (m *Matcher) FindCandidates(ctx context.Context, amount decimal.Decimal, maxAge time.Duration) CandidateResult {
	if maxAge <= 0 {
		maxAge = m.window
	}
	minutes := int(math.Ceil(maxAge.Minutes()))

	res, err := m.searcher.SearchUnreconciled(ctx, models.SearchRequest{Amount: amount, MaxAgeMinutes: minutes})
	if err != nil {
		m.logger.Error("RECONCILE", fmt.Sprintf("Search for KES %s failed: %v", amount.StringFixed(2), err))
		return CandidateResult{Message: fmt.Sprintf("Error searching payments: %v", err), Err: err}
	}
	if !res.Success {
		m.logger.Warn("RECONCILE", fmt.Sprintf("Search for KES %s unsuccessful: %s", amount.StringFixed(2), res.Message))
		return CandidateResult{Message: res.Message}
	}

	candidates := make([]models.CandidateView, 0, len(res.Callbacks))
	for _, c := range res.Callbacks {
		if c.Amount.Equal(amount) {
			candidates = append(candidates, c)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CreateDate > candidates[j].CreateDate
	})

	m.logger.Info("RECONCILE", fmt.Sprintf("Found %d unreconciled payment(s) of KES %s in the last %d minutes",
		len(candidates), amount.StringFixed(2), minutes))
	return CandidateResult{Success: true, Candidates: candidates}
}
