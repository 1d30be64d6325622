package checkout_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/config"
	"ms-mpesa/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

func testPollConfig() config.PollConfig {
	return config.PollConfig{
		Tick:         2 * time.Second,
		MaxAttempts:  30,
		RemoteEvery:  4,
		BackoffTicks: 15,
		MatchWindow:  10 * time.Minute,
	}
}

// fakeBackend scripts the two polling channels by call number and records
// when each was used. The local channel is consulted once per tick, so the
// local call count is the current attempt number.
type fakeBackend struct {
	mu sync.Mutex

	local  func(attempt int) (models.CallbackCheckResult, error)
	remote func(attempt int) (models.StatusResult, error)

	localCalls     int
	remoteAttempts []int

	pushes     []models.StkPushRequest
	pushFn     func(req models.StkPushRequest) (models.StkPushResult, error)
	searchFn   func(req models.SearchRequest) (models.SearchResult, error)
	reconcile  func(req models.ReconcileRequest) (models.ReconcileResult, error)
	reconciles []models.ReconcileRequest
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		local: func(int) (models.CallbackCheckResult, error) {
			return models.CallbackCheckResult{}, nil
		},
		remote: func(int) (models.StatusResult, error) {
			return models.StatusResult{Success: true, Status: checkout.RemotePending}, nil
		},
		pushFn: func(models.StkPushRequest) (models.StkPushResult, error) {
			return models.StkPushResult{Success: true, CheckoutRequestID: "ws_CO_123", MerchantRequestID: "mr-1"}, nil
		},
		searchFn: func(models.SearchRequest) (models.SearchResult, error) {
			return models.SearchResult{Success: true}, nil
		},
		reconcile: func(req models.ReconcileRequest) (models.ReconcileResult, error) {
			return models.ReconcileResult{Success: true, ReceiptNumber: "ABC123"}, nil
		},
	}
}

func (f *fakeBackend) InitiatePush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error) {
	f.mu.Lock()
	f.pushes = append(f.pushes, req)
	f.mu.Unlock()
	return f.pushFn(req)
}

func (f *fakeBackend) CheckCallbackReceived(ctx context.Context, id string) (models.CallbackCheckResult, error) {
	f.mu.Lock()
	f.localCalls++
	n := f.localCalls
	f.mu.Unlock()
	return f.local(n)
}

func (f *fakeBackend) CheckStatus(ctx context.Context, id string) (models.StatusResult, error) {
	f.mu.Lock()
	attempt := f.localCalls
	f.remoteAttempts = append(f.remoteAttempts, attempt)
	f.mu.Unlock()
	return f.remote(attempt)
}

func (f *fakeBackend) SearchUnreconciled(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	return f.searchFn(req)
}

func (f *fakeBackend) ReconcileCallback(ctx context.Context, req models.ReconcileRequest) (models.ReconcileResult, error) {
	f.mu.Lock()
	f.reconciles = append(f.reconciles, req)
	f.mu.Unlock()
	return f.reconcile(req)
}

func (f *fakeBackend) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// sleepRecorder replaces real sleeping in the poller.
type sleepRecorder struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	return nil
}

func (s *sleepRecorder) total() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t time.Duration
	for _, d := range s.sleeps {
		t += d
	}
	return t
}

type MockPrompter struct {
	mock.Mock
	mu      sync.Mutex
	notices []string
}

func (m *MockPrompter) SelectCandidate(ctx context.Context, amount decimal.Decimal, candidates []models.CandidateView) (checkout.Selection, error) {
	args := m.Called(amount, candidates)
	return args.Get(0).(checkout.Selection), args.Error(1)
}

func (m *MockPrompter) Confirm(ctx context.Context, title, body string) (bool, error) {
	args := m.Called(title, body)
	return args.Bool(0), args.Error(1)
}

func (m *MockPrompter) InputPhone(ctx context.Context, amount decimal.Decimal) (string, bool, error) {
	args := m.Called(amount)
	return args.String(0), args.Bool(1), args.Error(2)
}

func (m *MockPrompter) Notify(level checkout.NoticeLevel, title, message string) {
	m.mu.Lock()
	m.notices = append(m.notices, string(level)+": "+title)
	m.mu.Unlock()
}

// orderBook is a finalizer that records how many orders it created.
type orderBook struct {
	mu     sync.Mutex
	orders []string
	err    error
}

func (b *orderBook) finalize(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return "", b.err
	}
	id := "order-" + string(rune('A'+len(b.orders)))
	b.orders = append(b.orders, id)
	return id, nil
}

func (b *orderBook) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

var errBoom = errors.New("boom")
