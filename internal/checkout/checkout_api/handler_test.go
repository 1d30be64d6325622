package checkout_api

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"ms-mpesa/internal/auth"
	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/config"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/mpesa"
	"ms-mpesa/internal/order"
	"ms-mpesa/internal/order/db"
	"ms-mpesa/internal/receipt"
	"ms-mpesa/internal/sse"
	"ms-mpesa/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"
)

type MockDaraja struct {
	mock.Mock
}

func (m *MockDaraja) STKPush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error) {
	args := m.Called(req)
	return args.Get(0).(models.StkPushResult), args.Error(1)
}

func (m *MockDaraja) STKQuery(ctx context.Context, id string) (models.StatusResult, error) {
	args := m.Called(id)
	return args.Get(0).(models.StatusResult), args.Error(1)
}

type MockRegistrar struct {
	mock.Mock
}

func (m *MockRegistrar) RegisterC2BURLs(ctx context.Context) (models.DarajaResponse, error) {
	args := m.Called()
	return args.Get(0).(models.DarajaResponse), args.Error(1)
}

// busyGuard is a push lock someone else already holds.
type busyGuard struct{}

func (busyGuard) Acquire(context.Context, string) (bool, error) { return false, nil }
func (busyGuard) Release(context.Context, string) error         { return nil }

type testEnv struct {
	handler *Handler
	gateway *checkout.Gateway
	store   *db.DB
	daraja  *MockDaraja
	events  *sse.PaymentEventEmitter
	router  http.Handler
}

func setupTestDB(t *testing.T) *db.DB {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)
	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	ctx := context.Background()
	_, err = bunDB.NewCreateTable().Model((*models.Order)(nil)).Exec(ctx)
	require.NoError(t, err)
	_, err = bunDB.NewCreateTable().Model((*models.Notification)(nil)).Exec(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { bunDB.Close() })
	return &db.DB{Bun: bunDB}
}

func newTestEnv(t *testing.T) *testEnv {
	store := setupTestDB(t)
	daraja := new(MockDaraja)
	events := sse.NewPaymentEventEmitter()

	gateway := checkout.NewGateway(daraja, store, events, nil)
	gateway.Operator = auth.UserID

	poll := config.PollConfig{Tick: time.Millisecond, MaxAttempts: 5, RemoteEvery: 2, BackoffTicks: 2, MatchWindow: 10 * time.Minute}
	orch := checkout.NewOrchestrator(gateway, LogPrompter{}, poll, nil)
	orch.Poller.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	h := NewHandler(gateway, order.NewOrderService(store, nil), orch, events, nil)
	h.Receipts = store
	h.QR = receipt.NewQRGenerator("test-secret")

	r := chi.NewRouter()
	r.Post("/mpesa/callback", h.MpesaCallback)
	r.Group(func(r chi.Router) {
		r.Use(auth.Identify)
		h.RegisterRoutes(r)
	})

	return &testEnv{handler: h, gateway: gateway, store: store, daraja: daraja, events: events, router: r}
}

func operatorToken(t *testing.T, sub string) string {
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("k"))
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case []byte:
		buf.Write(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const stkSuccess = `{"Body":{"stkCallback":{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResultCode":0,"ResultDesc":"ok",
"CallbackMetadata":{"Item":[{"Name":"Amount","Value":250},{"Name":"MpesaReceiptNumber","Value":"QKJ4ABC123"},{"Name":"TransactionDate","Value":20260314103000},{"Name":"PhoneNumber","Value":254712345678}]}}}}`

func c2bBody(transID, amount string) []byte {
	return []byte(`{"TransactionType":"Pay Bill","TransID":"` + transID + `","TransTime":"20260314103000","TransAmount":"` + amount +
		`","BusinessShortCode":"600638","BillRefNumber":"T4","MSISDN":"254712345678","FirstName":"Jane","LastName":"Doe"}`)
}

func TestMpesaCallback_StoresAndAcknowledges(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/mpesa/callback", []byte(stkSuccess), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mpesa.AckAccepted, decodeBody[models.CallbackAck](t, rec))

	rec = env.do(t, http.MethodPost, "/mpesa/check_callback_received", models.CheckoutRequest{CheckoutRequestID: "ws_CO_1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	check := decodeBody[models.CallbackCheckResult](t, rec)
	assert.True(t, check.CallbackReceived)
	assert.Equal(t, models.NotificationSuccess, check.Status)
	assert.Equal(t, "QKJ4ABC123", check.ReceiptNumber)
}

func TestMpesaCallback_UnknownFormatIsAcknowledgedWithError(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/mpesa/callback", []byte(`{"hello":"world"}`), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mpesa.AckUnknown, decodeBody[models.CallbackAck](t, rec))

	rec = env.do(t, http.MethodPost, "/mpesa/callback", []byte(`not json`), "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decodeBody[models.CallbackAck](t, rec).ResultCode)
}

func TestMpesaCallback_StorageFailureAsksForRetry(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Bun.Close())

	rec := env.do(t, http.MethodPost, "/mpesa/callback", []byte(stkSuccess), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, mpesa.AckFailed, decodeBody[models.CallbackAck](t, rec))
}

func TestWebhookError_Unwraps(t *testing.T) {
	err := &WebhookError{Category: "processing", InternalError: "boom", OriginalErr: checkout.ErrCallbackNotStored}
	assert.Equal(t, "boom", err.Error())
	assert.True(t, errors.Is(err, checkout.ErrCallbackNotStored))
}

func TestStkPush(t *testing.T) {
	env := newTestEnv(t)
	req := models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(250), OrderReference: "Order 1"}
	env.daraja.On("STKPush", mock.MatchedBy(func(r models.StkPushRequest) bool { return r.OrderReference == "Order 1" })).
		Return(models.StkPushResult{Success: true, Message: "STK Push sent successfully", CheckoutRequestID: "ws_CO_1"}, nil).Once()
	env.daraja.On("STKPush", mock.Anything).Return(models.StkPushResult{}, mpesa.ErrNotConfigured).Once()

	rec := env.do(t, http.MethodPost, "/mpesa/stk_push", req, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[models.StkPushResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, "ws_CO_1", res.CheckoutRequestID)

	req.OrderReference = "Order 2"
	rec = env.do(t, http.MethodPost, "/mpesa/stk_push", req, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res = decodeBody[models.StkPushResult](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, "M-Pesa not configured", res.Message)
	env.daraja.AssertExpectations(t)
}

func TestCheckStatus(t *testing.T) {
	env := newTestEnv(t)
	env.daraja.On("STKQuery", "ws_CO_1").Return(models.StatusResult{Success: true, Status: mpesa.StatusCompleted, Message: "Payment completed successfully"}, nil)
	env.daraja.On("STKQuery", "ws_CO_2").Return(models.StatusResult{}, errors.New("connection reset"))

	rec := env.do(t, http.MethodPost, "/mpesa/check_status", models.CheckoutRequest{CheckoutRequestID: "ws_CO_1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, mpesa.StatusCompleted, decodeBody[models.StatusResult](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/mpesa/check_status", models.CheckoutRequest{CheckoutRequestID: "ws_CO_2"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[models.StatusResult](t, rec)
	assert.Equal(t, mpesa.StatusError, res.Status)
	assert.Contains(t, res.Error, "connection reset")

	rec = env.do(t, http.MethodPost, "/mpesa/check_status", models.CheckoutRequest{}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/mpesa/check_status", []byte(`{`), "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchReconcileAndReceiptQR(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	token := operatorToken(t, "cashier-7")

	for _, b := range [][]byte{c2bBody("RKT5", "300"), c2bBody("RKT6", "300"), c2bBody("RKT7", "120")} {
		rec := env.do(t, http.MethodPost, "/mpesa/callback", b, "")
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/mpesa/search_unreconciled_callbacks", models.SearchRequest{Amount: decimal.NewFromInt(300)}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	found := decodeBody[models.SearchResult](t, rec)
	require.True(t, found.Success)
	require.Equal(t, 2, found.Count)

	// The QR is only issued once the payment is linked to an order
	target := found.Callbacks[0]
	rec = env.do(t, http.MethodGet, "/mpesa/receipts/"+target.ReceiptNumber+"/qr", nil, token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/orders", models.OrderRequest{Reference: "Order 9", Amount: decimal.NewFromInt(300)}, token)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data models.OrderResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Data.OrderID)

	rec = env.do(t, http.MethodPost, "/mpesa/reconcile_callback", models.ReconcileRequest{CallbackID: target.ID, OrderID: created.Data.OrderID}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[models.ReconcileResult](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, target.ReceiptNumber, res.ReceiptNumber)

	stored, err := env.store.GetNotification(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "cashier-7", stored.ReconciledBy)

	rec = env.do(t, http.MethodPost, "/mpesa/reconcile_callback", models.ReconcileRequest{CallbackID: target.ID, OrderID: created.Data.OrderID}, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ReconcileAlreadyReconciled, decodeBody[models.ReconcileResult](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/mpesa/receipts/"+target.ReceiptNumber+"/qr", nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")))

	rec = env.do(t, http.MethodGet, "/mpesa/receipts/NOPE/qr", nil, token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/orders/"+created.Data.OrderID, nil, token)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Data models.Order `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, target.ReceiptNumber, got.Data.MpesaReceiptNumber)
}

func TestReconcileCallback_Validation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/mpesa/reconcile_callback", models.ReconcileRequest{OrderID: "o-1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/mpesa/reconcile_callback", models.ReconcileRequest{CallbackID: 42, OrderID: "o-1"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.ReconcileNotFound, decodeBody[models.ReconcileResult](t, rec).Code)
}

func TestOrders(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/api/orders", models.OrderRequest{Reference: "", Amount: decimal.NewFromInt(10)}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/orders", models.OrderRequest{Reference: "Order 1", Amount: decimal.Zero}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/orders/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decodeBody[utils.APIResponse](t, rec).Success)
}

func TestRegisterC2BURLs(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/mpesa/register_c2b_urls", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	registrar := new(MockRegistrar)
	registrar.On("RegisterC2BURLs").Return(models.DarajaResponse{ResponseCode: "0", ResponseDescription: "Success"}, nil).Once()
	registrar.On("RegisterC2BURLs").Return(models.DarajaResponse{}, errors.New("Invalid Access Token")).Once()
	env.handler.Registrar = registrar

	rec = env.do(t, http.MethodPost, "/mpesa/register_c2b_urls", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decodeBody[utils.APIResponse](t, rec).Success)

	rec = env.do(t, http.MethodPost, "/mpesa/register_c2b_urls", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	registrar.AssertExpectations(t)
}

func TestPushAndWait_CallbackFinalizesAndReconciles(t *testing.T) {
	env := newTestEnv(t)
	env.daraja.On("STKPush", mock.Anything).Return(models.StkPushResult{Success: true, CheckoutRequestID: "ws_CO_1"}, nil)
	env.daraja.On("STKQuery", mock.Anything).Return(models.StatusResult{Success: true, Status: mpesa.StatusPending}, nil).Maybe()

	env.handler.Orchestrator.Poller.Sleep = func(ctx context.Context, d time.Duration) error {
		// Daraja confirms while the poller waits
		_, err := env.gateway.HandleCallback(ctx, []byte(stkSuccess))
		return err
	}

	rec := env.do(t, http.MethodPost, "/mpesa/checkout", PushAndWaitRequest{
		OrderReference: "Order 1",
		Amount:         decimal.NewFromInt(250),
		PhoneNumber:    "0712345678",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeBody[PushAndWaitResponse](t, rec)
	assert.True(t, res.Finalized)
	assert.Equal(t, "proceed", res.Decision)
	assert.True(t, res.Reconciled)
	assert.Equal(t, "QKJ4ABC123", res.ReceiptNumber)
	require.NotEmpty(t, res.OrderID)

	o, err := env.store.GetOrderByID(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "QKJ4ABC123", o.MpesaReceiptNumber)
}

func TestPushAndWait_TimeoutDoesNotFinalize(t *testing.T) {
	env := newTestEnv(t)
	env.daraja.On("STKPush", mock.Anything).Return(models.StkPushResult{Success: true, CheckoutRequestID: "ws_CO_3"}, nil)
	env.daraja.On("STKQuery", "ws_CO_3").Return(models.StatusResult{Success: true, Status: mpesa.StatusPending}, nil)

	rec := env.do(t, http.MethodPost, "/mpesa/checkout", PushAndWaitRequest{
		OrderReference: "Order 3",
		Amount:         decimal.NewFromInt(80),
		PhoneNumber:    "0712345678",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeBody[PushAndWaitResponse](t, rec)
	assert.False(t, res.Finalized)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, checkout.StateTimedOut, res.Outcome.State)
	assert.Empty(t, res.OrderID)
}

func TestPushAndWait_ShortBudgetStillReachesPollTimeout(t *testing.T) {
	env := newTestEnv(t)
	env.daraja.On("STKPush", mock.Anything).Return(models.StkPushResult{Success: true, CheckoutRequestID: "ws_CO_4"}, nil)
	env.daraja.On("STKQuery", "ws_CO_4").Return(models.StatusResult{Success: true, Status: mpesa.StatusPending}, nil)

	env.handler.WaitBudget = time.Nanosecond
	env.handler.Orchestrator.Poller.Sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
			return nil
		}
	}
	assert.Greater(t, env.handler.waitBudget(), env.handler.Orchestrator.Poller.Window())

	rec := env.do(t, http.MethodPost, "/mpesa/checkout", PushAndWaitRequest{
		OrderReference: "Order 4",
		Amount:         decimal.NewFromInt(80),
		PhoneNumber:    "0712345678",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)

	res := decodeBody[PushAndWaitResponse](t, rec)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, checkout.StateTimedOut, res.Outcome.State)
	assert.NotContains(t, res.Message, "abandoned")
}

func TestPushAndWait_RejectsBadInputAndBusySession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/mpesa/checkout", PushAndWaitRequest{OrderReference: "Order 1"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/mpesa/checkout", PushAndWaitRequest{
		OrderReference: "Order 1", Amount: decimal.NewFromInt(10), PhoneNumber: "12345",
	}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	res := decodeBody[PushAndWaitResponse](t, rec)
	assert.False(t, res.Finalized)
	assert.Equal(t, checkout.ErrInvalidPhone.Error(), res.Error)

	env.handler.Lock = busyGuard{}
	rec = env.do(t, http.MethodPost, "/mpesa/checkout", PushAndWaitRequest{
		OrderReference: "Order 1", Amount: decimal.NewFromInt(10), PhoneNumber: "0712345678",
	}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	env.daraja.AssertNotCalled(t, "STKPush", mock.Anything)
}

func TestStreamPayment(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/mpesa/stream/ws_CO_9")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream;charset=UTF-8", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readUntil := func(prefix string) string {
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, prefix) {
				return line
			}
		}
		t.Fatalf("stream ended before %q: %v", prefix, scanner.Err())
		return ""
	}

	readUntil("event: connected")
	require.Equal(t, 1, env.events.ClientCount("ws_CO_9"))

	env.events.Emit(models.PaymentEvent{Type: models.EventCallbackReceived, CheckoutRequestID: "ws_CO_9", ReceiptNumber: "RKT9"})

	assert.Equal(t, "event: "+models.EventCallbackReceived, readUntil("event: callback"))
	data := readUntil("data: ")
	assert.Contains(t, data, `"receipt_number":"RKT9"`)
}
