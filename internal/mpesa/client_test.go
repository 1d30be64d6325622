package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"ms-mpesa/internal/config"
	"ms-mpesa/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDaraja is a scripted Daraja API.
type fakeDaraja struct {
	mu         sync.Mutex
	tokenCalls int
	pushes     []models.STKPushPayload
	queries    int
	bearers    []string
	onToken    func(w http.ResponseWriter)
	onPush     func(w http.ResponseWriter, n int)
	onQuery    func(w http.ResponseWriter, n int)
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.mu.Unlock()

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "key", user)
		assert.Equal(t, "secret", pass)
		if f.onToken != nil {
			f.onToken(w)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token": "token-" + string(rune('0'+n)),
			"expires_in":   "3599",
		})
	})
	mux.HandleFunc(pathSTKPush, func(w http.ResponseWriter, r *http.Request) {
		var p models.STKPushPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		f.mu.Lock()
		f.pushes = append(f.pushes, p)
		f.bearers = append(f.bearers, r.Header.Get("Authorization"))
		n := len(f.pushes)
		f.mu.Unlock()
		if f.onPush != nil {
			f.onPush(w, n)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"MerchantRequestID": "29115-34620561-1",
			"CheckoutRequestID": "ws_CO_191220191020363925",
			"ResponseCode":      "0",
			"CustomerMessage":   "Success. Request accepted for processing",
		})
	})
	mux.HandleFunc(pathSTKQuery, func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries++
		n := f.queries
		f.mu.Unlock()
		if f.onQuery != nil {
			f.onQuery(w, n)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ResponseCode": "0", "ResultCode": "0", "ResultDesc": "ok"})
	})
	mux.HandleFunc(pathC2BRegister, func(w http.ResponseWriter, r *http.Request) {
		var p models.C2BRegisterPayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		assert.Equal(t, "Completed", p.ResponseType)
		assert.Equal(t, p.ConfirmationURL, p.ValidationURL)
		writeJSON(w, http.StatusOK, map[string]string{"ResponseCode": "0", "ResponseDescription": "success"})
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func testMpesaConfig(baseURL string) config.MpesaConfig {
	return config.MpesaConfig{
		Environment:    "sandbox",
		AccountType:    "paybill",
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Passkey:        "passkey",
		Shortcode:      "174379",
		CallbackURL:    "https://pos.example.com/api/mpesa/callback",
		HTTPTimeout:    2 * time.Second,
		BaseURL:        baseURL,
	}
}

func newTestClient(t *testing.T, f *fakeDaraja) (*Client, *httptest.Server) {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	fixed := func() time.Time { return time.Date(2026, 3, 14, 7, 30, 5, 0, time.UTC) }
	tokens := NewMemoryTokenCache()
	tokens.now = fixed
	c := NewClient(testMpesaConfig(srv.URL), tokens, nil)
	c.now = fixed
	return c, srv
}

func TestSTKPush_Success(t *testing.T) {
	f := &fakeDaraja{}
	c, _ := newTestClient(t, f)

	res, err := c.STKPush(context.Background(), models.StkPushRequest{
		PhoneNumber:    "0712 345 678",
		Amount:         decimal.RequireFromString("99.60"),
		OrderReference: "Order 0001",
	})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ws_CO_191220191020363925", res.CheckoutRequestID)
	assert.Equal(t, "29115-34620561-1", res.MerchantRequestID)

	require.Len(t, f.pushes, 1)
	p := f.pushes[0]
	assert.Equal(t, int64(100), p.Amount)
	assert.Equal(t, "254712345678", p.PartyA)
	assert.Equal(t, "254712345678", p.PhoneNumber)
	assert.Equal(t, "174379", p.PartyB)
	assert.Equal(t, "CustomerPayBillOnline", p.TransactionType)
	assert.Equal(t, "Order 0001", p.AccountReference)

	// 07:30:05 UTC is 10:30:05 in Nairobi.
	assert.Equal(t, "20260314103005", p.Timestamp)
	password, _ := base64.StdEncoding.DecodeString(p.Password)
	assert.Equal(t, "174379passkey20260314103005", string(password))
	assert.Equal(t, "Bearer token-1", f.bearers[0])
}

func TestSTKPush_ReusesCachedToken(t *testing.T) {
	f := &fakeDaraja{}
	c, _ := newTestClient(t, f)
	req := models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(10), OrderReference: "A"}

	_, err := c.STKPush(context.Background(), req)
	require.NoError(t, err)
	_, err = c.STKPush(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.tokenCalls)
	assert.Len(t, f.pushes, 2)
}

func TestSTKPush_RetriesOnceWithFreshTokenWhenRejected(t *testing.T) {
	f := &fakeDaraja{
		onPush: func(w http.ResponseWriter, n int) {
			if n == 1 {
				writeJSON(w, http.StatusUnauthorized, map[string]string{
					"errorCode":    "404.001.03",
					"errorMessage": "Invalid Access Token",
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"CheckoutRequestID": "ws_CO_2", "ResponseCode": "0"})
		},
	}
	c, _ := newTestClient(t, f)

	res, err := c.STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0112345678", Amount: decimal.NewFromInt(5), OrderReference: "A"})
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "ws_CO_2", res.CheckoutRequestID)
	assert.Equal(t, 2, f.tokenCalls)
	assert.Equal(t, []string{"Bearer token-1", "Bearer token-2"}, f.bearers)
}

func TestSTKPush_InvalidTokenErrorCodeTriggersRetry(t *testing.T) {
	f := &fakeDaraja{
		onPush: func(w http.ResponseWriter, n int) {
			if n == 1 {
				writeJSON(w, http.StatusForbidden, map[string]string{"errorCode": errInvalidToken, "errorMessage": "Invalid Access Token"})
				return
			}
			writeJSON(w, http.StatusOK, map[string]string{"CheckoutRequestID": "ws_CO_3", "ResponseCode": "0"})
		},
	}
	c, _ := newTestClient(t, f)

	res, err := c.STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(5), OrderReference: "A"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, f.pushes, 2)
}

func TestSTKPush_TransportTimeoutIsNotRetried(t *testing.T) {
	f := &fakeDaraja{
		onPush: func(w http.ResponseWriter, n int) {
			time.Sleep(300 * time.Millisecond)
			writeJSON(w, http.StatusOK, map[string]string{"CheckoutRequestID": "late", "ResponseCode": "0"})
		},
	}
	c, srv := newTestClient(t, f)
	cfg := testMpesaConfig(srv.URL)
	cfg.HTTPTimeout = 50 * time.Millisecond
	c = NewClient(cfg, NewMemoryTokenCache(), nil)

	_, err := c.STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(5), OrderReference: "A"})
	assert.Error(t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	assert.Len(t, f.pushes, 1)
}

func TestSTKPush_Rejected(t *testing.T) {
	f := &fakeDaraja{
		onPush: func(w http.ResponseWriter, n int) {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"errorCode":    "400.002.02",
				"errorMessage": "Bad Request - Invalid PhoneNumber",
			})
		},
	}
	c, _ := newTestClient(t, f)

	res, err := c.STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(5), OrderReference: "A"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Bad Request - Invalid PhoneNumber", res.Message)
}

func TestSTKPush_ValidationAndConfiguration(t *testing.T) {
	f := &fakeDaraja{}
	c, srv := newTestClient(t, f)

	res, err := c.STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0812345678", Amount: decimal.NewFromInt(5)})
	require.NoError(t, err)
	assert.False(t, res.Success)

	res, err = c.STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.Zero})
	require.NoError(t, err)
	assert.False(t, res.Success)

	cfg := testMpesaConfig(srv.URL)
	cfg.Passkey = ""
	_, err = NewClient(cfg, nil, nil).STKPush(context.Background(), models.StkPushRequest{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(5)})
	assert.ErrorIs(t, err, ErrNotConfigured)

	assert.Empty(t, f.pushes)
}

func TestAccessToken_FallsBackToStaleToken(t *testing.T) {
	f := &fakeDaraja{
		onToken: func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/html")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("<html>Request unsuccessful. Incapsula incident ID: 123</html>"))
		},
	}
	c, _ := newTestClient(t, f)

	cache := &MemoryTokenCache{now: func() time.Time { return time.Now().Add(-2 * time.Hour) }}
	require.NoError(t, cache.SetToken(context.Background(), "stale-token", time.Hour))
	c.tokens = cache
	c.now = time.Now

	token, err := c.AccessToken(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "stale-token", token)
	assert.Equal(t, 1, f.tokenCalls)
}

func TestAccessToken_FailsWithoutCachedToken(t *testing.T) {
	f := &fakeDaraja{
		onToken: func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
		},
	}
	c, _ := newTestClient(t, f)

	_, err := c.AccessToken(context.Background(), false)
	assert.ErrorIs(t, err, ErrTokenRequest)
}

func TestSTKQuery_Statuses(t *testing.T) {
	f := &fakeDaraja{
		onQuery: func(w http.ResponseWriter, n int) {
			switch n {
			case 1:
				writeJSON(w, http.StatusOK, map[string]string{"ResponseCode": "0", "ResultCode": "1032", "ResultDesc": "Request cancelled by user"})
			case 2:
				writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
					"fault": map[string]interface{}{"faultstring": "Spike arrest violation"},
				})
			default:
				writeJSON(w, http.StatusOK, map[string]interface{}{"ResponseCode": "0", "ResultCode": 0})
			}
		},
	}
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	res, err := c.STKQuery(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)

	res, err = c.STKQuery(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.True(t, res.RateLimited)

	res, err = c.STKQuery(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.True(t, res.Success)
}

func TestSTKQuery_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := &fakeDaraja{
		onQuery: func(w http.ResponseWriter, n int) {
			w.WriteHeader(http.StatusBadGateway)
		},
	}
	c, _ := newTestClient(t, f)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.STKQuery(ctx, "ws_CO_1")
		assert.Error(t, err)
	}

	res, err := c.STKQuery(ctx, "ws_CO_1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, res.Status)
	assert.False(t, res.RateLimited)
	assert.Equal(t, 5, f.queries)
}

func TestRegisterC2BURLs(t *testing.T) {
	f := &fakeDaraja{}
	c, srv := newTestClient(t, f)

	resp, err := c.RegisterC2BURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0", resp.ResponseCode)

	cfg := testMpesaConfig(srv.URL)
	cfg.CallbackURL = ""
	_, err = NewClient(cfg, nil, nil).RegisterC2BURLs(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestTransactionType(t *testing.T) {
	cfg := testMpesaConfig("")
	assert.Equal(t, "CustomerPayBillOnline", NewClient(cfg, nil, nil).TransactionType())
	cfg.AccountType = "till"
	assert.Equal(t, "CustomerBuyGoodsOnline", NewClient(cfg, nil, nil).TransactionType())
}

func TestWholeShillings(t *testing.T) {
	assert.Equal(t, int64(1), WholeShillings(decimal.RequireFromString("0.2")))
	assert.Equal(t, int64(100), WholeShillings(decimal.RequireFromString("99.5")))
	assert.Equal(t, int64(99), WholeShillings(decimal.RequireFromString("99.49")))
}

func TestRedisTokenCache(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	cache := NewRedisTokenCache(client, "174379")
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	got, err := cache.GetToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, cache.SetToken(ctx, "abc", 3599*time.Second))
	assert.Equal(t, 3599*time.Second, mr.TTL("mpesa:token:174379"))

	got, err = cache.GetToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", got.Token)
	assert.True(t, got.Fresh(now.Add(49*time.Minute)))
	assert.False(t, got.Fresh(now.Add(50*time.Minute)))

	require.NoError(t, cache.Clear(ctx))
	got, err = cache.GetToken(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}
