package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"ms-mpesa/internal/config"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/metrics"
	"ms-mpesa/internal/models"
	"ms-mpesa/internal/phone"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
)

const (
	SandboxURL    = "https://sandbox.safaricom.co.ke"
	ProductionURL = "https://api.safaricom.co.ke"

	pathOAuth       = "/oauth/v1/generate?grant_type=client_credentials"
	pathSTKPush     = "/mpesa/stkpush/v1/processrequest"
	pathSTKQuery    = "/mpesa/stkpushquery/v1/query"
	pathC2BRegister = "/mpesa/c2b/v1/registerurl"

	// errInvalidToken is the errorCode Daraja returns for an expired or revoked token.
	errInvalidToken = "403.011.01"
	timestampLayout = "20060102150405"
)

var (
	ErrNotConfigured = errors.New("M-Pesa not configured")
	ErrTokenRequest  = errors.New("failed to get access token")
)

// Client talks to the Safaricom Daraja API.
type Client struct {
	cfg     config.MpesaConfig
	baseURL string
	http    *http.Client
	tokens  TokenStore
	breaker *gobreaker.CircuitBreaker
	logger  *logger.Logger
	now     func() time.Time
	loc     *time.Location
}

func NewClient(cfg config.MpesaConfig, tokens TokenStore, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	if tokens == nil {
		tokens = NewMemoryTokenCache()
	}
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = SandboxURL
		if cfg.Environment == "production" {
			baseURL = ProductionURL
		}
	}

	// Daraja validates the password timestamp against East Africa Time.
	loc, err := time.LoadLocation("Africa/Nairobi")
	if err != nil {
		loc = time.FixedZone("EAT", 3*60*60)
	}

	return &Client{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		breaker: newBreaker("daraja-stk-query", log),
		logger:  log,
		now:     time.Now,
		loc:     loc,
	}
}

func newBreaker(name string, log *logger.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			log.Warn("MPESA", fmt.Sprintf("Circuit breaker %s: %s -> %s", name, from, to))
		},
	})
}

// TransactionType is the STK transaction type for the configured account.
func (c *Client) TransactionType() string {
	if c.cfg.AccountType == "till" {
		return "CustomerBuyGoodsOnline"
	}
	return "CustomerPayBillOnline"
}

// password returns the STK password and the timestamp it was built from.
func (c *Client) password() (string, string) {
	ts := c.now().In(c.loc).Format(timestampLayout)
	raw := c.cfg.Shortcode + c.cfg.Passkey + ts
	return base64.StdEncoding.EncodeToString([]byte(raw)), ts
}

// AccessToken returns a cached token unless it is due for refresh or force
// is set. When the OAuth call fails a stale cached token is used instead.
func (c *Client) AccessToken(ctx context.Context, force bool) (string, error) {
	cached, err := c.tokens.GetToken(ctx)
	if err != nil {
		c.logger.Warn("MPESA", fmt.Sprintf("Token cache unavailable: %v", err))
	}
	if !force && cached.Fresh(c.now()) {
		return cached.Token, nil
	}

	if c.cfg.ConsumerKey == "" || c.cfg.ConsumerSecret == "" {
		return "", fmt.Errorf("%w: consumer key and secret are required", ErrNotConfigured)
	}

	token, expiresIn, err := c.fetchToken(ctx)
	if err != nil {
		if cached != nil && cached.Token != "" && !force {
			c.logger.Warn("MPESA", fmt.Sprintf("Token refresh failed, using cached token: %v", err))
			return cached.Token, nil
		}
		return "", err
	}

	if err := c.tokens.SetToken(ctx, token, expiresIn); err != nil {
		c.logger.Warn("MPESA", fmt.Sprintf("Failed to cache access token: %v", err))
	}
	c.logger.Info("MPESA", fmt.Sprintf("New access token obtained (refresh in %s)", refreshAfter(expiresIn).Round(time.Minute)))
	return token, nil
}

func (c *Client) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathOAuth, nil)
	if err != nil {
		return "", 0, fmt.Errorf("build token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrTokenRequest, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: status %d: %s", ErrTokenRequest, resp.StatusCode, truncate(string(body), 200))
	}

	var tr models.TokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", 0, fmt.Errorf("%w: decode: %v", ErrTokenRequest, err)
	}
	if tr.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access token", ErrTokenRequest)
	}
	secs, err := strconv.Atoi(tr.ExpiresIn)
	if err != nil || secs <= 0 {
		secs = 3599
	}
	return tr.AccessToken, time.Duration(secs) * time.Second, nil
}

// post sends an authenticated JSON request. An authorization failure clears
// the cached token and retries once with a fresh one; nothing else is
// retried, so a push is never sent twice.
func (c *Client) post(ctx context.Context, path string, payload interface{}, out *models.DarajaResponse) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal request: %w", err)
	}

	const maxAttempts = 2
	for attempt := 1; ; attempt++ {
		token, err := c.AccessToken(ctx, attempt > 1)
		if err != nil {
			return 0, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return 0, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return 0, fmt.Errorf("daraja %s: %w", path, err)
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()

		*out = models.DarajaResponse{}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, out); err != nil {
				if resp.StatusCode >= 400 {
					return resp.StatusCode, fmt.Errorf("daraja %s: status %d: %s", path, resp.StatusCode, truncate(string(raw), 200))
				}
				return resp.StatusCode, fmt.Errorf("daraja %s: decode response: %w", path, err)
			}
		}

		if resp.StatusCode == http.StatusUnauthorized || out.ErrorCode == errInvalidToken {
			c.logger.LogSecurity("TOKEN_REJECTED", fmt.Sprintf("attempt %d on %s", attempt, path))
			if err := c.tokens.Clear(ctx); err != nil {
				c.logger.Warn("MPESA", fmt.Sprintf("Failed to clear token cache: %v", err))
			}
			if attempt < maxAttempts {
				continue
			}
		}
		return resp.StatusCode, nil
	}
}

// STKPush asks Daraja to prompt the customer's phone. Business rejections
// come back in the result; the error is reserved for configuration and
// transport failures.
func (c *Client) STKPush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error) {
	if c.cfg.Shortcode == "" || c.cfg.Passkey == "" {
		return models.StkPushResult{}, ErrNotConfigured
	}
	if !phone.Valid(req.PhoneNumber) {
		return models.StkPushResult{Message: "Invalid phone number"}, nil
	}
	if !req.Amount.IsPositive() {
		return models.StkPushResult{Message: fmt.Sprintf("Invalid amount: %s", req.Amount)}, nil
	}

	msisdn := phone.Normalize(req.PhoneNumber)
	password, ts := c.password()
	payload := models.STKPushPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         ts,
		TransactionType:   c.TransactionType(),
		Amount:            WholeShillings(req.Amount),
		PartyA:            msisdn,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       msisdn,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  req.OrderReference,
		TransactionDesc:   "Payment for " + req.OrderReference,
	}

	var resp models.DarajaResponse
	if _, err := c.post(ctx, pathSTKPush, payload, &resp); err != nil {
		metrics.PushesInitiated.WithLabelValues("error").Inc()
		return models.StkPushResult{}, err
	}

	if resp.ResponseCode != "0" {
		msg := resp.ErrorMessage
		if msg == "" && resp.Fault != nil {
			msg = resp.Fault.FaultString
		}
		if msg == "" {
			msg = "STK Push failed"
		}
		metrics.PushesInitiated.WithLabelValues("rejected").Inc()
		c.logger.Error("MPESA", fmt.Sprintf("STK push for %s rejected: %s", req.OrderReference, msg))
		return models.StkPushResult{Message: msg}, nil
	}

	metrics.PushesInitiated.WithLabelValues("accepted").Inc()
	c.logger.LogPayment("STK_PUSH", resp.CheckoutRequestID, fmt.Sprintf("KES %d to %s for %s", payload.Amount, msisdn, req.OrderReference))
	return models.StkPushResult{
		Success:           true,
		Message:           "STK Push sent successfully",
		CheckoutRequestID: resp.CheckoutRequestID,
		MerchantRequestID: resp.MerchantRequestID,
	}, nil
}

// STKQuery asks Daraja for the state of a push. Calls go through a circuit
// breaker so a failing API is not hammered by every polling terminal.
func (c *Client) STKQuery(ctx context.Context, checkoutRequestID string) (models.StatusResult, error) {
	if c.cfg.Shortcode == "" || c.cfg.Passkey == "" {
		return models.StatusResult{}, ErrNotConfigured
	}

	password, ts := c.password()
	payload := models.STKQueryPayload{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          password,
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	}

	type queryResponse struct {
		status int
		body   models.DarajaResponse
	}
	v, err := c.breaker.Execute(func() (interface{}, error) {
		var resp models.DarajaResponse
		status, err := c.post(ctx, pathSTKQuery, payload, &resp)
		if err != nil {
			return nil, err
		}
		if status >= http.StatusInternalServerError && resp.ResultCode == "" {
			return nil, fmt.Errorf("daraja query: status %d", status)
		}
		return queryResponse{status: status, body: resp}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return models.StatusResult{Status: StatusError, Message: "Status service unavailable - will retry"}, nil
		}
		return models.StatusResult{}, err
	}

	qr := v.(queryResponse)
	res := InterpretQuery(qr.status, qr.body)
	c.logger.LogPayment("STK_QUERY", checkoutRequestID, fmt.Sprintf("%s: %s", res.Status, res.Message))
	return res, nil
}

// RegisterC2BURLs registers the callback URL for direct customer payments.
// It only needs to be done once per shortcode.
func (c *Client) RegisterC2BURLs(ctx context.Context) (models.DarajaResponse, error) {
	if c.cfg.Shortcode == "" {
		return models.DarajaResponse{}, fmt.Errorf("%w: shortcode is required", ErrNotConfigured)
	}
	if c.cfg.CallbackURL == "" {
		return models.DarajaResponse{}, fmt.Errorf("%w: callback URL is required", ErrNotConfigured)
	}

	payload := models.C2BRegisterPayload{
		ShortCode:       c.cfg.Shortcode,
		ResponseType:    "Completed",
		ConfirmationURL: c.cfg.CallbackURL,
		ValidationURL:   c.cfg.CallbackURL,
	}

	var resp models.DarajaResponse
	if _, err := c.post(ctx, pathC2BRegister, payload, &resp); err != nil {
		return resp, err
	}
	if resp.ResponseCode != "0" {
		msg := resp.ErrorMessage
		if msg == "" {
			msg = "Registration failed"
		}
		return resp, errors.New(msg)
	}
	c.logger.Info("MPESA", fmt.Sprintf("C2B URLs registered for %s -> %s", c.cfg.Shortcode, c.cfg.CallbackURL))
	return resp, nil
}

// WholeShillings rounds an amount to the integer Daraja accepts, minimum 1.
func WholeShillings(amount decimal.Decimal) int64 {
	n := amount.Round(0).IntPart()
	if n < 1 {
		return 1
	}
	return n
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
