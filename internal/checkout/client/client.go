package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"
)

// TokenProvider hands out the bearer token sent to the payment service.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate(ctx context.Context)
}

// StatusError is a non-2xx answer from the payment service.
type StatusError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Path, e.StatusCode, e.Body)
}

// Client is the terminal-side Backend: every checkout port is one POST to
// the payment service.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenProvider
	logger  *logger.Logger
}

var _ checkout.Backend = (*Client)(nil)

// New builds a client for baseURL. tokens may be nil when the service runs
// without authentication.
func New(baseURL string, timeout time.Duration, tokens TokenProvider, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Discard()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		tokens:  tokens,
		logger:  log,
	}
}

func (c *Client) InitiatePush(ctx context.Context, req models.StkPushRequest) (models.StkPushResult, error) {
	var out models.StkPushResult
	err := c.post(ctx, "/mpesa/stk_push", req, &out)
	return out, err
}

func (c *Client) CheckStatus(ctx context.Context, checkoutRequestID string) (models.StatusResult, error) {
	var out models.StatusResult
	err := c.post(ctx, "/mpesa/check_status", models.CheckoutRequest{CheckoutRequestID: checkoutRequestID}, &out)
	return out, err
}

func (c *Client) CheckCallbackReceived(ctx context.Context, checkoutRequestID string) (models.CallbackCheckResult, error) {
	var out models.CallbackCheckResult
	err := c.post(ctx, "/mpesa/check_callback_received", models.CheckoutRequest{CheckoutRequestID: checkoutRequestID}, &out)
	return out, err
}

func (c *Client) SearchUnreconciled(ctx context.Context, req models.SearchRequest) (models.SearchResult, error) {
	var out models.SearchResult
	err := c.post(ctx, "/mpesa/search_unreconciled_callbacks", req, &out)
	return out, err
}

func (c *Client) ReconcileCallback(ctx context.Context, req models.ReconcileRequest) (models.ReconcileResult, error) {
	var out models.ReconcileResult
	err := c.post(ctx, "/mpesa/reconcile_callback", req, &out)
	return out, err
}

// Finalizer returns a checkout.Finalizer that records req as a paid order on
// the payment service.
func (c *Client) Finalizer(req models.OrderRequest) checkout.Finalizer {
	return func(ctx context.Context) (string, error) {
		var envelope struct {
			Success bool                 `json:"success"`
			Data    models.OrderResponse `json:"data"`
		}
		if err := c.post(ctx, "/api/orders", req, &envelope); err != nil {
			return "", fmt.Errorf("finalize order %s: %w", req.Reference, err)
		}
		if envelope.Data.OrderID == "" {
			return "", checkout.ErrOrderNotFinalized
		}
		return envelope.Data.OrderID, nil
	}
}

// post sends body and decodes the answer into out. A 401 drops the cached
// token and the call is repeated once with a fresh one.
func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}

	status, raw, err := c.do(ctx, path, payload)
	if err != nil {
		return err
	}
	if status == http.StatusUnauthorized && c.tokens != nil {
		c.logger.Warn("CLIENT", fmt.Sprintf("%s rejected the service token, refreshing", path))
		c.tokens.Invalidate(ctx)
		if status, raw, err = c.do(ctx, path, payload); err != nil {
			return err
		}
	}

	switch {
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", path, checkout.ErrRateLimited)
	case status < 200 || status > 299:
		return &StatusError{Path: path, StatusCode: status, Body: strings.TrimSpace(string(raw))}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, path string, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("create %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return 0, nil, fmt.Errorf("service token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	c.logger.Debug("CLIENT", "POST "+path)
	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, fmt.Errorf("payment service %s: %w", path, err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Error("CLIENT", fmt.Sprintf("Failed to close %s response body: %v", path, err))
		}
	}(resp.Body)

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return resp.StatusCode, raw, nil
}
