package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"ms-mpesa/internal/logger"
)

// M2MConfig identifies a POS terminal to the identity provider
type M2MConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type M2MTokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// KeycloakTokenURL is the client-credentials endpoint of a Keycloak realm
func KeycloakTokenURL(baseURL, realm string) string {
	return fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", strings.TrimRight(baseURL, "/"), realm)
}

// GetM2MToken requests a client-credentials token
func GetM2MToken(ctx context.Context, cfg M2MConfig, client *http.Client) (M2MTokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")
	data.Set("client_id", cfg.ClientID)
	data.Set("client_secret", cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return M2MTokenResponse{}, err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		return M2MTokenResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return M2MTokenResponse{}, fmt.Errorf("failed to get token, status: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var tokenResp M2MTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return M2MTokenResponse{}, err
	}
	if tokenResp.AccessToken == "" {
		return M2MTokenResponse{}, fmt.Errorf("token response without access_token")
	}
	return tokenResp, nil
}

// TokenSource hands out a valid M2M token, refreshing it when it expires.
// Cache is optional and lets terminals on one host share a token.
type TokenSource struct {
	Config M2MConfig
	HTTP   *http.Client
	Cache  *RedisTokenCache
	Logger *logger.Logger

	mu      sync.Mutex
	current *TokenCache
}

func NewTokenSource(cfg M2MConfig, client *http.Client, cache *RedisTokenCache, log *logger.Logger) *TokenSource {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = logger.Discard()
	}
	return &TokenSource{Config: cfg, HTTP: client, Cache: cache, Logger: log}
}

func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current.IsValid() {
		return s.current.Token, nil
	}

	if s.Cache != nil {
		cached, err := s.Cache.GetToken(ctx)
		if err != nil {
			s.Logger.Warn("AUTH", fmt.Sprintf("Token cache read failed: %v", err))
		} else if cached != nil {
			s.current = cached
			return cached.Token, nil
		}
	}

	resp, err := GetM2MToken(ctx, s.Config, s.HTTP)
	if err != nil {
		return "", fmt.Errorf("m2m token: %w", err)
	}
	s.current = &TokenCache{Token: resp.AccessToken, ExpiresAt: expiry(resp.ExpiresIn)}
	s.Logger.Info("AUTH", fmt.Sprintf("Obtained M2M token for %s (expires in %ds)", s.Config.ClientID, resp.ExpiresIn))

	if s.Cache != nil {
		if err := s.Cache.SetToken(ctx, resp.AccessToken, resp.ExpiresIn); err != nil {
			s.Logger.Warn("AUTH", fmt.Sprintf("Token cache write failed: %v", err))
		}
	}
	return resp.AccessToken, nil
}

// Invalidate drops the token after the service rejected it.
func (s *TokenSource) Invalidate(ctx context.Context) {
	s.mu.Lock()
	s.current = nil
	s.mu.Unlock()
	if s.Cache != nil {
		if err := s.Cache.Clear(ctx); err != nil {
			s.Logger.Warn("AUTH", fmt.Sprintf("Token cache clear failed: %v", err))
		}
	}
}
