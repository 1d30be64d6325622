package mpesa

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	// TokenKeyPrefix is followed by the shortcode so several tills can share one Redis.
	TokenKeyPrefix = "mpesa:token:"
	// TokenRefreshBuffer is how long before Daraja's expiry the token is refreshed.
	TokenRefreshBuffer = 600 * time.Second
)

// CachedToken is an OAuth token with the time it should be refreshed.
type CachedToken struct {
	Token     string    `json:"token"`
	RefreshAt time.Time `json:"refresh_at"`
}

// Fresh reports whether the token can be used without refreshing.
func (t *CachedToken) Fresh(now time.Time) bool {
	return t != nil && t.Token != "" && now.Before(t.RefreshAt)
}

// TokenStore caches the Daraja access token. GetToken returns a stale token
// too, so the client can fall back to it when the OAuth endpoint is down.
type TokenStore interface {
	GetToken(ctx context.Context) (*CachedToken, error)
	SetToken(ctx context.Context, token string, expiresIn time.Duration) error
	Clear(ctx context.Context) error
}

// refreshAfter is the usable lifetime of a token Daraja says lives expiresIn.
func refreshAfter(expiresIn time.Duration) time.Duration {
	if d := expiresIn - TokenRefreshBuffer; d > 0 {
		return d
	}
	return expiresIn / 2
}

// RedisTokenCache stores the token in Redis until Daraja expires it.
type RedisTokenCache struct {
	Client *redis.Client
	Key    string
	now    func() time.Time
}

func NewRedisTokenCache(client *redis.Client, shortcode string) *RedisTokenCache {
	return &RedisTokenCache{Client: client, Key: TokenKeyPrefix + shortcode, now: time.Now}
}

func (c *RedisTokenCache) GetToken(ctx context.Context) (*CachedToken, error) {
	if c.Client == nil {
		return nil, fmt.Errorf("redis client not initialized")
	}

	raw, err := c.Client.Get(ctx, c.Key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get token from Redis: %w", err)
	}

	var t CachedToken
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token cache: %w", err)
	}
	return &t, nil
}

func (c *RedisTokenCache) SetToken(ctx context.Context, token string, expiresIn time.Duration) error {
	if c.Client == nil {
		return fmt.Errorf("redis client not initialized")
	}

	t := CachedToken{Token: token, RefreshAt: c.now().Add(refreshAfter(expiresIn))}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal token cache: %w", err)
	}
	if err := c.Client.Set(ctx, c.Key, raw, expiresIn).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return nil
}

func (c *RedisTokenCache) Clear(ctx context.Context) error {
	if c.Client == nil {
		return nil
	}
	return c.Client.Del(ctx, c.Key).Err()
}

// MemoryTokenCache is used by tests and when Redis is not configured.
type MemoryTokenCache struct {
	mu    sync.Mutex
	token *CachedToken
	now   func() time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{now: time.Now}
}

func (c *MemoryTokenCache) GetToken(ctx context.Context) (*CachedToken, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token == nil {
		return nil, nil
	}
	t := *c.token
	return &t, nil
}

func (c *MemoryTokenCache) SetToken(ctx context.Context, token string, expiresIn time.Duration) error {
	c.mu.Lock()
	c.token = &CachedToken{Token: token, RefreshAt: c.now().Add(refreshAfter(expiresIn))}
	c.mu.Unlock()
	return nil
}

func (c *MemoryTokenCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
	return nil
}
