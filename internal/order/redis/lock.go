package redis

import (
	"context"
	"fmt"
	"time"

	"ms-mpesa/internal/logger"

	"github.com/go-redis/redis/v8"
)

const pushLockPrefix = "mpesa_push_lock:"

// releaseScript deletes the lock only if this instance still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PushLock keeps two terminals, or two gateway replicas, from running an STK
// push for the same checkout session at once. The TTL frees the session if
// the holder dies mid-payment.
type PushLock struct {
	Client *redis.Client
	Owner  string
	TTL    time.Duration
	Logger *logger.Logger
}

func NewPushLock(client *redis.Client, owner string, ttl time.Duration, log *logger.Logger) *PushLock {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &PushLock{Client: client, Owner: owner, TTL: ttl, Logger: log}
}

func key(sessionID string) string {
	return pushLockPrefix + sessionID
}

// Acquire takes the lock for sessionID. It returns false when another owner
// holds it.
func (l *PushLock) Acquire(ctx context.Context, sessionID string) (bool, error) {
	ok, err := l.Client.SetNX(ctx, key(sessionID), l.Owner, l.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis lock error: %w", err)
	}
	if !ok {
		l.Logger.Warn("REDIS", fmt.Sprintf("Push already in progress for session %s", sessionID))
	}
	return ok, nil
}

// Release frees the lock if this owner still holds it.
func (l *PushLock) Release(ctx context.Context, sessionID string) error {
	if err := releaseScript.Run(ctx, l.Client, []string{key(sessionID)}, l.Owner).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis unlock error: %w", err)
	}
	return nil
}

// Held reports whether any owner currently holds the lock for sessionID.
func (l *PushLock) Held(ctx context.Context, sessionID string) (bool, error) {
	_, err := l.Client.Get(ctx, key(sessionID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
