package auth

import (
	"context"
	"fmt"
	"time"

	"ms-mpesa/internal/logger"

	"github.com/go-redis/redis/v8"
)

// InitializeTokenCache connects to Redis for M2M token caching and checks
// that the cache is writable.
func InitializeTokenCache(redisAddr string, log *logger.Logger) (*redis.Client, error) {
	if log == nil {
		log = logger.Discard()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisAddr,
		PoolSize: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Error("AUTH", fmt.Sprintf("Failed to connect to Redis at %s: %v", redisAddr, err))
		redisClient.Close()
		return nil, err
	}

	testKey := M2MTokenKey + ":test"
	if err := redisClient.Set(ctx, testKey, "test", 5*time.Second).Err(); err != nil {
		log.Error("AUTH", fmt.Sprintf("Failed to write test value to Redis: %v", err))
		redisClient.Close()
		return nil, err
	}

	log.Info("AUTH", fmt.Sprintf("Redis token cache ready at %s", redisAddr))
	return redisClient, nil
}
