package retrieval

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/timmy/movierec/internal/config"
	"github.com/timmy/movierec/internal/logger"
)

// Locker serializes recomputes of one user across replicas.
type Locker interface {
	// TryLock returns a release func when the lock was taken, nil otherwise.
	TryLock(ctx context.Context, key string) (func(), error)
}

const lockKeyPrefix = "movierec:recompute:"

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX lock with a TTL.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker connects to the configured redis.
func NewRedisLocker(cfg config.RedisConfig) *RedisLocker {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisLocker{client: client, ttl: ttl}
}

// Ping checks the connection.
func (l *RedisLocker) Ping(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	return nil
}

func (l *RedisLocker) TryLock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, lockKeyPrefix+key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to take recompute lock: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return func() {
		// released with a fresh context so a cancelled request still unlocks
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{lockKeyPrefix + key}, token).Err(); err != nil {
			logger.CtxWarn(ctx, "Failed to release recompute lock for %s, it expires in %s: %v", key, l.ttl, err)
		}
	}, nil
}

// Close closes the redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}
