package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ordering/internal/util"
)

var errLockHeld = errors.New("lock held by another owner")

// releaseScript deletes the key only if this owner still holds it, so a lock
// that expired and was taken over is never released by its previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisLocker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	wait   time.Duration
	logger *zap.Logger
}

// NewRedisLocker holds each lock for at most ttl and waits at most wait to
// acquire one.
func NewRedisLocker(client *redis.Client, prefix string, ttl, wait time.Duration, l *zap.Logger) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, ttl: ttl, wait: wait, logger: l}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := r.prefix + key
	token := util.GenerateUUID()

	waitCtx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	_, err := backoff.Retry(waitCtx, func() (bool, error) {
		ok, err := r.client.SetNX(waitCtx, redisKey, token, r.ttl).Result()
		if err != nil {
			return false, backoff.Permanent(err)
		}
		if !ok {
			return false, errLockHeld
		}
		return true, nil
	}, backoff.WithBackOff(b))
	if err != nil {
		if waitCtx.Err() != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, waitCtx.Err())
		}
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("Failed to release order lock, it will expire", zap.String("key", redisKey), zap.Error(err))
		}
	}, nil
}
