package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const keyPrefix = "anpr:lock:"

// Compare-and-delete so an expired holder never releases a successor's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a SET NX PX lock shared by every replica of the service.
type RedisLocker struct {
	client         redis.UniversalClient
	ttl            time.Duration
	acquireTimeout time.Duration
	log            zerolog.Logger
}

func NewRedisLocker(client redis.UniversalClient, ttl, acquireTimeout time.Duration, log zerolog.Logger) *RedisLocker {
	return &RedisLocker{
		client:         client,
		ttl:            ttl,
		acquireTimeout: acquireTimeout,
		log:            log.With().Str("component", "redis_lock").Logger(),
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := keyPrefix + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond
	policy.MaxElapsedTime = l.acquireTimeout

	acquire := func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis setnx: %w", err))
		}
		if !ok {
			return ErrNotAcquired
		}
		return nil
	}

	if err := backoff.Retry(acquire, backoff.WithContext(policy, ctx)); err != nil {
		if errors.Is(err, ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s held elsewhere", ErrNotAcquired, key)
		}
		return nil, err
	}

	return func() {
		// Release with a fresh context: the caller's may already be done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", redisKey).Msg("failed to release lock, it will expire on its own")
		}
	}, nil
}

// NewRedisClient parses a redis:// URL and checks connectivity.
func NewRedisClient(ctx context.Context, url string, poolSize int, dial, read, write time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	opts.PoolSize = poolSize
	opts.DialTimeout = dial
	opts.ReadTimeout = read
	opts.WriteTimeout = write

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
