package submitlock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"meshforge/internal/services"
)

const (
	defaultLease      = 10 * time.Minute
	defaultRetryDelay = 100 * time.Millisecond
	keyPrefix         = "meshforge:submit:"
)

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisOptions configures RedisLocker.
type RedisOptions struct {
	Addr       string
	Password   string
	DB         int
	Lease      time.Duration
	RetryDelay time.Duration
}

// RedisLocker implements a SET NX PX lease shared by every process pointing
// at the same Redis.
type RedisLocker struct {
	client     *redis.Client
	lease      time.Duration
	retryDelay time.Duration
}

// NewRedisLocker creates a locker backed by Redis.
func NewRedisLocker(opts RedisOptions) *RedisLocker {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return newRedisLocker(client, opts)
}

func newRedisLocker(client *redis.Client, opts RedisOptions) *RedisLocker {
	lease := opts.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	retry := opts.RetryDelay
	if retry <= 0 {
		retry = defaultRetryDelay
	}
	return &RedisLocker{client: client, lease: lease, retryDelay: retry}
}

// Ping checks connectivity.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (Lease, error) {
	key := keyPrefix + name
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrHeld, name, ctx.Err())
			}
			return nil, services.Wrap(services.ErrTransient, "submitlock", "acquire", "redis set", err)
		}
		if ok {
			return &redisLease{client: l.client, key: key, token: token}, nil
		}
		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %s: %w", ErrHeld, name, ctx.Err())
		case <-timer.C:
		}
	}
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}
