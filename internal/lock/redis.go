package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL bounds how long a crashed holder can keep a session locked.
	// A live holder renews the lease every third of the TTL.
	DefaultTTL = 30 * time.Second
	// DefaultPollInterval is how often a waiter retries SET NX.
	DefaultPollInterval = 50 * time.Millisecond
)

// ErrLockAcquire is returned when Redis refuses the lock for a reason other than contention.
var ErrLockAcquire = errors.New("failed to acquire distributed lock")

const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// Redis is a Locker backed by Redis SET NX PX. A Local locker in front of it
// keeps goroutines in this process from polling Redis against each other.
type Redis struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	interval time.Duration
	local    *Local
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lock expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		r.ttl = ttl
	}
}

// WithPollInterval sets the retry interval while waiting for a held lock.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.interval = d
	}
}

// NewRedis creates a distributed locker. Keys are stored as prefix+"lock:"+key.
func NewRedis(client *redis.Client, prefix string, opts ...RedisOption) *Redis {
	r := &Redis{
		client:   client,
		prefix:   prefix,
		ttl:      DefaultTTL,
		interval: DefaultPollInterval,
		local:    NewLocal(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Redis) Lock(ctx context.Context, key string) (UnlockFunc, error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	lockKey := r.prefix + "lock:" + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
		if err != nil {
			unlockLocal()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrLockAcquire, err)
		}
		if ok {
			stop := make(chan struct{})
			go r.keepAlive(key, lockKey, token, stop)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					// The holder's ctx may already be cancelled; release on a fresh one.
					relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := r.client.Eval(relCtx, unlockScript, []string{lockKey}, token).Err(); err != nil {
						slog.Warn("Failed to release distributed lock (will expire via TTL)", "key", key, "error", err)
					}
					unlockLocal()
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// keepAlive extends the lease until stop is closed or the lock is found to be
// held by someone else.
func (r *Redis) keepAlive(key, lockKey, token string, stop <-chan struct{}) {
	interval := r.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := r.client.Eval(ctx, renewScript, []string{lockKey}, token, r.ttl.Milliseconds()).Int()
		cancel()
		if err != nil {
			slog.Warn("Failed to renew distributed lock", "key", key, "error", err)
			continue
		}
		if n == 0 {
			slog.Warn("Distributed lock lost before release", "key", key)
			return
		}
	}
}
