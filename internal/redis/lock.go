package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockNotAcquired = errors.New("lock not acquired")
	ErrLockLost        = errors.New("lock lost")
)

// Locker guards critical sections that must not run on two workers at once.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

type redisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker creates a locker that stores one Redis key per lock name.
func NewRedisLocker(client *redis.Client, ttl time.Duration) Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &redisLocker{
		client: client,
		ttl:    ttl,
		prefix: "lock:",
	}
}

// SeriesLockKey names the lock that serializes expansion of one series.
func SeriesLockKey(seriesID uuid.UUID) string {
	return fmt.Sprintf("series:%s", seriesID.String())
}

func (l *redisLocker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	fullKey := l.prefix + key
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return ErrLockNotAcquired
	}

	defer func() {
		// release on a fresh context so a cancelled caller still frees the key
		relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = l.release(relCtx, fullKey, token)
	}()

	// the key is renewed while fn runs; losing it cancels fn's context
	lockCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	renewal := make(chan error, 1)
	go func() {
		err := keepAlive(lockCtx, l.ttl/3, l.ttl, func(ctx context.Context) (bool, error) {
			return l.extend(ctx, fullKey, token)
		})
		if err != nil {
			cancel(err)
		}
		renewal <- err
	}()

	err = fn(lockCtx)
	cancel(nil)
	if lost := <-renewal; lost != nil && err != nil {
		return fmt.Errorf("%w: %w", lost, err)
	}
	return err
}

// keepAlive calls extend every interval until ctx ends. It reports
// ErrLockLost when the key no longer carries our token, or when no
// extension has succeeded for a whole ttl.
func keepAlive(ctx context.Context, interval, ttl time.Duration, extend func(ctx context.Context) (bool, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		held, err := extend(ctx)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case err == nil && !held:
			return ErrLockLost
		case err == nil:
			last = time.Now()
		case time.Since(last) >= ttl:
			return ErrLockLost
		}
	}
}

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
  return 0
end
`)

func (l *redisLocker) extend(ctx context.Context, key, token string) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return n == 1, nil
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *redisLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
