// Package redislock implements per-resource mutual exclusion over Redis with
// fencing tokens. Acquisition is SET NX PX; release and extend are Lua scripts
// that compare the stored token first, so an expired holder can never stomp a
// legitimate successor.
package redislock

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/swiftpay/payout"
)

const keyPrefix = "lock:"

// releaseScript deletes the lock only while it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only while it still holds the caller's token.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Locker implements payout.Locker over a Redis client.
type Locker struct {
	rdb *redis.Client
	log *zap.Logger
}

// New creates a Locker.
func New(rdb *redis.Client, log *zap.Logger) *Locker {
	return &Locker{rdb: rdb, log: log.Named("lock")}
}

// Acquire attempts a single compare-and-set acquisition with the given TTL.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl time.Duration) (string, error) {
	token := payout.NewLockToken()
	ok, err := l.rdb.SetNX(ctx, keyPrefix+resource, token, ttl).Result()
	if err != nil {
		return "", payout.WrapError(payout.ErrCodeCacheError, "lock acquire failed", err)
	}
	if !ok {
		return "", payout.ErrLockNotAcquired
	}
	l.log.Debug("lock acquired", zap.String("resource", resource))
	return token, nil
}

// AcquireWithRetry retries Acquire with linear backoff: delay = baseDelay x attempt.
func (l *Locker) AcquireWithRetry(ctx context.Context, resource string, ttl time.Duration, attempts int, baseDelay time.Duration) (string, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		token, err := l.Acquire(ctx, resource, ttl)
		if err == nil {
			return token, nil
		}
		if !errors.Is(err, payout.ErrLockNotAcquired) {
			return "", err
		}
		lastErr = err
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(baseDelay * time.Duration(attempt)):
		}
	}
	l.log.Debug("lock contention exhausted retries",
		zap.String("resource", resource), zap.Int("attempts", attempts))
	return "", lastErr
}

// Release deletes the lock only if it still holds token. Releasing a lock that
// expired and was re-acquired by another holder is a silent no-op.
func (l *Locker) Release(ctx context.Context, resource, token string) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{keyPrefix + resource}, token).Int()
	if err != nil {
		return payout.WrapError(payout.ErrCodeCacheError, "lock release failed", err)
	}
	if n == 0 {
		l.log.Warn("lock release skipped, token mismatch or expired",
			zap.String("resource", resource))
	}
	return nil
}

// Extend refreshes the TTL only if the lock still holds token.
func (l *Locker) Extend(ctx context.Context, resource, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{keyPrefix + resource}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return payout.WrapError(payout.ErrCodeCacheError, "lock extend failed", err)
	}
	if n == 0 {
		return payout.ErrLockNotAcquired
	}
	return nil
}

var _ payout.Locker = (*Locker)(nil)
