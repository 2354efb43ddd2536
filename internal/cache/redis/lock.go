package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/stakeledger/internal/domain"
)

// unlockLua deletes the lock only if it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// extendLua pushes the lock's expiry out only if it still holds the caller's token.
const extendLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// LockManager implements domain.LockManager with SET NX PX and token-checked
// release. While a lock is held a watchdog keeps extending its TTL, so a
// holder blocked on a slow custody transfer does not lose the lock.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	extendSc *redis.Script
	logger   *slog.Logger
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client, logger *slog.Logger) *LockManager {
	return &LockManager{
		c:        c,
		unlockSc: redis.NewScript(unlockLua),
		extendSc: redis.NewScript(extendLua),
		logger:   logger.With(slog.String("component", "redis_lock")),
	}
}

// Acquire takes the lock for key or returns domain.ErrLockHeld. The returned
// unlock func is safe to call more than once.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.key("lock", key)

	ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		lm.watch(lk, token, ttl, stop)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			wg.Wait()

			// The caller's context may already be cancelled.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := lm.unlockSc.Run(unlockCtx, lm.c.rdb, []string{lk}, token).Err(); err != nil {
				lm.logger.Warn("redis: release lock failed",
					slog.String("key", key),
					slog.String("error", err.Error()),
				)
			}
		})
	}
	return unlock, nil
}

func (lm *LockManager) watch(lk, token string, ttl time.Duration, stop <-chan struct{}) {
	interval := ttl / 3
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
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := lm.extendSc.Run(ctx, lm.c.rdb, []string{lk}, token, ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				lm.logger.Warn("redis: extend lock failed", slog.String("key", lk), slog.String("error", err.Error()))
				continue
			}
			if n == 0 {
				lm.logger.Error("redis: lock lost before release", slog.String("key", lk))
				return
			}
		}
	}
}

// Compile-time interface check.
var _ domain.LockManager = (*LockManager)(nil)
